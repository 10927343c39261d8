package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"
)

// csvFile is one open output file.
type csvFile struct {
	f *os.File
	w *csv.Writer
}

// CSVSink appends candles to one CSV file per pair, named
// binance_data_<PAIR>_<YYYYmmdd_HHMMSS>.csv after the time the sink was opened.
type CSVSink struct {
	dir     string
	started time.Time
	files   map[string]*csvFile
}

// NewCSVSink creates dir if needed. Files are created on the first candle of
// each pair.
func NewCSVSink(dir string, now time.Time) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &CSVSink{dir: dir, started: now, files: make(map[string]*csvFile)}, nil
}

// Path returns the file that candles of pair are written to.
func (s *CSVSink) Path(pair string) string {
	name := fmt.Sprintf("binance_data_%s_%s.csv", fileSymbol(pair), s.started.Format("20060102_150405"))
	return filepath.Join(s.dir, name)
}

func (s *CSVSink) Write(_ context.Context, candle model.Candle) error {
	out, err := s.file(candle.Pair)
	if err != nil {
		return err
	}

	if err := out.w.Write(NewRecord(candle).CSVRow()); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	out.w.Flush()
	return out.w.Error()
}

func (s *CSVSink) file(pair string) (*csvFile, error) {
	if out, ok := s.files[pair]; ok {
		return out, nil
	}

	path := s.Path(pair)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	out := &csvFile{f: f, w: csv.NewWriter(f)}
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		if err := out.w.Write(CSVHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}

	s.files[pair] = out
	return out, nil
}

func (s *CSVSink) Close() error {
	var errs []error
	for pair, out := range s.files {
		out.w.Flush()
		if err := out.w.Error(); err != nil {
			errs = append(errs, err)
		}
		if err := out.f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.files, pair)
	}
	return errors.Join(errs...)
}
