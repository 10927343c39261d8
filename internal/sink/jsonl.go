package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cs-darshan/binance-data-collector/internal/model"
)

// JSONLSink appends one JSON object per line to binance_data_<YYYYmmdd>.jsonl,
// rolling over with the UTC day of each candle's window start.
type JSONLSink struct {
	dir  string
	day  string
	file *os.File
}

// NewJSONLSink creates dir if needed.
func NewJSONLSink(dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &JSONLSink{dir: dir}, nil
}

// Path returns the file for the given day (YYYYmmdd).
func (s *JSONLSink) Path(day string) string {
	return filepath.Join(s.dir, fmt.Sprintf("binance_data_%s.jsonl", day))
}

func (s *JSONLSink) Write(_ context.Context, candle model.Candle) error {
	line, err := NewRecord(candle).Marshal()
	if err != nil {
		return fmt.Errorf("marshal candle: %w", err)
	}

	day := candle.StartTime.UTC().Format("20060102")
	if s.file == nil || day != s.day {
		if err := s.rotate(day); err != nil {
			return err
		}
	}

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write json line: %w", err)
	}
	return nil
}

func (s *JSONLSink) rotate(day string) error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("close json file: %w", err)
		}
		s.file = nil
	}

	f, err := os.OpenFile(s.Path(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open json file: %w", err)
	}
	s.file, s.day = f, day
	return nil
}

func (s *JSONLSink) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
