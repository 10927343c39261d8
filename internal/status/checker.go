package status

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const csvGlob = "binance_data_*.csv"

// Check is the outcome of one health check.
type Check struct {
	Name    string
	Healthy bool
	Message string
}

// Result is the outcome of a full health check run.
type Result struct {
	Checks  []Check
	Records int       // CSV rows across all data files
	Latest  time.Time // newest candle start found in the data files
}

// Healthy reports whether every check passed.
func (r Result) Healthy() bool {
	for _, c := range r.Checks {
		if !c.Healthy {
			return false
		}
	}
	return true
}

// Checker probes a running collector through its status server and its CSV
// output. Checks whose source is not configured are skipped.
type Checker struct {
	StatusURL string        // e.g. http://localhost:8080
	DataDir   string        // directory of the CSV files
	MaxAge    time.Duration // maximum age of the newest data
	Client    *http.Client
	Now       func() time.Time
}

// Run executes every configured check.
func (c *Checker) Run(ctx context.Context) Result {
	var res Result
	if c.StatusURL != "" {
		res.Checks = append(res.Checks, c.CheckService(ctx), c.CheckCandleFreshness(ctx))
	}
	if c.DataDir != "" {
		res.Checks = append(res.Checks, c.CheckDataFreshness())
		if records, latest, err := c.DataStats(); err == nil {
			res.Records, res.Latest = records, latest
		}
	}
	return res
}

// CheckService verifies that GET /health answers 200.
func (c *Checker) CheckService(ctx context.Context) Check {
	check := Check{Name: "Service Status"}

	var h Health
	code, err := c.getJSON(ctx, "/health", &h)
	if err != nil {
		check.Message = err.Error()
		return check
	}
	if code != http.StatusOK {
		check.Message = fmt.Sprintf("status %s (HTTP %d)", h.Status, code)
		return check
	}

	check.Healthy = true
	check.Message = "running for " + h.Uptime
	return check
}

// CheckCandleFreshness verifies that every pair emitted a candle within
// MaxAge. Pairs without candles are tolerated while the collector is younger
// than MaxAge.
func (c *Checker) CheckCandleFreshness(ctx context.Context) Check {
	check := Check{Name: "Candle Freshness"}

	var report Report
	code, err := c.getJSON(ctx, "/stats", &report)
	if err != nil {
		check.Message = err.Error()
		return check
	}
	if code != http.StatusOK {
		check.Message = fmt.Sprintf("stats returned HTTP %d", code)
		return check
	}
	if len(report.Pairs) == 0 {
		check.Message = "no pairs are being collected"
		return check
	}

	now := c.now()
	var stale []string
	for _, p := range report.Pairs {
		if p.LastCandleStart.IsZero() {
			if now.Sub(report.StartedAt) > c.maxAge() {
				stale = append(stale, p.Pair+" (no candles)")
			}
			continue
		}
		if age := now.Sub(p.LastCandleStart); age > c.maxAge() {
			stale = append(stale, fmt.Sprintf("%s (%s)", p.Pair, age.Truncate(time.Second)))
		}
	}
	if len(stale) > 0 {
		check.Message = "stale pairs: " + strings.Join(stale, ", ")
		return check
	}

	check.Healthy = true
	check.Message = fmt.Sprintf("%d pairs fresh", len(report.Pairs))
	return check
}

// CheckDataFreshness verifies that the most recently modified CSV file was
// written, and its last row starts, within MaxAge.
func (c *Checker) CheckDataFreshness() Check {
	check := Check{Name: "Data Freshness"}

	latest, modTime, err := c.latestFile()
	if err != nil {
		check.Message = err.Error()
		return check
	}

	now := c.now()
	if age := now.Sub(modTime); age > c.maxAge() {
		check.Message = fmt.Sprintf("latest file is %s old", age.Truncate(time.Second))
		return check
	}

	rows, err := readRows(latest)
	if err != nil {
		check.Message = fmt.Sprintf("error reading data file: %v", err)
		return check
	}
	if len(rows) == 0 {
		check.Message = "no data in file"
		return check
	}

	last, err := rowTime(rows[len(rows)-1])
	if err != nil {
		check.Message = err.Error()
		return check
	}
	age := now.Sub(last).Truncate(time.Second)
	if age > c.maxAge() {
		check.Message = fmt.Sprintf("last data entry is %s old", age)
		return check
	}

	check.Healthy = true
	check.Message = fmt.Sprintf("data is fresh (last entry: %s ago)", age)
	return check
}

// DataStats counts the rows of every CSV file and finds the newest candle.
// Unreadable files are skipped.
func (c *Checker) DataStats() (records int, latest time.Time, err error) {
	files, err := filepath.Glob(filepath.Join(c.DataDir, csvGlob))
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(files) == 0 {
		return 0, time.Time{}, errors.New("no data files found")
	}

	for _, f := range files {
		rows, err := readRows(f)
		if err != nil || len(rows) == 0 {
			continue
		}
		records += len(rows)
		if t, err := rowTime(rows[len(rows)-1]); err == nil && t.After(latest) {
			latest = t
		}
	}
	return records, latest, nil
}

func (c *Checker) latestFile() (string, time.Time, error) {
	files, err := filepath.Glob(filepath.Join(c.DataDir, csvGlob))
	if err != nil {
		return "", time.Time{}, err
	}

	var latest string
	var modTime time.Time
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(modTime) {
			latest, modTime = f, info.ModTime()
		}
	}
	if latest == "" {
		return "", time.Time{}, errors.New("no data files found")
	}
	return latest, modTime, nil
}

func (c *Checker) getJSON(ctx context.Context, path string, v any) (int, error) {
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.StatusURL, "/")+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

func (c *Checker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Checker) maxAge() time.Duration {
	if c.MaxAge > 0 {
		return c.MaxAge
	}
	return 5 * time.Minute
}

// readRows returns the data rows of a CSV file, without its header.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}

func rowTime(row []string) (time.Time, error) {
	if len(row) == 0 {
		return time.Time{}, errors.New("empty row")
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", row[0], err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
