package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aelhadee/247trader/internal/exchange"
)

// LoadCSV reads one candle series. Expected header:
//
//	start,open,high,low,close,volume
//
// start accepts unix seconds or RFC3339.
func LoadCSV(path string) ([]exchange.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candle file: %w", err)
	}
	defer f.Close()
	return parseCSV(f, path)
}

func parseCSV(r io.Reader, name string) ([]exchange.Candle, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read header: %w", name, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"start", "open", "high", "low", "close", "volume"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", name, required)
		}
	}

	var out []exchange.Candle
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, line, err)
		}

		start, err := parseTime(row[col["start"]])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad start: %w", name, line, err)
		}
		c := exchange.Candle{Start: start}
		for _, field := range []struct {
			name string
			dst  *float64
		}{
			{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low},
			{"close", &c.Close}, {"volume", &c.Volume},
		} {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[col[field.name]]), 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: bad %s: %w", name, line, field.name, err)
			}
			*field.dst = v
		}
		out = append(out, c)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// LoadDir loads every *.csv in dir, keyed by file basename (e.g.
// SOL-USD.csv loads series "SOL-USD").
func LoadDir(dir string) (map[string][]exchange.Candle, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no candle files in %s", dir)
	}
	out := make(map[string][]exchange.Candle, len(paths))
	for _, path := range paths {
		symbol := strings.TrimSuffix(filepath.Base(path), ".csv")
		candles, err := LoadCSV(path)
		if err != nil {
			return nil, err
		}
		out[symbol] = candles
	}
	return out, nil
}
