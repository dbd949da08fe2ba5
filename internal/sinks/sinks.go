// Package sinks writes collected quotes to durable output files,
// partitioned as {base}/{asset_class}/{SYMBOL}/{YYYYMMDD}.{ext}.
package sinks

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"quotefeed/internal/quotes"
)

// QuoteSink receives successful quotes from the scheduler.
type QuoteSink interface {
	Write(q *quotes.Quote) error
}

func quoteFilePath(base string, q *quotes.Quote, ext string) string {
	day := q.CollectedAt.UTC().Format("20060102")
	return filepath.Join(base,
		strings.ToLower(string(q.AssetClass)),
		strings.ToUpper(q.Symbol),
		day+ext)
}

// csvColumns is the fixed header; optional fields serialize empty.
var csvColumns = []string{
	"symbol", "asset_class", "price", "change", "change_percent",
	"volume", "day_high", "day_low", "week_52_high", "week_52_low",
	"open", "previous_close", "currency", "source", "collected_at",
}

// CSVSink appends quotes to daily-partitioned CSV files, writing the
// header when a file is first created.
type CSVSink struct {
	mu   sync.Mutex
	base string
}

// NewCSVSink writes under base. Files are partitioned by each quote's
// own collection date, so late writes land in the right day.
func NewCSVSink(base string) *CSVSink {
	return &CSVSink{base: base}
}

func (s *CSVSink) Write(q *quotes.Quote) error {
	if err := quotes.Validate(q); err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := quoteFilePath(s.base, q, ".csv")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("csv sink mkdir: %w", err)
	}

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv sink open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(csvColumns); err != nil {
			return fmt.Errorf("csv sink header: %w", err)
		}
	}
	if err := w.Write(csvRow(q)); err != nil {
		return fmt.Errorf("csv sink row: %w", err)
	}
	w.Flush()
	return w.Error()
}

func csvRow(q *quotes.Quote) []string {
	return []string{
		q.Symbol,
		string(q.AssetClass),
		strconv.FormatFloat(q.Price, 'f', -1, 64),
		fmtOptFloat(q.Change),
		fmtOptFloat(q.ChangePct),
		fmtOptInt(q.Volume),
		fmtOptFloat(q.DayHigh),
		fmtOptFloat(q.DayLow),
		fmtOptFloat(q.Week52High),
		fmtOptFloat(q.Week52Low),
		fmtOptFloat(q.Open),
		fmtOptFloat(q.PrevClose),
		q.Currency,
		string(q.Source),
		q.CollectedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func fmtOptFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func fmtOptInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// JSONLSink appends one JSON document per line to daily-partitioned
// files. The line format is the Quote's canonical JSON encoding.
type JSONLSink struct {
	mu   sync.Mutex
	base string
}

// NewJSONLSink writes under base.
func NewJSONLSink(base string) *JSONLSink {
	return &JSONLSink{base: base}
}

func (s *JSONLSink) Write(q *quotes.Quote) error {
	if err := quotes.Validate(q); err != nil {
		return fmt.Errorf("jsonl sink: %w", err)
	}

	line, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("jsonl sink marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := quoteFilePath(s.base, q, ".jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("jsonl sink mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl sink open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("jsonl sink append: %w", err)
	}
	return nil
}

// Multi fans one quote out to several sinks; the first error wins but
// every sink is attempted.
type Multi []QuoteSink

func (m Multi) Write(q *quotes.Quote) error {
	var firstErr error
	for _, s := range m {
		if err := s.Write(q); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
