package sinks

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotefeed/internal/quotes"
)

func testQuote(symbol string, class quotes.AssetClass, price float64, at time.Time) *quotes.Quote {
	vol := int64(1000)
	return &quotes.Quote{
		Symbol:      symbol,
		AssetClass:  class,
		Price:       price,
		Volume:      &vol,
		Currency:    "USD",
		Source:      quotes.SourceFree,
		CollectedAt: at,
	}
}

func TestCSVSinkPartitioningAndHeader(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVSink(dir)
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(testQuote("AAPL", quotes.ClassStocks, 184.92, at)))
	require.NoError(t, s.Write(testQuote("AAPL", quotes.ClassStocks, 185.10, at.Add(15*time.Minute))))

	path := filepath.Join(dir, "stocks", "AAPL", "20260801.csv")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two rows")
	require.Equal(t, csvColumns, rows[0])
	require.Equal(t, "AAPL", rows[1][0])
	require.Equal(t, "184.92", rows[1][2])
	require.Equal(t, "185.1", rows[2][2])
}

func TestCSVSinkNewDayNewFile(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVSink(dir)

	require.NoError(t, s.Write(testQuote("GC", quotes.ClassCommodities, 2411.30,
		time.Date(2026, 8, 1, 23, 50, 0, 0, time.UTC))))
	require.NoError(t, s.Write(testQuote("GC", quotes.ClassCommodities, 2412.00,
		time.Date(2026, 8, 2, 0, 10, 0, 0, time.UTC))))

	_, err := os.Stat(filepath.Join(dir, "commodities", "GC", "20260801.csv"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "commodities", "GC", "20260802.csv"))
	require.NoError(t, err)
}

func TestJSONLSinkAppends(t *testing.T) {
	dir := t.TempDir()
	s := NewJSONLSink(dir)
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(testQuote("EURUSD", quotes.ClassForex, 1.0894, at)))
	require.NoError(t, s.Write(testQuote("EURUSD", quotes.ClassForex, 1.0901, at.Add(time.Minute))))

	b, err := os.ReadFile(filepath.Join(dir, "forex", "EURUSD", "20260801.jsonl"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)

	var q quotes.Quote
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &q))
	require.Equal(t, "EURUSD", q.Symbol)
	require.InDelta(t, 1.0901, q.Price, 1e-9)
}

func TestSinksRejectInvalidQuote(t *testing.T) {
	dir := t.TempDir()
	bad := testQuote("AAPL", quotes.ClassStocks, -1, time.Now().UTC())

	require.Error(t, NewCSVSink(dir).Write(bad))
	require.Error(t, NewJSONLSink(dir).Write(bad))
}

func TestMultiFanout(t *testing.T) {
	dir := t.TempDir()
	m := Multi{NewCSVSink(dir), NewJSONLSink(dir)}
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.Write(testQuote("BTCUSD", quotes.ClassCrypto, 64123.55, at)))

	_, err := os.Stat(filepath.Join(dir, "crypto", "BTCUSD", "20260801.csv"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "crypto", "BTCUSD", "20260801.jsonl"))
	require.NoError(t, err)
}
