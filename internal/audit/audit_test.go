package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestWriteAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	rec := NewRecord("abc123")
	rec.Status = StatusTrade
	rec.Regime = "bull"
	rec.NAV = 10000
	rec.Proposals = []ProposalRecord{{Symbol: "SOL-USD", Side: "BUY", SizePct: 2.0, Confidence: 0.7, Strategy: "trigger", Approved: true}}
	rec.Executions = []ExecutionRecord{{Symbol: "SOL-USD", Side: "BUY", Status: "filled", RequestedUSD: 200, FilledUSD: 199.6, Fees: 0.3}}
	rec.StageLatency["universe"] = 120
	rec.CycleMS = 850
	w.Write(rec)

	second := NewRecord("abc123")
	second.Status = StatusNoTrade
	second.NoTradeReason = "no_triggers"
	w.Write(second)

	day := time.Now().UTC().Format("2006-01-02")
	records := readRecords(t, filepath.Join(dir, "audit-"+day+".jsonl"))
	require.Len(t, records, 2)

	assert.NotEmpty(t, records[0].CycleID)
	assert.NotEqual(t, records[0].CycleID, records[1].CycleID)
	assert.Equal(t, StatusTrade, records[0].Status)
	assert.Equal(t, "abc123", records[0].ConfigHash)
	assert.Equal(t, int64(120), records[0].StageLatency["universe"])
	assert.Equal(t, "no_triggers", records[1].NoTradeReason)
	assert.Empty(t, records[1].Proposals)
}

func TestFileRollsOverAtMidnight(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	day1 := time.Date(2026, 8, 25, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day1 }
	w.Write(NewRecord("h1"))

	w.now = func() time.Time { return day1.Add(2 * time.Minute) }
	w.Write(NewRecord("h1"))

	assert.FileExists(t, filepath.Join(dir, "audit-2026-08-25.jsonl"))
	assert.FileExists(t, filepath.Join(dir, "audit-2026-08-26.jsonl"))
}

func TestWriteSurvivesBadDir(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	// Opening the day file fails; the record is dropped, not fatal.
	assert.NotPanics(t, func() { w.Write(NewRecord("h1")) })
}
