// Package audit writes one JSONL record per decision cycle. The trail is
// the authority for "why did the bot (not) trade at time T": every
// record carries the proposals, the risk verdicts, the latency breakdown
// and the hash of the config that produced them.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CycleStatus is the outcome class of one cycle.
type CycleStatus string

const (
	StatusTrade   CycleStatus = "TRADE"
	StatusNoTrade CycleStatus = "NO_TRADE"
	StatusError   CycleStatus = "ERROR"
)

// ProposalRecord captures one proposal and its verdict.
type ProposalRecord struct {
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	SizePct    float64  `json:"size_pct"`
	Confidence float64  `json:"confidence"`
	Strategy   string   `json:"strategy"`
	Approved   bool     `json:"approved"`
	Rejections []string `json:"rejections,omitempty"`
}

// ExecutionRecord captures one order outcome.
type ExecutionRecord struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	Status        string  `json:"status"`
	RequestedUSD  float64 `json:"requested_usd"`
	FilledUSD     float64 `json:"filled_usd"`
	Fees          float64 `json:"fees"`
	Error         string  `json:"error,omitempty"`
}

// Record is one cycle's audit entry.
type Record struct {
	CycleID       string            `json:"cycle_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        CycleStatus       `json:"status"`
	NoTradeReason string            `json:"no_trade_reason,omitempty"`
	Regime        string            `json:"regime,omitempty"`
	NAV           float64           `json:"nav"`
	ExposurePct   float64           `json:"exposure_pct"`
	EligibleCount int               `json:"eligible_count"`
	Triggers      int               `json:"triggers"`
	Proposals     []ProposalRecord  `json:"proposals,omitempty"`
	Executions    []ExecutionRecord `json:"executions,omitempty"`
	StageLatency  map[string]int64  `json:"stage_latency_ms,omitempty"`
	CycleMS       int64             `json:"cycle_ms"`
	ConfigHash    string            `json:"config_hash"`
	Error         string            `json:"error,omitempty"`
}

// NewRecord starts a record with a fresh cycle id.
func NewRecord(configHash string) *Record {
	return &Record{
		CycleID:      uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		StageLatency: make(map[string]int64),
		ConfigHash:   configHash,
	}
}

// Writer appends JSONL records to a per-day file under dir. Audit writes
// must never take the trading loop down: failures are logged and
// swallowed.
type Writer struct {
	dir string
	log zerolog.Logger

	mu   sync.Mutex
	file *os.File
	day  string

	now func() time.Time
}

// NewWriter creates the audit writer, making dir if needed.
func NewWriter(dir string, logger zerolog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	return &Writer{
		dir: dir,
		log: logger.With().Str("component", "audit").Logger(),
		now: time.Now,
	}, nil
}

// Write appends one record. The file rolls over at UTC midnight.
func (w *Writer) Write(rec *Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := w.now().UTC().Format("2006-01-02")
	if w.file == nil || day != w.day {
		if w.file != nil {
			w.file.Close()
		}
		path := filepath.Join(w.dir, "audit-"+day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			w.log.Error().Err(err).Str("path", path).Msg("Audit file open failed, record dropped")
			return
		}
		w.file = f
		w.day = day
	}

	line, err := json.Marshal(rec)
	if err != nil {
		w.log.Error().Err(err).Msg("Audit record marshal failed")
		return
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		w.log.Error().Err(err).Msg("Audit write failed")
	}
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
