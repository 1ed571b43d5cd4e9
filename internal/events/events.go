package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExitRecord is the durable audit line for one exit attempt, written
// whether the order filled, failed, or ran in dry-run. One line per
// attempt; a retried exit produces a second record.
type ExitRecord struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Symbol     string    `json:"symbol"`
	Reason     string    `json:"reason"`
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PeakPrice  float64   `json:"peak_price"`
	StopPrice  float64   `json:"stop_price"`
	GainPct    float64   `json:"gain_pct"`
	Profit     float64   `json:"profit"`
	HoldSecs   float64   `json:"hold_seconds,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DryRun     bool      `json:"dry_run"`
}

// HeartbeatRecord is one per-ticker liveness line from the monitor.
type HeartbeatRecord struct {
	Time      time.Time `json:"time"`
	Symbol    string    `json:"symbol"`
	State     string    `json:"state"`
	Samples   int       `json:"samples"`
	Price     float64   `json:"price,omitempty"`
	GainPct   float64   `json:"gain_pct,omitempty"`
	PeakPrice float64   `json:"peak_price,omitempty"`
	StopPrice float64   `json:"stop_price,omitempty"`
	AgeSecs   float64   `json:"age_seconds"`
	Stale     bool      `json:"stale"`
}

// NewID returns a fresh record identifier.
func NewID() string { return uuid.NewString() }

// Writer appends JSON lines to a per-session file under the output
// directory. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewWriter opens (creating as needed) an event file named by kind and
// session date, so consecutive runs on the same day append to one
// artifact.
func NewWriter(dir, kind string, now time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl", kind, now.Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	return &Writer{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string { return w.path }

// Append writes one record as a JSON line.
func (w *Writer) Append(rec interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
