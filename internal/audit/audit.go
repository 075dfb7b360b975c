// Package audit emits and reads the append-only governance log.
//
// Every evaluation produces one self-contained Event: the full inputs, the
// decision, the policy hash, and correlation IDs. Serialization is
// byte-stable: keys sorted lexicographically, no whitespace between
// separators, numeric text preserved through an intermediate json.Number
// pass. One event per line, newline-terminated, append-only.
//
// The UUID event ID and the wall-clock timestamp are the only sources of
// non-determinism in an event; replay and golden tests normalize those two
// fields.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"policygate/pkg/types"
)

// timestampLayout is RFC 3339 UTC with microsecond precision.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Event is one audit log record. Fields are append-only within a major
// version.
type Event struct {
	EventID        string               `json:"event_id"`
	Timestamp      string               `json:"timestamp"`
	EngineVersion  string               `json:"engine_version"`
	PolicyHash     string               `json:"policy_hash"`
	RunID          string               `json:"run_id,omitempty"`
	Intent         types.OrderIntent    `json:"intent"`
	PortfolioState types.PortfolioState `json:"portfolio_state"`
	MarketSnapshot types.MarketSnapshot `json:"market_snapshot"`
	ExecutionState types.ExecutionState `json:"execution_state"`
	Decision       types.Decision       `json:"decision"`
}

// BuildEvent assembles an audit event for one evaluation. runID may be
// empty for single-shot evaluations.
func BuildEvent(decision *types.Decision, intent *types.OrderIntent, portfolio *types.PortfolioState, market *types.MarketSnapshot, execution *types.ExecutionState, engineVersion, policyHash, runID string) *Event {
	return &Event{
		EventID:        uuid.NewString(),
		Timestamp:      time.Now().UTC().Format(timestampLayout),
		EngineVersion:  engineVersion,
		PolicyHash:     policyHash,
		RunID:          runID,
		Intent:         *intent,
		PortfolioState: *portfolio,
		MarketSnapshot: *market,
		ExecutionState: *execution,
		Decision:       *decision,
	}
}

// MarshalCanonical serializes v with lexicographically sorted keys and no
// separator whitespace. The round trip through json.Number keeps each
// number's shortest-round-trip text intact, so the same value always
// produces the same bytes on the same platform.
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// Writer appends events to a JSONL file, one canonical line per event.
// Each write goes straight to the file descriptor, so a crash loses at most
// the line being written.
type Writer struct {
	f *os.File
}

// OpenWriter opens (or creates) an append-only audit log.
func OpenWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Writer{f: f}, nil
}

// Write appends one event. An error here is fatal to the caller: the engine
// makes no consistency guarantee after a failed audit write.
func (w *Writer) Write(ev *Event) error {
	line, err := MarshalCanonical(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// ReadEvents returns all events from a JSONL audit log in file order. Blank
// lines are skipped. A torn final line (process crash mid-write) is
// tolerated and dropped; a malformed line anywhere else is a hard error.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	events := make([]Event, 0, len(lines))
	for i, line := range lines {
		var ev Event
		if err := types.DecodeStrict(line, &ev); err != nil {
			if i == len(lines)-1 {
				break // torn trailing line from a crash mid-write
			}
			return nil, fmt.Errorf("audit log line %d: %w", i+1, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
