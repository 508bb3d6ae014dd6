package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes bounds a single JSON line.
const maxLineBytes = 4 << 20

// ReadStats counts what StreamEvents saw.
type ReadStats struct {
	Lines     int // non-blank lines
	Events    int // transaction events emitted
	Skipped   int // well-formed lines of another event_type
	Malformed int // lines that failed to decode
}

// StreamEvents reads JSON lines from r and sends every transaction event to out.
//
// Behavior:
//   - Blank lines are ignored.
//   - A line that is not a JSON object, or whose fields have the wrong type,
//     is reported through onParseErr with its 1-based line number and skipped.
//   - Lines whose event_type is not "transaction_event" are counted as skipped.
//
// Errors:
//   - Returns ctx.Err() if the context is canceled while sending.
//   - Returns read errors from r (including lines longer than maxLineBytes).
func StreamEvents(
	ctx context.Context,
	r io.Reader,
	out chan<- Event,
	onParseErr func(line int, err error),
) (ReadStats, error) {
	var st ReadStats

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		st.Lines++

		ev, err := decodeEvent(raw)
		if err != nil {
			st.Malformed++
			if onParseErr != nil {
				onParseErr(line, err)
			}
			continue
		}
		if ev.EventType != TransactionEventType {
			st.Skipped++
			continue
		}
		ev.Line = line

		select {
		case out <- ev:
			st.Events++
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("jsonl: line %d: %w", line+1, err)
	}
	return st, nil
}

func decodeEvent(raw []byte) (Event, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	if dec.More() {
		return Event{}, fmt.Errorf("trailing data after object")
	}
	return ev, nil
}
