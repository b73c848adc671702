package sentlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/webtech-soft/CustomerView/internal/ledger"
)

// form identifies which historical encoding a ticket_sent value uses.
type form int

const (
	formInvalid form = iota
	// formList is the current encoding: an array of events.
	formList
	// formSingle is a lone event object written by early clients.
	formSingle
	// formBareTimestamp is a JSON number holding the send time.
	formBareTimestamp
)

func (f form) String() string {
	switch f {
	case formList:
		return "list"
	case formSingle:
		return "single"
	case formBareTimestamp:
		return "bare_timestamp"
	default:
		return "invalid"
	}
}

type rawEvent struct {
	Timestamp json.RawMessage `json:"timestamp"`
	SentBy    json.RawMessage `json:"sentBy"`
}

// toEvent accepts entries whose timestamp is a JSON number.
func (r rawEvent) toEvent() (Event, bool) {
	var ts float64
	if len(r.Timestamp) == 0 || json.Unmarshal(r.Timestamp, &ts) != nil {
		return Event{}, false
	}
	ev := Event{Timestamp: int64(ts)}
	var by string
	if len(r.SentBy) > 0 && json.Unmarshal(r.SentBy, &by) == nil {
		ev.SentBy = by
	}
	return ev, true
}

// decodeStored normalizes every historical encoding into one list.
func decodeStored(raw string) (form, []Event) {
	data := bytes.TrimSpace([]byte(raw))
	if !json.Valid(data) {
		return formInvalid, nil
	}
	switch data[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return formInvalid, nil
		}
		events := make([]Event, 0, len(items))
		for _, item := range items {
			var r rawEvent
			if json.Unmarshal(item, &r) != nil {
				continue
			}
			if ev, ok := r.toEvent(); ok {
				events = append(events, ev)
			}
		}
		return formList, events
	case '{':
		var r rawEvent
		if json.Unmarshal(data, &r) != nil {
			return formInvalid, nil
		}
		if ev, ok := r.toEvent(); ok && ev.Timestamp != 0 {
			return formSingle, []Event{ev}
		}
		return formInvalid, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		ts, ok := leadingInt(string(data))
		if !ok {
			return formInvalid, nil
		}
		return formBareTimestamp, []Event{{Timestamp: ts}}
	default:
		return formInvalid, nil
	}
}

func decodeEvents(raw string) ([]Event, error) {
	f, events := decodeStored(raw)
	if f == formInvalid {
		return nil, fmt.Errorf("%w: unrecognized ticket_sent value", ledger.ErrMalformed)
	}
	return events, nil
}

// leadingInt parses an optional sign and the decimal digits that follow it,
// ignoring the rest, so "1.7e12" yields 1.
func leadingInt(s string) (int64, bool) {
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
