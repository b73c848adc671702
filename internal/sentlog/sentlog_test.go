package sentlog

import (
	"context"
	"testing"
	"time"

	"github.com/webtech-soft/CustomerView/internal/clock"
	"github.com/webtech-soft/CustomerView/internal/kvstore"
	"github.com/webtech-soft/CustomerView/internal/ledger"
	"github.com/webtech-soft/CustomerView/internal/timeline"
)

var start = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMarkSentAccumulates(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(start)
	n := ledger.NewNotifier(nil)
	var rows []timeline.Row
	log := New(kvstore.NewMemoryStore(), n, Options{
		Clock:    clk,
		Recorder: timeline.RecorderFunc(func(_ context.Context, r timeline.Row) { rows = append(rows, r) }),
	})
	var signals []ledger.Signal
	n.Subscribe(ledger.ScopeSignal, func(ev ledger.Event) { signals = append(signals, ev.Signal) })

	log.MarkSent(ctx, 21, "amy", SendOptions{})
	log.MarkSent(ctx, 21, "", SendOptions{})

	events := log.Events(ctx, 21)
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Timestamp == events[1].Timestamp {
		t.Fatalf("timestamps must be distinct: %+v", events)
	}
	if events[0].SentBy != "amy" || events[1].SentBy != "" {
		t.Fatalf("sentBy = %+v", events)
	}
	if len(signals) != 2 || signals[0].Name != ledger.SignalTicketSent {
		t.Fatalf("signals = %+v", signals)
	}
	if len(rows) != 2 || rows[0].Type != timeline.TypeSent || *rows[0].User != "amy" || rows[1].User != nil {
		t.Fatalf("rows = %+v", rows)
	}

	clk.Advance(time.Minute)
	log.MarkSent(ctx, 21, "bob", SendOptions{})
	last, ok := log.Last(ctx, 21)
	if !ok || last.SentBy != "bob" || last.Timestamp != start.Add(time.Minute).UnixMilli() {
		t.Fatalf("Last = %+v, %v", last, ok)
	}
}

func TestStoredOmitsEmptySentBy(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	log := New(store, nil, Options{Clock: clock.Fake(start)})
	log.MarkSent(ctx, 5, "", SendOptions{})
	raw, _, _ := store.Get(ctx, Key(5))
	if raw != `[{"timestamp":1780315200000}]` {
		t.Fatalf("stored %s", raw)
	}
}

func TestLegacyEncodings(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		form form
		want []Event
	}{
		{"list", `[{"timestamp":10,"sentBy":"a"},{"timestamp":"x"},null,{"timestamp":20}]`, formList, []Event{{10, "a"}, {20, ""}}},
		{"empty list", `[]`, formList, []Event{}},
		{"single", `{"timestamp":30,"sentBy":"b"}`, formSingle, []Event{{30, "b"}}},
		{"single zero", `{"timestamp":0}`, formInvalid, nil},
		{"bare", `1700000000000`, formBareTimestamp, []Event{{1700000000000, ""}}},
		{"bare float", `1.7e12`, formBareTimestamp, []Event{{1, ""}}},
		{"negative", `-5`, formBareTimestamp, []Event{{-5, ""}}},
		{"null", `null`, formInvalid, nil},
		{"string", `"123"`, formInvalid, nil},
		{"not json", `1700000000000abc`, formInvalid, nil},
	}
	for _, tt := range tests {
		f, got := decodeStored(tt.raw)
		if f != tt.form {
			t.Errorf("%s: form = %v, want %v", tt.name, f, tt.form)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("%s: events = %+v, want %+v", tt.name, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: events[%d] = %+v, want %+v", tt.name, i, got[i], tt.want[i])
			}
		}
	}
}

func TestMarkSentNormalizesLegacyValue(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	_ = store.Set(ctx, Key(8), `1700000000000`)
	log := New(store, nil, Options{Clock: clock.Fake(start)})

	if got := log.Events(ctx, 8); len(got) != 1 || got[0].Timestamp != 1700000000000 {
		t.Fatalf("legacy events = %+v", got)
	}
	log.MarkSent(ctx, 8, "c", SendOptions{})
	got := log.Events(ctx, 8)
	if len(got) != 2 || got[1].SentBy != "c" {
		t.Fatalf("events after append = %+v", got)
	}
}

func TestSentLogWithoutStorage(t *testing.T) {
	ctx := context.Background()
	log := New(nil, nil, Options{})
	log.MarkSent(ctx, 1, "x", SendOptions{})
	if got := log.Events(ctx, 1); got == nil || len(got) != 0 {
		t.Fatalf("Events = %#v", got)
	}
	if _, ok := log.Last(ctx, 1); ok {
		t.Fatalf("Last should report nothing")
	}
}
