// Package sentlog records every time a ticket is sent to the customer.
package sentlog

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/webtech-soft/CustomerView/internal/clock"
	"github.com/webtech-soft/CustomerView/internal/kvstore"
	"github.com/webtech-soft/CustomerView/internal/ledger"
	"github.com/webtech-soft/CustomerView/internal/timeline"
)

const keyPrefix = "ticket_sent_"

func Key(ticketNumber int) string {
	return keyPrefix + strconv.Itoa(ticketNumber)
}

// Event is one send. Timestamp is Unix milliseconds.
type Event struct {
	Timestamp int64  `json:"timestamp"`
	SentBy    string `json:"sentBy,omitempty"`
}

type SendOptions struct {
	TicketTotal *float64
	IPAddress   string
}

type Options struct {
	Clock    clock.Clock
	Recorder timeline.Recorder
	Logger   *slog.Logger
}

type Log struct {
	ledger   *ledger.Ledger[[]Event]
	clock    clock.Clock
	recorder timeline.Recorder
	logger   *slog.Logger
}

func New(store kvstore.Store, notifier *ledger.Notifier, opts Options) *Log {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Recorder == nil {
		opts.Recorder = timeline.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Log{
		ledger:   ledger.New("ticket_sent", store, notifier, decodeEvents, opts.Logger),
		clock:    opts.Clock,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
}

// MarkSent appends a send. Sends are never deduplicated; when the clock has
// not moved past the newest stored timestamp the new one is bumped by a
// millisecond so every entry stays distinct.
func (l *Log) MarkSent(ctx context.Context, ticketNumber int, sentBy string, opts SendOptions) {
	now := l.clock.Now()
	var stamped int64
	_, _, err := l.ledger.Update(ctx, Key(ticketNumber), func(events []Event, _ bool) ([]Event, ledger.Signal, bool) {
		stamped = clock.UnixMilli(now)
		for _, ev := range events {
			if ev.Timestamp >= stamped {
				stamped = ev.Timestamp + 1
			}
		}
		next := append(events, Event{Timestamp: stamped, SentBy: sentBy})
		return next, ledger.Signal{Name: ledger.SignalTicketSent, TicketNumber: ticketNumber}, true
	})
	if err != nil {
		ledger.Report(l.logger, "ticket_sent.mark", ticketNumber, err)
		return
	}
	l.recorder.Record(ctx, timeline.SentRow(ticketNumber, clock.FromUnixMilli(stamped), timeline.Options{
		User:        sentBy,
		TicketTotal: opts.TicketTotal,
		IPAddress:   opts.IPAddress,
	}))
}

// Events returns every recorded send in stored order, whichever historical
// encoding the key holds.
func (l *Log) Events(ctx context.Context, ticketNumber int) []Event {
	events, err := l.ledger.Read(ctx, Key(ticketNumber))
	if err != nil {
		ledger.Report(l.logger, "ticket_sent.events", ticketNumber, err)
		return []Event{}
	}
	return events
}

// Last returns the send with the newest timestamp.
func (l *Log) Last(ctx context.Context, ticketNumber int) (Event, bool) {
	events := l.Events(ctx, ticketNumber)
	if len(events) == 0 {
		return Event{}, false
	}
	last := events[0]
	for _, ev := range events[1:] {
		if ev.Timestamp > last.Timestamp {
			last = ev
		}
	}
	return last, true
}
