// Package viewstatus tracks whether a customer has opened a ticket's invoice
// view and whether they are still looking at it.
package viewstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/webtech-soft/CustomerView/internal/clock"
	"github.com/webtech-soft/CustomerView/internal/kvstore"
	"github.com/webtech-soft/CustomerView/internal/ledger"
	"github.com/webtech-soft/CustomerView/internal/timeline"
)

const keyPrefix = "invoice_view_status_"

// DefaultActiveWindow is how long after the last activity a view still
// counts as active.
const DefaultActiveWindow = 5 * time.Minute

func Key(ticketNumber int) string {
	return keyPrefix + strconv.Itoa(ticketNumber)
}

// Status is the stored view record. Timestamps are Unix milliseconds.
type Status struct {
	IsViewed    bool   `json:"isViewed"`
	FirstViewed int64  `json:"firstViewed"`
	LastActive  int64  `json:"lastActive"`
	Token       string `json:"token,omitempty"`
}

type AccessOptions struct {
	TicketTotal *float64
	// IPAddress is copied onto the Viewed timeline row.
	IPAddress string
}

type Options struct {
	Clock        clock.Clock
	Recorder     timeline.Recorder
	Logger       *slog.Logger
	ActiveWindow time.Duration
}

type Tracker struct {
	ledger   *ledger.Ledger[Status]
	clock    clock.Clock
	recorder timeline.Recorder
	logger   *slog.Logger
	window   time.Duration
}

func New(store kvstore.Store, notifier *ledger.Notifier, opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Recorder == nil {
		opts.Recorder = timeline.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = DefaultActiveWindow
	}
	return &Tracker{
		ledger:   ledger.New("view_status", store, notifier, decodeStatus, opts.Logger),
		clock:    opts.Clock,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		window:   opts.ActiveWindow,
	}
}

func signal(ticketNumber int) ledger.Signal {
	return ledger.Signal{Name: ledger.SignalInvoiceViewStatusChange, TicketNumber: ticketNumber}
}

// MarkAccessed overwrites the record with a fresh view: both firstViewed and
// lastActive become now. Marking again restarts the first-viewed clock,
// which is what sending a new version of the invoice needs.
func (t *Tracker) MarkAccessed(ctx context.Context, ticketNumber int, token string, opts AccessOptions) {
	now := t.clock.Now()
	ms := clock.UnixMilli(now)
	status := Status{IsViewed: true, FirstViewed: ms, LastActive: ms, Token: token}
	if err := t.ledger.Write(ctx, Key(ticketNumber), status, signal(ticketNumber)); err != nil {
		ledger.Report(t.logger, "view_status.mark_accessed", ticketNumber, err)
		return
	}
	t.recorder.Record(ctx, timeline.ViewedRow(ticketNumber, now, timeline.Options{
		TicketTotal: opts.TicketTotal,
		IPAddress:   opts.IPAddress,
	}))
}

// TouchActive moves lastActive to now on an existing viewed record and
// reports whether it did. Tickets that were never viewed are left alone.
func (t *Tracker) TouchActive(ctx context.Context, ticketNumber int) bool {
	now := clock.UnixMilli(t.clock.Now())
	_, touched, err := t.ledger.Update(ctx, Key(ticketNumber), func(cur Status, found bool) (Status, ledger.Signal, bool) {
		if !found || !cur.IsViewed {
			return cur, ledger.Signal{}, false
		}
		cur.LastActive = now
		return cur, signal(ticketNumber), true
	})
	if err != nil {
		ledger.Report(t.logger, "view_status.touch_active", ticketNumber, err)
		return false
	}
	return touched
}

// Status returns the record, or nil if the ticket was never viewed or the
// stored record is unreadable.
func (t *Tracker) Status(ctx context.Context, ticketNumber int) *Status {
	s, err := t.ledger.Read(ctx, Key(ticketNumber))
	if err != nil {
		ledger.Report(t.logger, "view_status.get", ticketNumber, err)
		return nil
	}
	return &s
}

func (t *Tracker) HasBeenViewed(ctx context.Context, ticketNumber int) bool {
	s := t.Status(ctx, ticketNumber)
	return s != nil && s.IsViewed
}

// IsActivelyViewed reports whether the last activity is within the active
// window. It is evaluated on each call; nothing fires when the window lapses.
func (t *Tracker) IsActivelyViewed(ctx context.Context, ticketNumber int) bool {
	s := t.Status(ctx, ticketNumber)
	if s == nil || !s.IsViewed {
		return false
	}
	since := clock.UnixMilli(t.clock.Now()) - s.LastActive
	return since <= t.window.Milliseconds()
}

// Reset deletes the record. Observers are notified even if none existed.
func (t *Tracker) Reset(ctx context.Context, ticketNumber int) {
	if err := t.ledger.Remove(ctx, Key(ticketNumber), signal(ticketNumber)); err != nil {
		ledger.Report(t.logger, "view_status.reset", ticketNumber, err)
	}
}

// decodeStatus requires a boolean isViewed and a numeric firstViewed. A
// missing or zero lastActive falls back to firstViewed, and a non-string
// token is ignored.
func decodeStatus(raw string) (Status, error) {
	var fields struct {
		IsViewed    *bool           `json:"isViewed"`
		FirstViewed *float64        `json:"firstViewed"`
		LastActive  json.RawMessage `json:"lastActive"`
		Token       json.RawMessage `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ledger.ErrMalformed, err)
	}
	if fields.IsViewed == nil || fields.FirstViewed == nil {
		return Status{}, fmt.Errorf("%w: missing isViewed or firstViewed", ledger.ErrMalformed)
	}
	s := Status{IsViewed: *fields.IsViewed, FirstViewed: int64(*fields.FirstViewed)}

	var last float64
	if len(fields.LastActive) > 0 && json.Unmarshal(fields.LastActive, &last) == nil && last != 0 {
		s.LastActive = int64(last)
	} else {
		s.LastActive = s.FirstViewed
	}
	var token string
	if len(fields.Token) > 0 && json.Unmarshal(fields.Token, &token) == nil {
		s.Token = token
	}
	return s, nil
}
