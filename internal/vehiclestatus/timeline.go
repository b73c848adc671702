// Package vehiclestatus keeps the per-ticket history of vehicle status
// transitions and the status vocabulary of the shop-management API.
package vehiclestatus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"

	"github.com/webtech-soft/CustomerView/internal/clock"
	"github.com/webtech-soft/CustomerView/internal/kvstore"
	"github.com/webtech-soft/CustomerView/internal/ledger"
	"github.com/webtech-soft/CustomerView/internal/timeline"
)

const keyPrefix = "vehicle_status_changes_"

// Key is the storage key holding a ticket's status history.
func Key(ticketNumber int) string {
	return keyPrefix + strconv.Itoa(ticketNumber)
}

type Change struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// RecordOptions feed the timeline row written alongside a change.
type RecordOptions struct {
	User        string
	TicketTotal *float64
}

type Options struct {
	Clock    clock.Clock
	Recorder timeline.Recorder
	Logger   *slog.Logger
}

type Timeline struct {
	ledger   *ledger.Ledger[[]Change]
	clock    clock.Clock
	recorder timeline.Recorder
	logger   *slog.Logger
}

func New(store kvstore.Store, notifier *ledger.Notifier, opts Options) *Timeline {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Recorder == nil {
		opts.Recorder = timeline.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Timeline{
		ledger:   ledger.New("vehicle_status", store, notifier, decodeChanges, opts.Logger),
		clock:    opts.Clock,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
}

// RecordChange appends status unless it equals the most recently appended
// status. It reports whether an entry was appended.
func (t *Timeline) RecordChange(ctx context.Context, ticketNumber int, status string, opts RecordOptions) bool {
	now := t.clock.Now()
	_, appended, err := t.ledger.Update(ctx, Key(ticketNumber), func(changes []Change, _ bool) ([]Change, ledger.Signal, bool) {
		if n := len(changes); n > 0 && changes[n-1].Status == status {
			return changes, ledger.Signal{}, false
		}
		next := append(changes, Change{Status: status, Timestamp: clock.UnixMilli(now)})
		return next, ledger.Signal{
			Name:         ledger.SignalVehicleStatusChanged,
			TicketNumber: ticketNumber,
			Status:       status,
		}, true
	})
	if err != nil {
		ledger.Report(t.logger, "vehicle_status.record", ticketNumber, err)
		return false
	}
	if appended {
		row := timeline.VehicleStatusRow(ticketNumber, Code(Status(status)), now, timeline.Options{
			User:        opts.User,
			TicketTotal: opts.TicketTotal,
		})
		t.recorder.Record(ctx, row)
	}
	return appended
}

// Changes returns the well-formed entries sorted oldest first. Entries with
// equal timestamps keep their stored order.
func (t *Timeline) Changes(ctx context.Context, ticketNumber int) []Change {
	changes, err := t.ledger.Read(ctx, Key(ticketNumber))
	if err != nil {
		ledger.Report(t.logger, "vehicle_status.changes", ticketNumber, err)
		return []Change{}
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Timestamp < changes[j].Timestamp
	})
	return changes
}

// Current returns the most recent status, or None.
func (t *Timeline) Current(ctx context.Context, ticketNumber int) Status {
	changes := t.Changes(ctx, ticketNumber)
	if len(changes) == 0 {
		return None
	}
	return Status(changes[len(changes)-1].Status)
}

// decodeChanges requires a JSON array and keeps the elements that are
// objects with a string status and a numeric timestamp.
func decodeChanges(raw string) ([]Change, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrMalformed, err)
	}
	if items == nil {
		return nil, fmt.Errorf("%w: not an array", ledger.ErrMalformed)
	}
	changes := make([]Change, 0, len(items))
	for _, item := range items {
		var entry struct {
			Status    *string  `json:"status"`
			Timestamp *float64 `json:"timestamp"`
		}
		if err := json.Unmarshal(item, &entry); err != nil {
			continue
		}
		if entry.Status == nil || entry.Timestamp == nil || math.IsNaN(*entry.Timestamp) {
			continue
		}
		changes = append(changes, Change{Status: *entry.Status, Timestamp: int64(*entry.Timestamp)})
	}
	return changes, nil
}
