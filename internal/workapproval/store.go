// Package workapproval records which line items of a ticket the customer (or
// an advisor, verbally) has approved.
package workapproval

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
	"github.com/webtech-soft/CustomerView/internal/metrics"
)

type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

type Store struct {
	ledger *ledger.Ledger[Aggregate]
	clock  clock.Clock
	logger *slog.Logger
}

func New(store kvstore.Store, notifier *ledger.Notifier, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		ledger: ledger.New("work_approvals", store, notifier, decodeAggregate, opts.Logger),
		clock:  opts.Clock,
		logger: opts.Logger,
	}
}

func ticketKey(ticketNumber int) string { return strconv.Itoa(ticketNumber) }

func signal(ticketNumber int) ledger.Signal {
	return ledger.Signal{Name: ledger.SignalWorkApprovalsChanged, TicketNumber: ticketNumber}
}

// All returns every valid record keyed by ticket number string.
func (s *Store) All(ctx context.Context) Aggregate {
	all, err := s.ledger.Read(ctx, StorageKey)
	if err != nil {
		ledger.Report(s.logger, "work_approvals.all", 0, err)
		return Aggregate{}
	}
	for key, rec := range all {
		rec.stored = nil
		all[key] = rec
	}
	return all
}

// Get returns the ticket's record or nil.
func (s *Store) Get(ctx context.Context, ticketNumber int) *Record {
	rec, ok := s.All(ctx)[ticketKey(ticketNumber)]
	if !ok {
		return nil
	}
	return &rec
}

func (s *Store) Item(ctx context.Context, ticketNumber int, itemKey string) *Item {
	rec := s.Get(ctx, ticketNumber)
	if rec == nil {
		return nil
	}
	it, ok := rec.Item(itemKey)
	if !ok {
		return nil
	}
	return &it
}

func (s *Store) IsApproved(ctx context.Context, ticketNumber int, itemKey string) bool {
	return s.Item(ctx, ticketNumber, itemKey) != nil
}

// ApprovedTotal is the sum of finite item amounts, 0 for unknown tickets.
func (s *Store) ApprovedTotal(ctx context.Context, ticketNumber int) float64 {
	rec := s.Get(ctx, ticketNumber)
	if rec == nil {
		return 0
	}
	return rec.Total()
}

// UpsertItems merges items into the ticket's record by key. Existing items
// keep their position and are replaced in place; new keys are appended in
// the order given. The notificationSent flag of an existing record is kept.
// A zero now means the store's clock.
//
// Without storage the merged record is computed from items alone and
// returned without being persisted. A failed write is logged and the
// computed record is still returned.
func (s *Store) UpsertItems(ctx context.Context, ticketNumber int, items []Item, now time.Time) Record {
	if now.IsZero() {
		now = s.clock.Now()
	}
	updatedAt := formatISO(now)

	if !s.ledger.Available() {
		return Record{
			Version:      recordVersion,
			TicketNumber: ticketNumber,
			Items:        mergeItems(nil, items),
			UpdatedAtISO: updatedAt,
		}
	}

	var result Record
	_, _, err := s.ledger.Update(ctx, StorageKey, func(all Aggregate, _ bool) (Aggregate, ledger.Signal, bool) {
		next := make(Aggregate, len(all)+1)
		for k, v := range all {
			next[k] = v
		}
		existing, had := all[ticketKey(ticketNumber)]
		result = Record{
			Version:          recordVersion,
			TicketNumber:     ticketNumber,
			Items:            mergeItems(existing.Items, items),
			UpdatedAtISO:     updatedAt,
			NotificationSent: had && existing.NotificationSent,
		}
		next[ticketKey(ticketNumber)] = result
		return next, signal(ticketNumber), true
	})
	if err != nil {
		ledger.Report(s.logger, "work_approvals.upsert", ticketNumber, err)
		if result.Version == 0 {
			result = Record{
				Version:      recordVersion,
				TicketNumber: ticketNumber,
				Items:        mergeItems(nil, items),
				UpdatedAtISO: updatedAt,
			}
		}
		return result
	}
	metrics.ApprovalItemsUpsertedTotal.Add(float64(len(items)))
	return result
}

// MarkNotificationSent sets the record's notificationSent flag. It reports
// false when the ticket has no record. The flag is never cleared.
func (s *Store) MarkNotificationSent(ctx context.Context, ticketNumber int) bool {
	var found bool
	_, _, err := s.ledger.Update(ctx, StorageKey, func(all Aggregate, _ bool) (Aggregate, ledger.Signal, bool) {
		rec, ok := all[ticketKey(ticketNumber)]
		if !ok {
			return all, ledger.Signal{}, false
		}
		found = true
		next := make(Aggregate, len(all))
		for k, v := range all {
			next[k] = v
		}
		rec.NotificationSent = true
		rec.stored = nil
		next[ticketKey(ticketNumber)] = rec
		return next, signal(ticketNumber), true
	})
	if err != nil {
		ledger.Report(s.logger, "work_approvals.mark_notified", ticketNumber, err)
		return false
	}
	return found
}

func mergeItems(existing, incoming []Item) []Item {
	merged := make([]Item, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	for _, list := range [][]Item{existing, incoming} {
		for _, it := range list {
			if i, ok := index[it.Key]; ok {
				merged[i] = it
				continue
			}
			index[it.Key] = len(merged)
			merged = append(merged, it)
		}
	}
	return merged
}

// decodeAggregate keeps the entries that look like version 1 records and
// drops the rest. Anything other than a JSON object is malformed.
func decodeAggregate(raw string) (Aggregate, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrMalformed, err)
	}
	if entries == nil {
		return nil, fmt.Errorf("%w: not an object", ledger.ErrMalformed)
	}
	all := make(Aggregate, len(entries))
	for key, entry := range entries {
		if rec, ok := decodeRecord(entry); ok {
			all[key] = rec
		}
	}
	return all, nil
}

func decodeRecord(data json.RawMessage) (Record, bool) {
	var shape struct {
		Version          *float64          `json:"version"`
		TicketNumber     *float64          `json:"ticketNumber"`
		Items            []json.RawMessage `json:"items"`
		UpdatedAtISO     json.RawMessage   `json:"updatedAtIso"`
		NotificationSent json.RawMessage   `json:"notificationSent"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return Record{}, false
	}
	if shape.Version == nil || *shape.Version != recordVersion || shape.TicketNumber == nil || shape.Items == nil {
		return Record{}, false
	}
	rec := Record{
		Version:      recordVersion,
		TicketNumber: int(*shape.TicketNumber),
		Items:        make([]Item, 0, len(shape.Items)),
		stored:       append(json.RawMessage(nil), data...),
	}
	for _, raw := range shape.Items {
		var it Item
		if err := json.Unmarshal(raw, &it); err != nil {
			continue
		}
		rec.Items = append(rec.Items, it)
	}
	_ = json.Unmarshal(shape.UpdatedAtISO, &rec.UpdatedAtISO)
	_ = json.Unmarshal(shape.NotificationSent, &rec.NotificationSent)
	return rec, true
}
