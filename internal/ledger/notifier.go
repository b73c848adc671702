package ledger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/webtech-soft/CustomerView/internal/metrics"
)

// Signal names published by the trackers.
const (
	SignalVehicleStatusChanged    = "vehicle-status-changed"
	SignalInvoiceViewStatusChange = "invoice-view-status-changed"
	SignalTicketSent              = "ticket-sent"
	SignalWorkApprovalsChanged    = "work-approvals-changed"
)

// StorageEvent describes a raw change to one key. A nil pointer means the key
// was absent before (OldValue) or has been removed (NewValue).
type StorageEvent struct {
	Key      string  `json:"key"`
	OldValue *string `json:"oldValue"`
	NewValue *string `json:"newValue"`
}

// Signal is the semantic notification that accompanies a storage change.
// Status is only set for vehicle-status-changed.
type Signal struct {
	Name         string `json:"name"`
	TicketNumber int    `json:"ticketNumber"`
	Status       string `json:"status,omitempty"`
}

// Scope selects which notification classes a listener receives.
type Scope uint8

const (
	ScopeStorage Scope = 1 << iota
	ScopeSignal
	ScopeAll = ScopeStorage | ScopeSignal
)

// Event is one delivered notification. Exactly one of Storage or Signal is
// meaningful, as indicated by Scope.
type Event struct {
	Scope        Scope        `json:"-"`
	TicketNumber int          `json:"ticketNumber"`
	Storage      StorageEvent `json:"storage,omitzero"`
	Signal       Signal       `json:"signal,omitzero"`
}

type Listener func(Event)

type listener struct {
	scope Scope
	fn    Listener
}

// Notifier fans ledger changes out to synchronous listeners and buffered
// watchers. For every change the storage event is delivered before the
// signal.
type Notifier struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]listener
	watchers  map[uint64]*Watcher
	logger    *slog.Logger
}

func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		listeners: map[uint64]listener{},
		watchers:  map[uint64]*Watcher{},
		logger:    logger,
	}
}

// Subscribe registers fn for the given scope. The returned function removes
// it and is safe to call more than once.
func (n *Notifier) Subscribe(scope Scope, fn Listener) (unsubscribe func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.listeners[id] = listener{scope: scope, fn: fn}
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// Publish delivers a change. Listeners run on the caller's goroutine in no
// particular order. A signal with an empty Name is not delivered.
func (n *Notifier) Publish(storage StorageEvent, signal Signal) {
	events := [2]Event{
		{Scope: ScopeStorage, TicketNumber: signal.TicketNumber, Storage: storage},
		{Scope: ScopeSignal, TicketNumber: signal.TicketNumber, Signal: signal},
	}

	n.mu.RLock()
	fns := make([]listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		fns = append(fns, l)
	}
	watchers := make([]*Watcher, 0, len(n.watchers))
	for _, w := range n.watchers {
		watchers = append(watchers, w)
	}
	n.mu.RUnlock()

	for _, ev := range events {
		if ev.Scope == ScopeSignal && signal.Name == "" {
			continue
		}
		for _, l := range fns {
			if l.scope&ev.Scope != 0 {
				l.fn(ev)
			}
		}
		for _, w := range watchers {
			w.offer(ev)
		}
	}
}

// WatchOptions filters a Watcher. TicketNumber 0 watches every ticket.
type WatchOptions struct {
	Scope        Scope
	TicketNumber int
	Buffer       int
}

const defaultWatchBuffer = 64

// Watcher receives events on a buffered channel. When the buffer is full the
// event is dropped and the watcher is flagged; the consumer should reload
// state once it sees Overflowed return true.
type Watcher struct {
	C <-chan Event

	ch       chan Event
	scope    Scope
	ticket   int
	done     <-chan struct{}
	overflow atomic.Bool
	logger   *slog.Logger
}

// Watch registers a Watcher that lives until ctx is done. The channel is
// never closed; consumers select on ctx.Done() as well.
func (n *Notifier) Watch(ctx context.Context, opts WatchOptions) *Watcher {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultWatchBuffer
	}
	if opts.Scope == 0 {
		opts.Scope = ScopeAll
	}
	ch := make(chan Event, opts.Buffer)
	w := &Watcher{
		C:      ch,
		ch:     ch,
		scope:  opts.Scope,
		ticket: opts.TicketNumber,
		done:   ctx.Done(),
		logger: n.logger,
	}

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.watchers[id] = w
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.watchers, id)
		n.mu.Unlock()
	}()
	return w
}

// Overflowed reports whether events were dropped since the last call.
func (w *Watcher) Overflowed() bool {
	return w.overflow.Swap(false)
}

func (w *Watcher) offer(ev Event) {
	if w.scope&ev.Scope == 0 {
		return
	}
	if w.ticket != 0 && w.ticket != ev.TicketNumber {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.ch <- ev:
	default:
		if !w.overflow.Swap(true) {
			w.logger.Warn("ledger watcher overflowed", "ticketNumber", ev.TicketNumber)
		}
		metrics.WatchEventsDroppedTotal.Inc()
	}
}

// Listeners reports the number of registered listeners and watchers.
func (n *Notifier) Listeners() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners) + len(n.watchers)
}
