package customerview

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/webtech-soft/CustomerView/internal/ledger"
)

const keepAliveInterval = 25 * time.Second

// TicketEvents matches GET /tickets/{ticketNumber}/events. It streams the
// ticket's ledger signals as server-sent events until the client leaves.
// A "resync" event tells the client that signals were dropped and it should
// reload the ticket.
func (s *Service) TicketEvents(w http.ResponseWriter, r *http.Request) {
	n, ok := ticketNumber(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported", false)
		return
	}
	ctx := r.Context()
	logger := CorrelationLogger(s.logger, corrIDFrom(ctx), n)

	watcher := s.notifier.Watch(ctx, ledger.WatchOptions{Scope: ledger.ScopeSignal, TicketNumber: n})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev := <-watcher.C:
			if watcher.Overflowed() {
				if _, err := fmt.Fprint(w, "event: resync\ndata: {}\n\n"); err != nil {
					return
				}
			}
			data, err := json.Marshal(ev.Signal)
			if err != nil {
				logger.Warn("encode signal failed", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Signal.Name, data); err != nil {
				logger.Debug("client left event stream", "error", err)
				return
			}
		}
		flusher.Flush()
	}
}
