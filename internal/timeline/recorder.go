package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webtech-soft/CustomerView/internal/metrics"
)

// Recorder accepts timeline rows. Implementations must not block the
// caller for long and never report failure: the ledgers are the source of
// truth and a lost row only thins the remote timeline.
type Recorder interface {
	Record(ctx context.Context, row Row)
}

// Nop discards rows.
type Nop struct{}

func (Nop) Record(context.Context, Row) {}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, row Row)

func (f RecorderFunc) Record(ctx context.Context, row Row) { f(ctx, row) }

// ErrQueueFull is logged when a row is dropped because the publisher is
// saturated.
var ErrQueueFull = errors.New("timeline: publish queue full")

type PublisherConfig struct {
	URL            string
	Workers        int
	QueueSize      int
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	Client         *http.Client
	Logger         *slog.Logger
}

type delivery struct {
	id  uuid.UUID
	row Row
}

// Publisher posts rows to the timeline API from a fixed pool of workers.
type Publisher struct {
	cfg    PublisherConfig
	client *http.Client
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	wg     sync.WaitGroup
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "timeline"),
		queue:  make(chan delivery, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Record enqueues row without blocking. Rows offered after Close, or while
// the queue is full, are dropped.
func (p *Publisher) Record(_ context.Context, row Row) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	d := delivery{id: uuid.New(), row: row}
	select {
	case p.queue <- d:
	default:
		metrics.TimelinePublishTotal.WithLabelValues("dropped").Inc()
		p.logger.Warn("dropping timeline row", "error", ErrQueueFull, "ticketNumber", row.TicketNum, "type", row.Type.String())
	}
}

// Close stops accepting rows and waits for queued rows to be delivered or
// for ctx to end.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) work() {
	defer p.wg.Done()
	for d := range p.queue {
		p.deliverWithRetry(d)
	}
}

func (p *Publisher) deliverWithRetry(d delivery) {
	logger := p.logger.With("deliveryId", d.id.String(), "ticketNumber", d.row.TicketNum, "type", d.row.Type.String())
	attempt := 0
	for {
		attempt++
		retry, err := p.deliver(d)
		if err == nil {
			metrics.TimelinePublishTotal.WithLabelValues("ok").Inc()
			return
		}
		if !retry || attempt >= p.cfg.MaxRetries {
			metrics.TimelinePublishTotal.WithLabelValues("failed").Inc()
			logger.Warn("timeline row not delivered", "attempts", attempt, "error", err)
			return
		}
		backoff := p.cfg.RetryBaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
		time.Sleep(backoff)
	}
}

// deliver reports whether a failure is worth retrying.
func (p *Publisher) deliver(d delivery) (bool, error) {
	body, err := json.Marshal(d.row)
	if err != nil {
		return false, fmt.Errorf("timeline: encode row: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("timeline: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.id.String())

	start := time.Now()
	resp, err := p.client.Do(req)
	metrics.TimelinePublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return true, fmt.Errorf("timeline: post: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("timeline: post: status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("timeline: post: status %d", resp.StatusCode)
	}
}
