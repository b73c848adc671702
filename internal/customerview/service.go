// Package customerview serves the customer-facing invoice view and the
// advisor endpoints that feed the per-ticket ledgers.
package customerview

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/webtech-soft/CustomerView/internal/clock"
	"github.com/webtech-soft/CustomerView/internal/invoicetoken"
	"github.com/webtech-soft/CustomerView/internal/kvstore"
	"github.com/webtech-soft/CustomerView/internal/ledger"
	"github.com/webtech-soft/CustomerView/internal/resolver"
	"github.com/webtech-soft/CustomerView/internal/sentlog"
	"github.com/webtech-soft/CustomerView/internal/timeline"
	"github.com/webtech-soft/CustomerView/internal/vehiclestatus"
	"github.com/webtech-soft/CustomerView/internal/viewstatus"
	"github.com/webtech-soft/CustomerView/internal/workapproval"
)

// Deps are the collaborators a Service is built from. Zero values get
// working defaults except Store, where nil means no storage.
type Deps struct {
	Store    kvstore.Store
	Notifier *ledger.Notifier
	Clock    clock.Clock
	Recorder timeline.Recorder
	Codec    *invoicetoken.Codec
	Resolver *resolver.Resolver
	Receipts ReceiptRenderer
	Logger   *slog.Logger
}

// Service wires the ledgers, token codec and timeline recorder into HTTP
// handlers.
type Service struct {
	cfg      Config
	logger   *slog.Logger
	clock    clock.Clock
	location *time.Location

	codec    *invoicetoken.Codec
	resolver *resolver.Resolver
	notifier *ledger.Notifier
	recorder timeline.Recorder
	receipts ReceiptRenderer
	limiter  *RateLimiter

	clientIPs clientIPs

	views     *viewstatus.Tracker
	vehicles  *vehiclestatus.Timeline
	sent      *sentlog.Log
	approvals *workapproval.Store
	validator workapproval.Validator
}

// ErrNoAdvisorKeys is returned by NewService when the advisor routes would be
// left without authentication.
var ErrNoAdvisorKeys = errors.New("no advisor key hashes configured; set ADVISOR_KEY_HASHES or ADVISOR_AUTH_DISABLED=true")

func NewService(cfg Config, deps Deps) (*Service, error) {
	if len(cfg.AdvisorKeyHashes) == 0 && !cfg.AdvisorAuthDisabled {
		return nil, ErrNoAdvisorKeys
	}
	ips, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = ledger.NewNotifier(logger)
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = timeline.Nop{}
	}
	codec := deps.Codec
	if codec == nil {
		signer, err := invoicetoken.NewSigner(cfg.TokenSigner, cfg.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("token signer: %w", err)
		}
		codec = invoicetoken.NewCodec(signer, logger)
	}
	res := deps.Resolver
	if res == nil {
		res = resolver.New(resolver.Config{BaseURL: cfg.ResolveURL, Timeout: cfg.ResolveTimeout, Logger: logger})
	}
	receipts := deps.Receipts
	if receipts == nil {
		receipts = NewChromeReceiptRenderer(cfg)
	}

	return &Service{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		location: loadLocation(cfg.PDFTimeZone),
		codec:    codec,
		resolver: res,
		notifier: notifier,
		recorder: recorder,
		receipts: receipts,
		limiter:  NewRateLimiter(cfg.DecodeRatePerMin, time.Minute, clk),
		views: viewstatus.New(deps.Store, notifier, viewstatus.Options{
			Clock: clk, Recorder: recorder, Logger: logger, ActiveWindow: cfg.ActiveViewWindow,
		}),
		vehicles: vehiclestatus.New(deps.Store, notifier, vehiclestatus.Options{
			Clock: clk, Recorder: recorder, Logger: logger,
		}),
		sent: sentlog.New(deps.Store, notifier, sentlog.Options{
			Clock: clk, Recorder: recorder, Logger: logger,
		}),
		approvals: workapproval.New(deps.Store, notifier, workapproval.Options{
			Clock: clk, Logger: logger,
		}),
		validator: workapproval.Validator{
			MaxItems:          cfg.MaxApprovalItems,
			MaxDescription:    cfg.MaxDescription,
			MaxSignatureBytes: cfg.MaxSignatureBytes,
		},
		clientIPs: ips,
	}, nil
}

func (s *Service) Notifier() *ledger.Notifier { return s.notifier }
