package customerview

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webtech-soft/CustomerView/internal/invoicetoken"
	"github.com/webtech-soft/CustomerView/internal/timeline"
	"github.com/webtech-soft/CustomerView/internal/viewstatus"
	"github.com/webtech-soft/CustomerView/internal/workapproval"
)

// maxBodyBytes bounds request bodies; signatures are the large part.
const maxBodyBytes = 4 << 20

// Routes returns the HTTP surface of the service.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(correlate)

	r.Group(func(r chi.Router) {
		r.Use(limitDecodes(s.limiter, s.clientIPs))
		r.Get("/cv", s.CustomerView)
		r.Get("/view/{token}", s.CustomerView)
		r.Post("/cv/heartbeat", s.Heartbeat)
		r.Post("/cv/approvals", s.CustomerApprove)
	})

	r.Route("/tickets/{ticketNumber}", func(r chi.Router) {
		r.Use(requireAdvisor(s.cfg.AdvisorKeyHashes, s.cfg.AdvisorAuthDisabled, s.clientIPs, s.logger))
		r.Get("/", s.TicketActivity)
		r.Post("/vehicle-status", s.RecordVehicleStatus)
		r.Post("/sent", s.MarkSent)
		r.Delete("/view-status", s.ResetViewStatus)
		r.Post("/link", s.CustomerLink)
		r.Post("/approvals", s.VerbalApprove)
		r.Post("/approvals/notified", s.MarkApprovalsNotified)
		r.Get("/approvals/receipt.pdf", s.ApprovalReceipt)
		r.Get("/events", s.TicketEvents)
	})
	return r
}

type resolvedToken struct {
	raw    string
	params invoicetoken.Params
	ticket int
}

// resolveToken reads the token from the request and finds its ticket,
// first by decoding it and then through the external resolver. It writes
// the error response itself when it returns false.
func (s *Service) resolveToken(w http.ResponseWriter, r *http.Request) (resolvedToken, bool) {
	raw, ok := invoicetoken.FromRequest(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "TOKEN_REQUIRED", "invoice token is required", false)
		return resolvedToken{}, false
	}
	if p, ok := s.codec.Decode(raw); ok {
		if n, ok := p.TicketNumber(); ok {
			return resolvedToken{raw: raw, params: p, ticket: n}, true
		}
	}
	if n, ok := s.resolver.Resolve(r.Context(), raw); ok {
		return resolvedToken{raw: raw, params: invoicetoken.Params{I: strconv.Itoa(n)}, ticket: n}, true
	}
	writeError(w, r, http.StatusNotFound, "TOKEN_INVALID", "invoice link is not valid", false)
	return resolvedToken{}, false
}

type customerViewResponse struct {
	TicketNumber  int                  `json:"ticketNumber"`
	Account       string               `json:"account,omitempty"`
	Environment   string               `json:"environment,omitempty"`
	VehicleStatus string               `json:"vehicleStatus"`
	ViewStatus    *viewstatus.Status   `json:"viewStatus"`
	Approvals     *workapproval.Record `json:"approvals"`
	ApprovedTotal float64              `json:"approvedTotal"`
}

// CustomerView matches GET /cv?inv= and GET /view/{token}. The first visit
// marks the invoice viewed; later visits only refresh activity.
func (s *Service) CustomerView(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.resolveToken(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	logger := CorrelationLogger(s.logger, corrIDFrom(ctx), tok.ticket)

	if s.views.HasBeenViewed(ctx, tok.ticket) {
		s.views.TouchActive(ctx, tok.ticket)
	} else {
		s.views.MarkAccessed(ctx, tok.ticket, tok.raw, viewstatus.AccessOptions{IPAddress: s.clientIPs.of(r)})
		logger.Info("invoice viewed")
	}

	writeJSON(w, http.StatusOK, customerViewResponse{
		TicketNumber:  tok.ticket,
		Account:       tok.params.A,
		Environment:   tok.params.E,
		VehicleStatus: string(s.vehicles.Current(ctx, tok.ticket)),
		ViewStatus:    s.views.Status(ctx, tok.ticket),
		Approvals:     s.approvals.Get(ctx, tok.ticket),
		ApprovedTotal: s.approvals.ApprovedTotal(ctx, tok.ticket),
	})
}

// Heartbeat matches POST /cv/heartbeat.
func (s *Service) Heartbeat(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.resolveToken(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	touched := s.views.TouchActive(ctx, tok.ticket)
	writeJSON(w, http.StatusOK, map[string]any{
		"touched":    touched,
		"viewStatus": s.views.Status(ctx, tok.ticket),
	})
}

type approvalRequest struct {
	Items []workapproval.Item `json:"items"`
}

// CustomerApprove matches POST /cv/approvals: the customer signs line items
// from the invoice view.
func (s *Service) CustomerApprove(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.resolveToken(w, r)
	if !ok {
		return
	}
	req, err := decodeBody[approvalRequest](r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), false)
		return
	}
	for i := range req.Items {
		req.Items[i].VerbalApproval = false
		req.Items[i].ApproverName = ""
	}
	link := invoicetoken.CustomerViewURLFor(tok.raw, s.cfg.PublicOrigin)
	s.approve(w, r, tok.ticket, req.Items, "Customer", link)
}

// approve validates, stamps and stores items, then emits one Approval
// timeline row for the submission.
func (s *Service) approve(w http.ResponseWriter, r *http.Request, ticketNumber int, items []workapproval.Item, approvalName, link string) {
	ctx := r.Context()
	logger := CorrelationLogger(s.logger, corrIDFrom(ctx), ticketNumber)

	result := s.validator.Validate(items)
	if !result.Valid {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":   "VALIDATION_FAILED",
			"corrId": corrIDFrom(ctx),
			"errors": result.Errors,
		})
		return
	}

	now := s.clock.Now()
	ip := s.clientIPs.of(r)
	stamped := make([]workapproval.Item, len(items))
	for i, it := range items {
		it.ApproverIP = ip
		stamped[i] = it.Stamp(now, s.location)
	}
	record := s.approvals.UpsertItems(ctx, ticketNumber, stamped, now)
	logger.Info("work approved", "items", len(stamped), "total", result.Total)

	s.recorder.Record(ctx, approvalRow(ticketNumber, stamped, result.Total, approvalName, link, ip, now))
	writeJSON(w, http.StatusOK, record)
}

func approvalRow(ticketNumber int, items []workapproval.Item, total float64, approvalName, link, ip string, at time.Time) timeline.Row {
	details := make([]string, 0, len(items))
	var signature string
	for _, it := range items {
		details = append(details, fmt.Sprintf("%s ($%.2f)", it.Description, it.Amount))
		if signature == "" && !it.VerbalApproval {
			signature = it.SignatureDataURL
		}
		if it.VerbalApproval && it.ApproverName != "" {
			approvalName = it.ApproverName
		}
	}
	return timeline.ApprovalRow(ticketNumber, total, strings.Join(details, "; "), signature, at, timeline.ApprovalOptions{
		ApprovalName: approvalName,
		ApprovalLink: link,
		IPAddress:    ip,
	})
}

func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&v); err != nil {
		if err == io.EOF {
			return v, nil
		}
		return v, fmt.Errorf("invalid JSON: %w", err)
	}
	return v, nil
}
