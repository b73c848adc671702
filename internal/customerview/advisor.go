package customerview

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/webtech-soft/CustomerView/internal/clock"
	"github.com/webtech-soft/CustomerView/internal/invoicetoken"
	"github.com/webtech-soft/CustomerView/internal/sentlog"
	"github.com/webtech-soft/CustomerView/internal/vehiclestatus"
	"github.com/webtech-soft/CustomerView/internal/viewstatus"
	"github.com/webtech-soft/CustomerView/internal/workapproval"
)

// ticketNumber binds the {ticketNumber} path parameter. It writes the error
// response itself when it returns false.
func ticketNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	var n int
	err := runtime.BindStyledParameterWithOptions("simple", "ticketNumber", chi.URLParam(r, "ticketNumber"), &n,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil || n <= 0 {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "ticketNumber must be a positive integer", false)
		return 0, false
	}
	return n, true
}

type activityResponse struct {
	TicketNumber     int                    `json:"ticketNumber"`
	VehicleStatus    string                 `json:"vehicleStatus"`
	VehicleChanges   []vehiclestatus.Change `json:"vehicleStatusChanges"`
	SentEvents       []sentlog.Event        `json:"sentEvents"`
	ViewStatus       *viewstatus.Status     `json:"viewStatus"`
	HasBeenViewed    bool                   `json:"hasBeenViewed"`
	IsActivelyViewed bool                   `json:"isActivelyViewed"`
	Approvals        *workapproval.Record   `json:"approvals"`
	ApprovedTotal    float64                `json:"approvedTotal"`
}

// TicketActivity matches GET /tickets/{ticketNumber}. The optional since
// date (YYYY-MM-DD, UTC) drops vehicle-status changes and sends before it.
func (s *Service) TicketActivity(w http.ResponseWriter, r *http.Request) {
	n, ok := ticketNumber(w, r)
	if !ok {
		return
	}
	var since *openapi_types.Date
	if err := runtime.BindQueryParameter("form", true, false, "since", r.URL.Query(), &since); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "since must be a date (YYYY-MM-DD)", false)
		return
	}
	ctx := r.Context()

	changes := s.vehicles.Changes(ctx, n)
	current := vehiclestatus.None
	if len(changes) > 0 {
		current = vehiclestatus.Status(changes[len(changes)-1].Status)
	}
	sent := s.sent.Events(ctx, n)
	if since != nil {
		cutoff := clock.UnixMilli(time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, time.UTC))
		changes = filterSince(changes, cutoff, func(c vehiclestatus.Change) int64 { return c.Timestamp })
		sent = filterSince(sent, cutoff, func(e sentlog.Event) int64 { return e.Timestamp })
	}

	writeJSON(w, http.StatusOK, activityResponse{
		TicketNumber:     n,
		VehicleStatus:    string(current),
		VehicleChanges:   changes,
		SentEvents:       sent,
		ViewStatus:       s.views.Status(ctx, n),
		HasBeenViewed:    s.views.HasBeenViewed(ctx, n),
		IsActivelyViewed: s.views.IsActivelyViewed(ctx, n),
		Approvals:        s.approvals.Get(ctx, n),
		ApprovedTotal:    s.approvals.ApprovedTotal(ctx, n),
	})
}

func filterSince[T any](in []T, cutoff int64, ts func(T) int64) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if ts(v) >= cutoff {
			out = append(out, v)
		}
	}
	return out
}

type vehicleStatusRequest struct {
	Status      string   `json:"status"`
	User        string   `json:"user"`
	TicketTotal *float64 `json:"ticketTotal"`
}

// RecordVehicleStatus matches POST /tickets/{ticketNumber}/vehicle-status.
func (s *Service) RecordVehicleStatus(w http.ResponseWriter, r *http.Request) {
	n, ok := ticketNumber(w, r)
	if !ok {
		return
	}
	req, err := decodeBody[vehicleStatusRequest](r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), false)
		return
	}
	if vehiclestatus.Parse(req.Status) == vehiclestatus.None {
		writeError(w, r, http.StatusBadRequest, "UNKNOWN_STATUS", "unknown vehicle status "+strconv.Quote(req.Status), false)
		return
	}
	ctx := r.Context()
	recorded := s.vehicles.RecordChange(ctx, n, req.Status, vehiclestatus.RecordOptions{
		User:        req.User,
		TicketTotal: req.TicketTotal,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"recorded": recorded,
		"changes":  s.vehicles.Changes(ctx, n),
	})
}

type sentRequest struct {
	SentBy      string   `json:"sentBy"`
	TicketTotal *float64 `json:"ticketTotal"`
}

// MarkSent matches POST /tickets/{ticketNumber}/sent.
func (s *Service) MarkSent(w http.ResponseWriter, r *http.Request) {
	n, ok := ticketNumber(w, r)
	if !ok {
		return
	}
	req, err := decodeBody[sentRequest](r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), false)
		return
	}
	ctx := r.Context()
	s.sent.MarkSent(ctx, n, req.SentBy, sentlog.SendOptions{
		TicketTotal: req.TicketTotal,
		IPAddress:   s.clientIPs.of(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"events": s.sent.Events(ctx, n)})
}

// ResetViewStatus matches DELETE /tickets/{ticketNumber}/view-status.
func (s *Service) ResetViewStatus(w http.ResponseWriter, r *http.Request) {
	n, ok := ticketNumber(w, r)
	if !ok {
		return
	}
	s.views.Reset(r.Context(), n)
	w.WriteHeader(http.StatusNoContent)
}

type linkRequest struct {
	Environment string `json:"environment"`
	Account     string `json:"account"`
}

// CustomerLink matches POST /tickets/{ticketNumber}/link and returns the
// customer view URL for the ticket.
func (s *Service) CustomerLink(w http.ResponseWriter, r *http.Request) {
	n, ok := ticketNumber(w, r)
	if !ok {
		return
	}
	req, err := decodeBody[linkRequest](r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), false)
		return
	}
	if req.Environment == "" || req.Account == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "environment and account are required", false)
		return
	}
	token := s.codec.Encode(invoicetoken.Params{E: req.Environment, A: req.Account, I: strconv.Itoa(n)})
	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"url":   invoicetoken.CustomerViewURLFor(token, s.cfg.PublicOrigin),
	})
}

// VerbalApprove matches POST /tickets/{ticketNumber}/approvals: the advisor
// records approvals given over the phone.
func (s *Service) VerbalApprove(w http.ResponseWriter, r *http.Request) {
	n, ok := ticketNumber(w, r)
	if !ok {
		return
	}
	req, err := decodeBody[approvalRequest](r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), false)
		return
	}
	for i := range req.Items {
		req.Items[i].VerbalApproval = true
	}
	s.approve(w, r, n, req.Items, "Verbal", "")
}

// MarkApprovalsNotified matches POST /tickets/{ticketNumber}/approvals/notified.
func (s *Service) MarkApprovalsNotified(w http.ResponseWriter, r *http.Request) {
	n, ok := ticketNumber(w, r)
	if !ok {
		return
	}
	updated := s.approvals.MarkNotificationSent(r.Context(), n)
	writeJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

// ApprovalReceipt matches GET /tickets/{ticketNumber}/approvals/receipt.pdf.
func (s *Service) ApprovalReceipt(w http.ResponseWriter, r *http.Request) {
	n, ok := ticketNumber(w, r)
	if !ok {
		return
	}
	if !s.cfg.PDFEnabled {
		writeError(w, r, http.StatusNotFound, "PDF_DISABLED", "receipts are disabled", false)
		return
	}
	ctx := r.Context()
	record := s.approvals.Get(ctx, n)
	if record == nil || len(record.Items) == 0 {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no approvals for ticket", false)
		return
	}
	pdf, err := s.receipts.Render(ctx, Receipt{TicketNumber: n, Record: *record, GeneratedAt: s.clock.Now()})
	if err != nil {
		CorrelationLogger(s.logger, corrIDFrom(ctx), n).Warn("receipt render failed", "error", err)
		writeError(w, r, http.StatusBadGateway, "PDF_FAILED", "failed to render receipt", true)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="approvals-`+strconv.Itoa(n)+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}
