package customerview

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/webtech-soft/CustomerView/internal/clock"
	"github.com/webtech-soft/CustomerView/internal/invoicetoken"
	"github.com/webtech-soft/CustomerView/internal/kvstore"
	"github.com/webtech-soft/CustomerView/internal/resolver"
	"github.com/webtech-soft/CustomerView/internal/timeline"
	"github.com/webtech-soft/CustomerView/internal/vehiclestatus"
	"github.com/webtech-soft/CustomerView/internal/workapproval"
)

var start = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

const signature = "data:image/png;base64,iVBORw0KGgo="

type harness struct {
	svc     *Service
	handler http.Handler
	store   *kvstore.MemoryStore
	clk     *clock.FakeClock

	mu   sync.Mutex
	rows []timeline.Row
}

func testConfig() Config {
	return Config{
		PublicOrigin:        "https://shop.example/",
		ActiveViewWindow:    5 * time.Minute,
		AdvisorAuthDisabled: true,
		MaxApprovalItems:    50,
		PDFEnabled:          true,
		PDFTimeZone:         "UTC",
	}
}

func newHarness(t *testing.T, cfg Config, deps Deps) *harness {
	t.Helper()
	h := &harness{store: kvstore.NewMemoryStore(), clk: clock.Fake(start)}
	deps.Store = h.store
	deps.Clock = h.clk
	deps.Recorder = timeline.RecorderFunc(func(_ context.Context, row timeline.Row) {
		h.mu.Lock()
		h.rows = append(h.rows, row)
		h.mu.Unlock()
	})
	if deps.Receipts == nil {
		deps.Receipts = ReceiptRendererFunc(func(context.Context, Receipt) ([]byte, error) {
			return nil, errors.New("no chromium in tests")
		})
	}
	svc, err := NewService(cfg, deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	h.svc = svc
	h.handler = svc.Routes()
	return h
}

func (h *harness) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) recorded() []timeline.Row {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]timeline.Row(nil), h.rows...)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func ticketToken() string {
	return invoicetoken.Encode(invoicetoken.Params{E: "inv", A: "ACC-77", I: "100234"})
}

func TestCustomerViewMarksThenTouches(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	token := ticketToken()

	rec := h.do(http.MethodGet, "/cv?inv="+url.QueryEscape(token), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("first view status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(corrHeader) == "" {
		t.Errorf("response is missing %s", corrHeader)
	}
	first := decode[customerViewResponse](t, rec)
	if first.TicketNumber != 100234 || first.Account != "ACC-77" || first.Environment != "inv" {
		t.Fatalf("unexpected payload %+v", first)
	}
	if first.ViewStatus == nil || first.ViewStatus.FirstViewed != start.UnixMilli() {
		t.Fatalf("viewStatus = %+v, want firstViewed %d", first.ViewStatus, start.UnixMilli())
	}

	h.clk.Advance(time.Minute)
	rec = h.do(http.MethodGet, "/view/"+url.PathEscape(token), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("second view status = %d, body %s", rec.Code, rec.Body.String())
	}
	second := decode[customerViewResponse](t, rec)
	if second.ViewStatus.FirstViewed != start.UnixMilli() {
		t.Errorf("firstViewed moved to %d on a later visit", second.ViewStatus.FirstViewed)
	}
	if want := start.Add(time.Minute).UnixMilli(); second.ViewStatus.LastActive != want {
		t.Errorf("lastActive = %d, want %d", second.ViewStatus.LastActive, want)
	}

	rows := h.recorded()
	if len(rows) != 1 || rows[0].Type != timeline.TypeViewed {
		t.Fatalf("expected one Viewed row, got %+v", rows)
	}
	if rows[0].IPaddress == nil || *rows[0].IPaddress != "192.0.2.1" {
		t.Errorf("viewed row IP = %v", rows[0].IPaddress)
	}
}

func TestCustomerViewRejectsBadTokens(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})

	rec := h.do(http.MethodGet, "/cv", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing token status = %d", rec.Code)
	}

	tampered := strings.TrimSuffix(ticketToken(), "9") + "0"
	rec = h.do(http.MethodGet, "/cv?inv="+url.QueryEscape(tampered), "", corrHeader, "corr-123")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("tampered token status = %d", rec.Code)
	}
	apiErr := decode[APIError](t, rec)
	if apiErr.Code != "TOKEN_INVALID" || apiErr.CorrID != "corr-123" {
		t.Errorf("unexpected error body %+v", apiErr)
	}
	if h.store.Len() != 0 {
		t.Errorf("rejected token should not write to storage")
	}
}

func TestCustomerViewFallsBackToResolver(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("inv") != "opaque-token" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"invoiceNum":"4321"}`))
	}))
	defer upstream.Close()

	h := newHarness(t, testConfig(), Deps{Resolver: resolver.New(resolver.Config{BaseURL: upstream.URL})})
	rec := h.do(http.MethodGet, "/cv?inv=opaque-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode[customerViewResponse](t, rec); got.TicketNumber != 4321 {
		t.Fatalf("ticketNumber = %d, want 4321", got.TicketNumber)
	}
}

func TestDecodeAttemptsAreRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.DecodeRatePerMin = 2
	h := newHarness(t, cfg, Deps{})

	for i := 0; i < 2; i++ {
		if rec := h.do(http.MethodGet, "/cv?inv=guess", ""); rec.Code != http.StatusNotFound {
			t.Fatalf("attempt %d status = %d", i+1, rec.Code)
		}
	}
	rec := h.do(http.MethodGet, "/cv?inv=guess", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", rec.Header().Get("Retry-After"))
	}
	if apiErr := decode[APIError](t, rec); !apiErr.Retryable {
		t.Errorf("rate limit errors should be retryable")
	}
}

func TestRateLimitIgnoresUntrustedForwardingHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.DecodeRatePerMin = 2
	h := newHarness(t, cfg, Deps{})

	limited := 0
	for i := 0; i < 20; i++ {
		rec := h.do(http.MethodGet, "/cv?inv=guess", "", "X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 18 {
		t.Fatalf("limited %d of 20 attempts from one peer, want 18", limited)
	}
	if n := h.svc.limiter.Len(); n != 1 {
		t.Fatalf("limiter tracks %d clients, want 1", n)
	}
}

func TestHeartbeatTouchesViewedTicket(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	target := "/cv/heartbeat?inv=" + url.QueryEscape(ticketToken())

	rec := h.do(http.MethodPost, target, "")
	if got := decode[map[string]any](t, rec); got["touched"] != false {
		t.Fatalf("heartbeat before any view should not touch: %v", got)
	}

	h.do(http.MethodGet, "/cv?inv="+url.QueryEscape(ticketToken()), "")
	h.clk.Advance(30 * time.Second)
	rec = h.do(http.MethodPost, target, "")
	if got := decode[map[string]any](t, rec); got["touched"] != true {
		t.Fatalf("heartbeat after a view should touch: %v", got)
	}
}

func TestAdvisorRoutesRequireKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("advisor-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	cfg := testConfig()
	cfg.AdvisorAuthDisabled = false
	cfg.AdvisorKeyHashes = []string{string(hash)}
	h := newHarness(t, cfg, Deps{})

	if rec := h.do(http.MethodGet, "/tickets/42/", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d", rec.Code)
	}
	rec := h.do(http.MethodGet, "/tickets/42/", "", "Authorization", "Bearer wrong")
	if rec.Code != http.StatusUnauthorized || decode[APIError](t, rec).Code != "INVALID_KEY" {
		t.Fatalf("wrong key should be rejected, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/tickets/42/", "", "Authorization", "Bearer advisor-secret"); rec.Code != http.StatusOK {
		t.Fatalf("valid key status = %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/tickets/42/", "", "X-API-Key", "advisor-secret"); rec.Code != http.StatusOK {
		t.Fatalf("X-API-Key status = %d", rec.Code)
	}
}

func TestNewServiceRequiresAdvisorKeys(t *testing.T) {
	t.Setenv("ADVISOR_KEY_HASHES", "")
	t.Setenv("ADVISOR_AUTH_DISABLED", "")

	if _, err := NewService(LoadConfig(), Deps{}); !errors.Is(err, ErrNoAdvisorKeys) {
		t.Fatalf("NewService() with default config error = %v, want ErrNoAdvisorKeys", err)
	}

	cfg := testConfig()
	cfg.TrustedProxies = []string{"not-an-ip"}
	if _, err := NewService(cfg, Deps{}); err == nil {
		t.Fatalf("bad trusted proxy entry should fail")
	}
}

func TestVehicleStatusSentAndActivity(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})

	rec := h.do(http.MethodPost, "/tickets/42/vehicle-status", `{"status":"In Shop","user":"sam","ticketTotal":310.25}`)
	if got := decode[map[string]any](t, rec); got["recorded"] != true {
		t.Fatalf("first status should be recorded: %v", got)
	}
	rec = h.do(http.MethodPost, "/tickets/42/vehicle-status", `{"status":"In Shop"}`)
	if got := decode[map[string]any](t, rec); got["recorded"] != false {
		t.Fatalf("repeated status should be skipped: %v", got)
	}
	if rec := h.do(http.MethodPost, "/tickets/42/vehicle-status", `{"status":"Parked"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status code = %d", rec.Code)
	}

	h.clk.Advance(time.Minute)
	if rec := h.do(http.MethodPost, "/tickets/42/sent", `{"sentBy":"sam"}`); rec.Code != http.StatusOK {
		t.Fatalf("sent status = %d", rec.Code)
	}

	rec = h.do(http.MethodGet, "/tickets/42/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("activity status = %d, body %s", rec.Code, rec.Body.String())
	}
	act := decode[activityResponse](t, rec)
	if act.VehicleStatus != string(vehiclestatus.InShop) || len(act.VehicleChanges) != 1 {
		t.Fatalf("unexpected vehicle activity %+v", act)
	}
	if len(act.SentEvents) != 1 || act.SentEvents[0].SentBy != "sam" {
		t.Fatalf("unexpected sent events %+v", act.SentEvents)
	}
	if act.HasBeenViewed || act.ViewStatus != nil {
		t.Errorf("ticket was never viewed: %+v", act)
	}

	rec = h.do(http.MethodGet, "/tickets/42/?since=2099-01-01", "")
	act = decode[activityResponse](t, rec)
	if len(act.VehicleChanges) != 0 || len(act.SentEvents) != 0 {
		t.Errorf("since filter kept entries: %+v", act)
	}
	if act.VehicleStatus != string(vehiclestatus.InShop) {
		t.Errorf("current status should ignore the since filter, got %q", act.VehicleStatus)
	}

	if rec := h.do(http.MethodGet, "/tickets/42/?since=yesterday", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/tickets/abc/", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad ticket number status = %d", rec.Code)
	}

	rows := h.recorded()
	if len(rows) != 2 || rows[0].Type != timeline.TypeVehicleStatus || rows[1].Type != timeline.TypeSent {
		t.Fatalf("unexpected timeline rows %+v", rows)
	}
	if rows[0].VehicleStatus == nil || *rows[0].VehicleStatus != 4 {
		t.Errorf("vehicle status code = %v, want 4", rows[0].VehicleStatus)
	}
}

func TestResetViewStatus(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.do(http.MethodGet, "/cv?inv="+url.QueryEscape(ticketToken()), "")

	if rec := h.do(http.MethodDelete, "/tickets/100234/view-status", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d", rec.Code)
	}
	act := decode[activityResponse](t, h.do(http.MethodGet, "/tickets/100234/", ""))
	if act.HasBeenViewed {
		t.Fatalf("view status should be cleared")
	}
}

func TestCustomerLink(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	rec := h.do(http.MethodPost, "/tickets/100234/link", `{"environment":"inv","account":"ACC-77"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("link status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decode[map[string]string](t, rec)
	const want = "eyJlIjoiaW52IiwiYSI6IkFDQy03NyIsImkiOiIxMDAyMzQifQ==.2ea0e4f9"
	if got["token"] != want {
		t.Fatalf("token = %q, want %q", got["token"], want)
	}
	if got["url"] != "https://shop.example/cv?inv="+url.QueryEscape(want) {
		t.Errorf("url = %q", got["url"])
	}

	if rec := h.do(http.MethodPost, "/tickets/100234/link", `{"environment":"inv"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing account status = %d", rec.Code)
	}
}

func TestCustomerApproveAndReceipt(t *testing.T) {
	var rendered Receipt
	cfg := testConfig()
	cfg.TrustedProxies = []string{"192.0.2.1", "10.0.0.0/8"}
	h := newHarness(t, cfg, Deps{
		Receipts: ReceiptRendererFunc(func(_ context.Context, r Receipt) ([]byte, error) {
			rendered = r
			return []byte("%PDF-test"), nil
		}),
	})
	body := `{"items":[
		{"key":"brakes","lineNum":1,"description":"Front brake pads","amount":180.5,"signatureDataUrl":"` + signature + `"},
		{"key":"wipers","lineNum":2,"description":"Wiper blades","amount":19.5,"signatureDataUrl":"` + signature + `"}
	]}`
	rec := h.do(http.MethodPost, "/cv/approvals?inv="+url.QueryEscape(ticketToken()), body, "X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", rec.Code, rec.Body.String())
	}
	record := decode[workapproval.Record](t, rec)
	if record.TicketNumber != 100234 || len(record.Items) != 2 || record.Total() != 200 {
		t.Fatalf("unexpected record %+v", record)
	}
	first := record.Items[0]
	if first.ApproverIP != "203.0.113.9" || first.ApprovedDate != "04/02/2026" || first.ApprovedTime != "10:00 AM" {
		t.Errorf("item not stamped from the request: %+v", first)
	}

	rows := h.recorded()
	if len(rows) != 1 || rows[0].Type != timeline.TypeApproval {
		t.Fatalf("expected one Approval row, got %+v", rows)
	}
	if *rows[0].ApprovalName != "Customer" || *rows[0].ApprovalTotal != 200 {
		t.Errorf("unexpected approval row %+v", rows[0])
	}
	if rows[0].ApprovalLink == nil || !strings.Contains(*rows[0].ApprovalLink, "/cv?inv=") {
		t.Errorf("approval row link = %v", rows[0].ApprovalLink)
	}

	rec = h.do(http.MethodGet, "/tickets/100234/approvals/receipt.pdf", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("receipt status = %d, type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "%PDF-test" || rendered.TicketNumber != 100234 || len(rendered.Record.Items) != 2 {
		t.Errorf("renderer got %+v", rendered)
	}

	if rec := h.do(http.MethodGet, "/tickets/7/approvals/receipt.pdf", ""); rec.Code != http.StatusNotFound {
		t.Errorf("receipt without approvals status = %d", rec.Code)
	}

	rec = h.do(http.MethodPost, "/tickets/100234/approvals/notified", "")
	if got := decode[map[string]bool](t, rec); !got["updated"] {
		t.Errorf("notified flag should be set: %v", got)
	}
}

func TestReceiptRenderFailureIsRetryable(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.do(http.MethodPost, "/tickets/9/approvals", `{"items":[{"key":"a","description":"Alignment","amount":90,"approverName":"Pat"}]}`)

	rec := h.do(http.MethodGet, "/tickets/9/approvals/receipt.pdf", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if apiErr := decode[APIError](t, rec); apiErr.Code != "PDF_FAILED" || !apiErr.Retryable {
		t.Errorf("unexpected error body %+v", apiErr)
	}
}

func TestVerbalApprovalNeedsName(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})

	rec := h.do(http.MethodPost, "/tickets/9/approvals", `{"items":[{"key":"a","description":"Alignment","amount":90}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	got := decode[struct {
		Code   string                             `json:"code"`
		Errors []workapproval.ValidationErrorItem `json:"errors"`
	}](t, rec)
	if got.Code != "VALIDATION_FAILED" || len(got.Errors) != 1 || got.Errors[0].Code != "WA-REQ-005" {
		t.Fatalf("unexpected validation body %+v", got)
	}

	rec = h.do(http.MethodPost, "/tickets/9/approvals", `{"items":[{"key":"a","description":"Alignment","amount":90,"approverName":"Pat"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	rows := h.recorded()
	if len(rows) != 1 || *rows[0].ApprovalName != "Pat" || rows[0].ApprovalLink != nil {
		t.Fatalf("unexpected verbal approval row %+v", rows)
	}
}

func TestPDFDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.PDFEnabled = false
	h := newHarness(t, cfg, Deps{})
	rec := h.do(http.MethodGet, "/tickets/9/approvals/receipt.pdf", "")
	if rec.Code != http.StatusNotFound || decode[APIError](t, rec).Code != "PDF_DISABLED" {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTicketEventsStream(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/tickets/42/events", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET events error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	h.svc.vehicles.RecordChange(context.Background(), 99, "Ready", vehiclestatus.RecordOptions{})
	h.svc.vehicles.RecordChange(context.Background(), 42, "Ready", vehiclestatus.RecordOptions{})

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if event != "vehicle-status-changed" {
		t.Fatalf("event = %q", event)
	}
	var sig struct {
		TicketNumber int    `json:"ticketNumber"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal([]byte(data), &sig); err != nil {
		t.Fatalf("decode data %q: %v", data, err)
	}
	if sig.TicketNumber != 42 || sig.Status != "Ready" {
		t.Fatalf("unexpected signal %+v", sig)
	}
}
