package customerview

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/webtech-soft/CustomerView/internal/workapproval"
)

// Receipt is the data printed on a work-approval receipt.
type Receipt struct {
	TicketNumber int
	Record       workapproval.Record
	GeneratedAt  time.Time
}

// ReceiptRenderer turns a receipt into PDF bytes.
type ReceiptRenderer interface {
	Render(ctx context.Context, receipt Receipt) ([]byte, error)
}

type ReceiptRendererFunc func(ctx context.Context, receipt Receipt) ([]byte, error)

func (f ReceiptRendererFunc) Render(ctx context.Context, receipt Receipt) ([]byte, error) {
	return f(ctx, receipt)
}

// ChromeReceiptRenderer prints receipts through headless Chromium.
type ChromeReceiptRenderer struct {
	ChromiumPath string
	Timeout      time.Duration
	Location     *time.Location
}

func NewChromeReceiptRenderer(cfg Config) ChromeReceiptRenderer {
	return ChromeReceiptRenderer{
		ChromiumPath: cfg.PDFChromiumPath,
		Timeout:      cfg.PDFTimeout,
		Location:     loadLocation(cfg.PDFTimeZone),
	}
}

// Render builds the receipt HTML and prints it to PDF. A missing Chromium
// surfaces as an error so the handler can report it as retryable.
func (r ChromeReceiptRenderer) Render(ctx context.Context, receipt Receipt) ([]byte, error) {
	html, err := r.renderHTML(receipt)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	if r.ChromiumPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(r.ChromiumPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	runCtx, cancelRun := chromedp.NewContext(allocCtx)
	defer cancelRun()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	var pdf []byte
	err = chromedp.Run(runCtx,
		chromedp.Navigate("data:text/html,"+url.PathEscape(html)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, perr := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if perr == nil {
				pdf = buf
			}
			return perr
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run failed: %w", err)
	}
	return pdf, nil
}

type receiptLine struct {
	LineNum     int
	Description string
	Amount      float64
	ApprovedOn  string
	Approver    string
	Verbal      bool
	Signature   template.URL
}

func (r ChromeReceiptRenderer) renderHTML(receipt Receipt) (string, error) {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	tmpl, err := template.New("receipt").Funcs(template.FuncMap{
		"money": func(v float64) string { return fmt.Sprintf("$%.2f", v) },
	}).Parse(receiptTemplate)
	if err != nil {
		return "", err
	}

	lines := make([]receiptLine, 0, len(receipt.Record.Items))
	for _, it := range receipt.Record.Items {
		line := receiptLine{
			LineNum:     it.LineNum,
			Description: it.Description,
			Amount:      it.Amount,
			ApprovedOn:  it.ApprovedDate + " " + it.ApprovedTime,
			Approver:    it.ApproverName,
			Verbal:      it.VerbalApproval,
		}
		// Only image data URLs are trusted inside the img tag.
		if strings.HasPrefix(it.SignatureDataURL, workapproval.SignaturePrefix) {
			line.Signature = template.URL(it.SignatureDataURL)
		}
		lines = append(lines, line)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct {
		TicketNumber int
		Lines        []receiptLine
		Total        float64
		Generated    string
	}{
		TicketNumber: receipt.TicketNumber,
		Lines:        lines,
		Total:        receipt.Record.Total(),
		Generated:    receipt.GeneratedAt.In(loc).Format("01/02/2006 3:04 PM"),
	}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

const receiptTemplate = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <style>
    body { font-family: 'Helvetica Neue', Arial, sans-serif; margin: 24px; color: #0f172a; }
    h1 { margin: 0 0 8px; }
    .meta { display: flex; justify-content: space-between; margin-bottom: 16px; }
    .label { font-size: 12px; color: #475569; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { padding: 8px; border-bottom: 1px solid #e2e8f0; text-align: left; vertical-align: top; }
    th { background: #f8fafc; }
    .amount { text-align: right; }
    img.sig { max-height: 48px; }
  </style>
</head>
<body>
  <div class="meta">
    <h1>Work Approval Receipt</h1>
    <div style="text-align:right">
      <div class="label">Ticket</div>
      <div>#{{.TicketNumber}}</div>
      <div class="label">Generated</div>
      <div>{{.Generated}}</div>
    </div>
  </div>
  <table>
    <thead>
      <tr><th>Line</th><th>Description</th><th>Approved</th><th>Approval</th><th class="amount">Amount</th></tr>
    </thead>
    <tbody>
    {{range .Lines}}
      <tr>
        <td>{{.LineNum}}</td>
        <td>{{.Description}}</td>
        <td>{{.ApprovedOn}}</td>
        <td>{{if .Verbal}}Verbal: {{.Approver}}{{else if .Signature}}<img class="sig" src="{{.Signature}}" alt="signature" />{{end}}</td>
        <td class="amount">{{money .Amount}}</td>
      </tr>
    {{end}}
    </tbody>
  </table>
  <div style="text-align:right; margin-top:12px; font-weight:700;">Total approved: {{money .Total}}</div>
</body>
</html>
`
