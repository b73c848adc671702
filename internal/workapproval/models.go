package workapproval

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// StorageKey holds the approvals of every ticket in one JSON object keyed by
// the ticket number.
const StorageKey = "work_approvals_v1"

const recordVersion = 1

// Item is one approved line of work.
type Item struct {
	Key              string  `json:"key"`
	LineNum          int     `json:"lineNum"`
	Description      string  `json:"description"`
	Amount           float64 `json:"amount"`
	ApprovedAtISO    string  `json:"approvedAtIso"`
	ApprovedDate     string  `json:"approvedDate"` // MM/DD/YYYY
	ApprovedTime     string  `json:"approvedTime"` // e.g. 3:04 PM
	ApproverIP       string  `json:"approverIp"`
	SignatureDataURL string  `json:"signatureDataUrl"`
	// VerbalApproval marks an approval taken by phone or in person; the
	// signature may be empty and ApproverName says who recorded it.
	VerbalApproval bool   `json:"verbalApproval,omitempty"`
	ApproverName   string `json:"approverName,omitempty"`
}

type itemAlias Item

// MarshalJSON writes a non-finite amount as null.
func (it Item) MarshalJSON() ([]byte, error) {
	out := struct {
		itemAlias
		Amount *float64 `json:"amount"`
	}{itemAlias: itemAlias(it)}
	if !math.IsNaN(it.Amount) && !math.IsInf(it.Amount, 0) {
		out.Amount = &it.Amount
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON tolerates non-numeric amount and lineNum values written by
// older clients. A non-numeric amount decodes as NaN and counts as zero.
func (it *Item) UnmarshalJSON(data []byte) error {
	var in struct {
		itemAlias
		Amount  json.RawMessage `json:"amount"`
		LineNum json.RawMessage `json:"lineNum"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*it = Item(in.itemAlias)
	it.Amount = math.NaN()
	var amount float64
	if len(in.Amount) > 0 && json.Unmarshal(in.Amount, &amount) == nil {
		it.Amount = amount
	}
	var line float64
	if len(in.LineNum) > 0 && json.Unmarshal(in.LineNum, &line) == nil {
		it.LineNum = int(line)
	}
	return nil
}

// Stamp fills the approval time columns from now, rendering the date and
// time in loc. An empty ApproverIP becomes "unknown".
func (it Item) Stamp(now time.Time, loc *time.Location) Item {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	it.ApprovedAtISO = formatISO(now)
	it.ApprovedDate = local.Format("01/02/2006")
	it.ApprovedTime = local.Format("3:04 PM")
	if it.ApproverIP == "" {
		it.ApproverIP = "unknown"
	}
	return it
}

// Record is the approval state of one ticket.
type Record struct {
	Version          int    `json:"version"`
	TicketNumber     int    `json:"ticketNumber"`
	Items            []Item `json:"items"`
	UpdatedAtISO     string `json:"updatedAtIso"`
	NotificationSent bool   `json:"notificationSent"`

	// stored is the record as read from storage. It is written back as is
	// while the record is unchanged, so fields this package does not model
	// survive rewrites of the aggregate.
	stored json.RawMessage
}

type recordAlias Record

func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.stored) > 0 {
		return r.stored, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(recordAlias(r)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Total sums the finite item amounts.
func (r Record) Total() float64 {
	var sum float64
	for _, it := range r.Items {
		if math.IsNaN(it.Amount) || math.IsInf(it.Amount, 0) {
			continue
		}
		sum += it.Amount
	}
	return sum
}

// Item looks up an item by key.
func (r Record) Item(key string) (Item, bool) {
	for _, it := range r.Items {
		if it.Key == key {
			return it, true
		}
	}
	return Item{}, false
}

// Aggregate is the decoded value of StorageKey.
type Aggregate map[string]Record

func formatISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
