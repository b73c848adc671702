// Package timeline builds the flat rows of the ticket activity timeline and
// ships them to the timeline API.
package timeline

import "time"

// EventType is the Type column of a timeline row.
type EventType int

const (
	TypeVehicleStatus EventType = 1
	TypeSent          EventType = 2
	TypeViewed        EventType = 3
	TypeApproval      EventType = 4
)

func (t EventType) String() string {
	switch t {
	case TypeVehicleStatus:
		return "vehicle_status"
	case TypeSent:
		return "sent"
	case TypeViewed:
		return "viewed"
	case TypeApproval:
		return "approval"
	default:
		return "unknown"
	}
}

// Row is one timeline_events record. Nil pointers serialize as null, which
// the timeline API expects for columns that do not apply to the type.
type Row struct {
	TicketNum         int       `json:"TicketNum"`
	Type              EventType `json:"Type"`
	User              *string   `json:"User"`
	Datetime          string    `json:"Datetime"`
	TicketTotal       *float64  `json:"TicketTotal"`
	VehicleStatus     *int      `json:"VehicleStatus"`
	IPaddress         *string   `json:"IPaddress"`
	ApprovalName      *string   `json:"ApprovalName"`
	ApprovalTotal     *float64  `json:"ApprovalTotal"`
	ApprovalDetails   *string   `json:"ApprovalDetails"`
	ApprovalSignature *string   `json:"ApprovalSignature"`
	// ApprovalLink and attrLink carry the same URL; notification backends
	// differ in which name they read.
	ApprovalLink *string `json:"ApprovalLink,omitempty"`
	AttrLink     *string `json:"attrLink,omitempty"`
	Hide         int     `json:"Hide"`
}

// Options are the optional columns shared by the non-approval rows.
type Options struct {
	User        string
	TicketTotal *float64
	IPAddress   string
	Hide        int
}

type ApprovalOptions struct {
	ApprovalName string
	ApprovalLink string
	IPAddress    string
	Hide         int
}

// FormatDatetime renders t like JavaScript's Date.toISOString.
func FormatDatetime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func VehicleStatusRow(ticketNum, statusCode int, at time.Time, opts Options) Row {
	row := baseRow(ticketNum, TypeVehicleStatus, at, opts)
	row.User = strOrNil(opts.User)
	row.VehicleStatus = &statusCode
	return row
}

func SentRow(ticketNum int, at time.Time, opts Options) Row {
	row := baseRow(ticketNum, TypeSent, at, opts)
	row.User = strOrNil(opts.User)
	return row
}

// ViewedRow never carries a user: the viewer is the anonymous customer.
func ViewedRow(ticketNum int, at time.Time, opts Options) Row {
	return baseRow(ticketNum, TypeViewed, at, opts)
}

func ApprovalRow(ticketNum int, total float64, details, signature string, at time.Time, opts ApprovalOptions) Row {
	row := Row{
		TicketNum:         ticketNum,
		Type:              TypeApproval,
		Datetime:          FormatDatetime(at),
		IPaddress:         strOrNil(opts.IPAddress),
		ApprovalName:      strOrNil(opts.ApprovalName),
		ApprovalTotal:     &total,
		ApprovalDetails:   &details,
		ApprovalSignature: &signature,
		ApprovalLink:      strOrNil(opts.ApprovalLink),
		AttrLink:          strOrNil(opts.ApprovalLink),
		Hide:              opts.Hide,
	}
	return row
}

func baseRow(ticketNum int, typ EventType, at time.Time, opts Options) Row {
	return Row{
		TicketNum:   ticketNum,
		Type:        typ,
		Datetime:    FormatDatetime(at),
		TicketTotal: opts.TicketTotal,
		IPaddress:   strOrNil(opts.IPAddress),
		Hide:        opts.Hide,
	}
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
