package vehiclestatus

// Status is a vehicle's position in the shop workflow as shown to advisors.
type Status string

const (
	NotStarted         Status = "Not Started"
	OnlineAppointment  Status = "Online Appointment"
	NotHereYet         Status = "Not Here Yet"
	CheckIn            Status = "Check In"
	OnLot              Status = "On Lot"
	InShop             Status = "In Shop"
	InspectionComplete Status = "Inspection Complete"
	AwaitingCallback   Status = "Awaiting Callback"
	AwaitingParts      Status = "Awaiting Parts"
	OutForSublet       Status = "Out For Sublet"
	Ready              Status = "Ready"
	None               Status = ""
)

// CodeAll is the API code for "no particular status".
const CodeAll = -1

var codes = map[Status]int{
	OnlineAppointment:  65,
	NotHereYet:         0,
	CheckIn:            66,
	OnLot:              2,
	InShop:             4,
	InspectionComplete: 67,
	AwaitingCallback:   64,
	AwaitingParts:      16,
	OutForSublet:       32,
	Ready:              8,
}

var byCode = func() map[int]Status {
	m := make(map[int]Status, len(codes))
	for s, c := range codes {
		m[c] = s
	}
	return m
}()

// Code returns the shop-management API code for s. Unknown statuses,
// NotStarted and None map to CodeAll.
func Code(s Status) int {
	if c, ok := codes[s]; ok {
		return c
	}
	return CodeAll
}

// FromCode maps an API code back to a status; unknown codes yield None.
func FromCode(code int) Status {
	return byCode[code]
}

// Parse accepts a status name exactly as the API spells it.
func Parse(name string) Status {
	s := Status(name)
	if s == NotStarted {
		return s
	}
	if _, ok := codes[s]; ok {
		return s
	}
	return None
}

// All lists the named statuses in workflow order.
func All() []Status {
	return []Status{
		NotStarted, OnlineAppointment, NotHereYet, CheckIn, OnLot, InShop,
		InspectionComplete, AwaitingCallback, AwaitingParts, OutForSublet, Ready,
	}
}
