package bustime

import (
	"fmt"
	"time"
)

// Mode selects which key list a getvehicles call is filtered by.
type Mode int

const (
	ByRoute Mode = iota
	ByVehicleID
)

// Param is the query parameter carrying the comma-joined keys.
func (m Mode) Param() string {
	switch m {
	case ByRoute:
		return "rt"
	case ByVehicleID:
		return "vid"
	default:
		return ""
	}
}

func (m Mode) String() string {
	switch m {
	case ByRoute:
		return "route"
	case ByVehicleID:
		return "vehicle"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Route is one entry of the getroutes response.
type Route struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color,omitempty"`
}

// VehicleUpdate is one parsed <vehicle> element.
//
// ObservedAt is the time the request that produced the update was issued,
// not the time the response arrived.
type VehicleUpdate struct {
	ID             string
	RouteID        string
	Latitude       float64
	Longitude      float64
	HeadingDegrees float64
	SpeedMPH       float64
	Destination    string
	Delayed        bool
	ProviderTime   time.Time
	ObservedAt     time.Time
}

// ProviderError is an <error> element returned inside a successful response,
// usually "No data found for parameter" for a key that is not in service.
type ProviderError struct {
	RouteID   string
	VehicleID string
	Message   string
}

// Report collects what was skipped while decoding one response.
type Report struct {
	ElementErrors  []*ElementError
	ProviderErrors []ProviderError
}

// Skipped is the number of elements dropped because they were malformed.
func (r Report) Skipped() int {
	return len(r.ElementErrors)
}

// Merge appends o's entries to r.
func (r *Report) Merge(o Report) {
	r.ElementErrors = append(r.ElementErrors, o.ElementErrors...)
	r.ProviderErrors = append(r.ProviderErrors, o.ProviderErrors...)
}
