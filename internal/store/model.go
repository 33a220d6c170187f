package store

import (
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/bustime"
)

// Vehicle is the tracked state of one vehicle as handed to renderers.
type Vehicle struct {
	ID          string    `json:"id"`
	RouteID     string    `json:"routeId"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Heading     float64   `json:"heading"`
	SpeedMPH    float64   `json:"speed"`
	Destination string    `json:"destination,omitempty"`
	Delayed     bool      `json:"delayed,omitempty"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	// LastUpdate is when the position last changed, in unix milliseconds.
	LastUpdate int64 `json:"lastUpdate"`
	Stale      bool  `json:"stale,omitempty"`
}

func (v Vehicle) moved(u bustime.VehicleUpdate) bool {
	return v.Lat != u.Latitude || v.Lon != u.Longitude
}

func (v *Vehicle) apply(u bustime.VehicleUpdate) {
	if v.ID == "" || v.moved(u) {
		v.LastUpdate = u.ObservedAt.UnixMilli()
	}
	v.ID = u.ID
	v.RouteID = u.RouteID
	v.Lat = u.Latitude
	v.Lon = u.Longitude
	v.Heading = u.HeadingDegrees
	v.SpeedMPH = u.SpeedMPH
	v.Destination = u.Destination
	v.Delayed = u.Delayed
	v.LastSeenAt = u.ObservedAt
}

// Event is one notification to subscribers: vehicles changed by a single
// apply, and ids removed by a sweep.
type Event struct {
	Updated []Vehicle `json:"updated,omitempty"`
	Removed []string  `json:"removed,omitempty"`
}

type Outcome int

const (
	Ignored Outcome = iota
	Created
	Updated
)

type Applied struct {
	Created int
	Updated int
	// Ignored counts updates not newer than the stored record.
	Ignored int
}

type Stats struct {
	Vehicles      int    `json:"vehicles"`
	Applied       uint64 `json:"applied"`
	IgnoredOlder  uint64 `json:"ignoredOlder"`
	Evicted       uint64 `json:"evicted"`
	DroppedEvents uint64 `json:"droppedEvents"`
}
