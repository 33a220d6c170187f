package render

import (
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/eric1221bday/PGHBusTracker/internal/store"
	"google.golang.org/protobuf/proto"
)

const metersPerSecondPerMPH = 0.44704

// VehiclePositionsFeed exports the fleet as a full-dataset GTFS-Realtime
// VehiclePositions message. Stale vehicles are left out.
func VehiclePositionsFeed(vehicles []store.Vehicle, now time.Time) *gtfs.FeedMessage {
	entities := make([]*gtfs.FeedEntity, 0, len(vehicles))
	for _, v := range vehicles {
		if v.Stale {
			continue
		}
		entities = append(entities, &gtfs.FeedEntity{
			Id: proto.String(v.ID),
			Vehicle: &gtfs.VehiclePosition{
				Trip:    &gtfs.TripDescriptor{RouteId: proto.String(v.RouteID)},
				Vehicle: &gtfs.VehicleDescriptor{Id: proto.String(v.ID), Label: proto.String(v.ID)},
				Position: &gtfs.Position{
					Latitude:  proto.Float32(float32(v.Lat)),
					Longitude: proto.Float32(float32(v.Lon)),
					Bearing:   proto.Float32(float32(v.Heading)),
					Speed:     proto.Float32(float32(v.SpeedMPH * metersPerSecondPerMPH)),
				},
				Timestamp: proto.Uint64(uint64(v.LastSeenAt.Unix())),
			},
		})
	}

	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
		Entity: entities,
	}
}
