package render

import (
	"github.com/eric1221bday/PGHBusTracker/internal/catalog"
	"github.com/eric1221bday/PGHBusTracker/internal/store"
	geojson "github.com/paulmach/go.geojson"
)

// VehicleFeatures builds a point FeatureCollection, one feature per vehicle.
func VehicleFeatures(vehicles []store.Vehicle, routes *catalog.Catalog) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, v := range vehicles {
		f := geojson.NewPointFeature([]float64{v.Lon, v.Lat})
		f.ID = v.ID
		f.SetProperty("id", v.ID)
		f.SetProperty("route", v.RouteID)
		f.SetProperty("heading", v.Heading)
		f.SetProperty("speed", v.SpeedMPH)
		f.SetProperty("lastSeenAt", v.LastSeenAt)
		f.SetProperty("stale", v.Stale)
		if route, ok := routes.Get(v.RouteID); ok {
			f.SetProperty("title", route.DisplayName)
			if route.Color != "" {
				f.SetProperty("color", route.Color)
			}
		}
		if v.Destination != "" {
			f.SetProperty("destination", v.Destination)
		}
		fc.AddFeature(f)
	}
	return fc
}
