package parse

import (
	"fmt"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"zagmap.dev/transit/model"
)

// VehicleFeed is the decoded, filtered content of one GTFS Realtime
// VehiclePositions message.
type VehicleFeed struct {
	// Header timestamp, nil when the feed carries none.
	Updated *int64

	// All entities that had a usable position, in feed order.
	Vehicles []model.VehiclePosition
}

// ParseVehicles decodes a VehiclePositions protobuf. Entities without
// a vehicle or a position are dropped; everything else is kept as-is,
// including vehicles with no trip or route. The route cutoff decides
// tram vs bus categorization.
func ParseVehicles(buf []byte, tramRouteCutoff int) (*VehicleFeed, error) {
	f := &gtfsproto.FeedMessage{}
	if err := proto.Unmarshal(buf, f); err != nil {
		return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
	}

	feed := &VehicleFeed{
		Vehicles: []model.VehiclePosition{},
	}

	if header := f.GetHeader(); header != nil && header.Timestamp != nil {
		ts := int64(header.GetTimestamp())
		feed.Updated = &ts
	}

	for _, entity := range f.GetEntity() {
		vehicle := entity.GetVehicle()
		if vehicle == nil {
			continue
		}
		position := vehicle.GetPosition()
		if position == nil {
			continue
		}

		// Some feeds leave the vehicle descriptor out; the
		// entity ID is the only stable handle then.
		id := vehicle.GetVehicle().GetId()
		if id == "" {
			id = entity.GetId()
		}

		routeID := vehicle.GetTrip().GetRouteId()

		vp := model.VehiclePosition{
			ID:        id,
			Label:     vehicle.GetVehicle().GetLabel(),
			RouteID:   routeID,
			TripID:    vehicle.GetTrip().GetTripId(),
			Latitude:  float64(position.GetLatitude()),
			Longitude: float64(position.GetLongitude()),
			Type:      model.VehicleTypeForRoute(routeID, tramRouteCutoff),
		}

		if position.Bearing != nil {
			bearing := float64(position.GetBearing())
			vp.Bearing = &bearing
		}
		if position.Speed != nil {
			speed := float64(position.GetSpeed())
			vp.Speed = &speed
		}
		if vehicle.Timestamp != nil {
			ts := int64(vehicle.GetTimestamp())
			vp.Timestamp = &ts
		}

		feed.Vehicles = append(feed.Vehicles, vp)
	}

	return feed, nil
}
