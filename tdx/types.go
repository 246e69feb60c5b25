package tdx

// BusStop is a bus stop with its position.
type BusStop struct {
	StopUID  string  `json:"stop_uid"`
	Name     string  `json:"name"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// BusRoute is a bus route identifier and display name.
type BusRoute struct {
	RouteUID string `json:"route_uid"`
	Name     string `json:"name"`
}

// BusETA is one estimated arrival for a (stop, route) pair. EstimateTime is
// in seconds; nil means the upstream reported no estimate.
type BusETA struct {
	StopUID      string  `json:"stop_uid"`
	StopName     string  `json:"stop_name,omitempty"`
	RouteUID     string  `json:"route_uid"`
	RouteName    string  `json:"route_name,omitempty"`
	EstimateTime *int    `json:"estimate_time_seconds"`
	StopSequence int     `json:"stop_sequence,omitempty"`
	Direction    int     `json:"direction"`
	UpdateTime   string  `json:"update_time,omitempty"`
}

// BikeStationStatus joins a bike station with its live availability.
type BikeStationStatus struct {
	StationUID       string  `json:"station_uid"`
	Name             string  `json:"name"`
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	AvailableRent    int     `json:"available_rent_bikes"`
	AvailableReturn  int     `json:"available_return_bikes"`
	HasAvailability  bool    `json:"has_availability"`
}

// MetroStation is a rail station with its position and operator.
type MetroStation struct {
	StationUID string  `json:"station_uid"`
	Name       string  `json:"name"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Operator   string  `json:"operator"`
}

// ParkingLotStatus joins an off-street parking lot with its live
// availability. AvailableSpaces is -1 when no reading exists.
type ParkingLotStatus struct {
	ParkingLotUID   string  `json:"parking_lot_uid"`
	Name            string  `json:"name"`
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	TotalSpaces     int     `json:"total_spaces"`
	AvailableSpaces int     `json:"available_spaces"`
	HasAvailability bool    `json:"has_availability"`
}
