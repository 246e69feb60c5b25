package tdx

import "fmt"

// Dataset identifies one ingestible collection. The values double as path
// segments under the bulk store, so they never change across releases.
type Dataset string

const (
	DatasetBusStops            Dataset = "bus_stops"
	DatasetBusRoutes           Dataset = "bus_routes"
	DatasetBikeStations        Dataset = "bike_stations"
	DatasetBikeAvailability    Dataset = "bike_availability"
	DatasetMetroStations       Dataset = "metro_stations"
	DatasetParkingLots         Dataset = "parking_lots"
	DatasetParkingAvailability Dataset = "parking_availability"
)

// AllDatasets is the full ingestion surface, in default prefetch order.
var AllDatasets = []Dataset{
	DatasetBusStops,
	DatasetBusRoutes,
	DatasetBikeStations,
	DatasetBikeAvailability,
	DatasetMetroStations,
	DatasetParkingLots,
	DatasetParkingAvailability,
}

// StaticDatasets change rarely and are bulk-prefetched page by page.
var StaticDatasets = []Dataset{
	DatasetBusStops,
	DatasetBusRoutes,
	DatasetBikeStations,
	DatasetParkingLots,
	DatasetMetroStations,
}

// DynamicDatasets are short-lived readings refreshed on an interval.
var DynamicDatasets = []Dataset{
	DatasetBikeAvailability,
	DatasetParkingAvailability,
}

// Valid reports whether d names a known dataset.
func (d Dataset) Valid() bool {
	for _, known := range AllDatasets {
		if d == known {
			return true
		}
	}
	return false
}

// OperatorScoped reports whether d is fetched per metro operator rather than
// per city.
func (d Dataset) OperatorScoped() bool {
	return d == DatasetMetroStations
}

// unsupportedOn400 is the fixed set of datasets where the upstream answers
// 400 for cities with no coverage. Do not extend it for other datasets;
// their 400s are real request errors.
func (d Dataset) unsupportedOn400() bool {
	return d == DatasetBikeStations || d == DatasetBikeAvailability
}

// KeyField is the stable record identifier used for merge-by-key upserts.
func (d Dataset) KeyField() string {
	switch d {
	case DatasetBusStops:
		return "StopUID"
	case DatasetBusRoutes:
		return "RouteUID"
	case DatasetBikeStations, DatasetBikeAvailability, DatasetMetroStations:
		return "StationUID"
	case DatasetParkingLots, DatasetParkingAvailability:
		return "ParkingLotUID"
	}
	return ""
}

// endpointPath is the upstream path for d within the given scope value
// (a city name, or an operator code for operator-scoped datasets).
func (d Dataset) endpointPath(scopeValue string) string {
	switch d {
	case DatasetBusStops:
		return "/Bus/Stop/City/" + scopeValue
	case DatasetBusRoutes:
		return "/Bus/Route/City/" + scopeValue
	case DatasetBikeStations:
		return "/Bike/Station/City/" + scopeValue
	case DatasetBikeAvailability:
		return "/Bike/Availability/City/" + scopeValue
	case DatasetMetroStations:
		return "/Rail/Metro/Station/" + scopeValue
	case DatasetParkingLots:
		return "/Parking/OffStreet/ParkingLot/City/" + scopeValue
	case DatasetParkingAvailability:
		return "/Parking/OffStreet/ParkingAvailability/City/" + scopeValue
	}
	return ""
}

// Scope names the partition a dataset is ingested under.
type Scope string

// CityScope builds the scope for city-partitioned datasets.
func CityScope(city string) Scope {
	return Scope(fmt.Sprintf("city_%s", city))
}

// OperatorScope builds the scope for operator-partitioned datasets.
func OperatorScope(operator string) Scope {
	return Scope(fmt.Sprintf("operator_%s", operator))
}

// scopeFor resolves the scope for d given a city and, for operator-scoped
// datasets, the operator.
func (d Dataset) scopeFor(city, operator string) Scope {
	if d.OperatorScoped() {
		return OperatorScope(operator)
	}
	return CityScope(city)
}
