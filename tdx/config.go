package tdx

import "time"

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://tdx.transportdata.tw/api/basic/v2"
	// DefaultTokenURL is the client-credentials token endpoint.
	DefaultTokenURL = "https://tdx.transportdata.tw/auth/realms/TDXConnect/protocol/openid-connect/token"
)

// RetryPolicy bounds the retry loop for a single logical request.
// MaxAttempts counts retries, so a request makes at most MaxAttempts+1 tries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// BulkPolicy bounds how much bulk-ingestion work one call may do.
type BulkPolicy struct {
	Enabled         bool
	MaxPagesPerCall int
	MaxTimePerCall  time.Duration // 0 means no time budget
}

// DatasetQuery is the page shape requested for one dataset.
type DatasetQuery struct {
	Top    int
	Select string
}

// Config carries everything a Client needs. Zero values are filled in from
// DefaultConfig by New.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string

	// City is the default city scope; Operators the metro operators to
	// ingest stations for.
	City      string
	Operators []string

	HTTPTimeout    time.Duration
	RequestSpacing time.Duration
	Retry          RetryPolicy
	Bulk           BulkPolicy

	Queries  map[Dataset]DatasetQuery
	ETAQuery DatasetQuery

	// TTLs for cached full lists.
	StaticTTL              time.Duration
	BikeAvailabilityTTL    time.Duration
	ParkingAvailabilityTTL time.Duration
	ETATTL                 time.Duration
}

// DefaultConfig returns the production defaults. Credentials are left empty
// and must come from the environment.
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		TokenURL:  DefaultTokenURL,
		City:      "Taipei",
		Operators: []string{"TRTC"},

		HTTPTimeout:    15 * time.Second,
		RequestSpacing: 0,
		Retry: RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		Bulk: BulkPolicy{
			Enabled:         true,
			MaxPagesPerCall: 1,
			MaxTimePerCall:  20 * time.Second,
		},

		Queries: map[Dataset]DatasetQuery{
			DatasetBusStops:            {Top: 1000, Select: "StopUID,StopName,StopPosition"},
			DatasetBusRoutes:           {Top: 1000, Select: "RouteUID,RouteName"},
			DatasetBikeStations:        {Top: 1000, Select: "StationUID,StationName,StationPosition"},
			DatasetBikeAvailability:    {Top: 1000, Select: "StationUID,AvailableRentBikes,AvailableReturnBikes"},
			DatasetMetroStations:       {Top: 1000, Select: "StationUID,StationName,StationPosition"},
			DatasetParkingLots:         {Top: 1000, Select: "ParkingLotUID,ParkingLotName,ParkingLotPosition,TotalSpaces"},
			DatasetParkingAvailability: {Top: 1000, Select: "ParkingLotUID,AvailableSpaces,TotalSpaces"},
		},
		ETAQuery: DatasetQuery{
			Top:    2000,
			Select: "StopUID,StopName,RouteUID,RouteName,EstimateTime,StopSequence,Direction,UpdateTime",
		},

		StaticTTL:              24 * time.Hour,
		BikeAvailabilityTTL:    5 * time.Minute,
		ParkingAvailabilityTTL: 5 * time.Minute,
		ETATTL:                 30 * time.Second,
	}
}

// query resolves the page shape for d, falling back to defaults when the
// config carries no entry.
func (c Config) query(d Dataset) DatasetQuery {
	if q, ok := c.Queries[d]; ok && q.Top > 0 {
		return q
	}
	return DefaultConfig().Queries[d]
}

// ttlFor is the cache TTL for a dataset's full list.
func (c Config) ttlFor(d Dataset) time.Duration {
	switch d {
	case DatasetBikeAvailability:
		return c.BikeAvailabilityTTL
	case DatasetParkingAvailability:
		return c.ParkingAvailabilityTTL
	}
	return c.StaticTTL
}
