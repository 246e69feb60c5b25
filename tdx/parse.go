package tdx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const cacheNamespace = "tdx"

// maxETAStops bounds the OR-joined filter so the query string stays within
// upstream limits.
const maxETAStops = 12

type rawListParams struct {
	Dataset   Dataset
	Scope     Scope
	CacheKey  string
	Endpoint  string
	Top       int
	Select    string
	TTL       time.Duration
	AllowBulk bool
}

// rawList is the staged read behind every getter: fresh cache first, then
// the resumable bulk store (advancing it by one batch when incomplete),
// then a direct full fetch with a stale-cache fallback on HTTP failure.
func (c *Client) rawList(ctx context.Context, p rawListParams) ([]map[string]any, error) {
	if c.cache != nil {
		if raw, ok := c.cache.GetWithTTL(cacheNamespace, p.CacheKey, p.TTL); ok {
			var items []map[string]any
			if err := json.Unmarshal(raw, &items); err == nil {
				c.log.Debug().Str("key", p.CacheKey).Str("mode", "cache").Msg("list read")
				return items, nil
			}
		}
	}

	if p.AllowBulk && c.cache != nil && c.cache.Enabled() && c.cfg.Bulk.Enabled {
		prog := ReadBulkProgress(c.cache, p.Dataset, p.Scope)
		if !prog.Done && !BulkUnsupported(c.cache, p.Dataset, p.Scope) {
			_, err := c.FetchPageBatch(ctx, PageBatchParams{
				Dataset:  p.Dataset,
				Scope:    p.Scope,
				Endpoint: p.Endpoint,
				Top:      p.Top,
				Select:   p.Select,
				MaxPages: c.cfg.Bulk.MaxPagesPerCall,
				MaxTime:  c.cfg.Bulk.MaxTimePerCall,
			})
			if err != nil {
				if !isHTTPError(err) {
					return nil, err
				}
				c.log.Warn().Err(err).Str("key", p.CacheKey).Msg("bulk advance failed; serving partial data")
			}
			prog = ReadBulkProgress(c.cache, p.Dataset, p.Scope)
		}
		data := ReadBulkData(c.cache, p.Dataset, p.Scope)
		finished := prog.Done || BulkUnsupported(c.cache, p.Dataset, p.Scope)
		if finished && len(data) > 0 {
			if raw, err := json.Marshal(data); err == nil {
				c.cache.Set(cacheNamespace, p.CacheKey, raw, p.TTL)
			}
		}
		if len(data) > 0 || finished {
			c.log.Debug().Str("key", p.CacheKey).Str("mode", "bulk").Bool("done", finished).Int("items", len(data)).Msg("list read")
			return data, nil
		}
	}

	items, err := c.FetchFullList(ctx, p.Endpoint, p.Top, p.Select)
	if err != nil {
		if isHTTPError(err) && c.cache != nil {
			if raw, ok := c.cache.GetStale(cacheNamespace, p.CacheKey); ok {
				var stale []map[string]any
				if uerr := json.Unmarshal(raw, &stale); uerr == nil {
					c.log.Warn().Err(err).Str("key", p.CacheKey).Msg("fetch failed; serving stale cache")
					return stale, nil
				}
			}
		}
		return nil, err
	}
	if c.cache != nil {
		if raw, merr := json.Marshal(items); merr == nil {
			c.cache.Set(cacheNamespace, p.CacheKey, raw, p.TTL)
		}
	}
	c.log.Debug().Str("key", p.CacheKey).Str("mode", "direct").Int("items", len(items)).Msg("list read")
	return items, nil
}

func (c *Client) cityOrDefault(city string) string {
	if city == "" {
		return c.cfg.City
	}
	return city
}

func (c *Client) datasetRaw(ctx context.Context, d Dataset, city string, allowBulk bool) ([]map[string]any, error) {
	q := c.cfg.query(d)
	return c.rawList(ctx, rawListParams{
		Dataset:   d,
		Scope:     CityScope(city),
		CacheKey:  fmt.Sprintf("tdx_%s:%s", d, city),
		Endpoint:  c.endpoint(d, city),
		Top:       q.Top,
		Select:    q.Select,
		TTL:       c.cfg.ttlFor(d),
		AllowBulk: allowBulk,
	})
}

// BusStops returns all bus stops for a city. An empty city uses the
// configured default.
func (c *Client) BusStops(ctx context.Context, city string) ([]BusStop, error) {
	city = c.cityOrDefault(city)
	items, err := c.datasetRaw(ctx, DatasetBusStops, city, true)
	if err != nil {
		return nil, err
	}
	stops := make([]BusStop, 0, len(items))
	for _, item := range items {
		uid := asString(item["StopUID"])
		if uid == "" {
			continue
		}
		lat, lon := position(item["StopPosition"])
		stops = append(stops, BusStop{
			StopUID: uid,
			Name:    localizedName(item["StopName"]),
			Lat:     lat,
			Lon:     lon,
		})
	}
	return stops, nil
}

// BusRoutes returns all bus routes for a city.
func (c *Client) BusRoutes(ctx context.Context, city string) ([]BusRoute, error) {
	city = c.cityOrDefault(city)
	items, err := c.datasetRaw(ctx, DatasetBusRoutes, city, true)
	if err != nil {
		return nil, err
	}
	routes := make([]BusRoute, 0, len(items))
	for _, item := range items {
		uid := asString(item["RouteUID"])
		if uid == "" {
			continue
		}
		routes = append(routes, BusRoute{
			RouteUID: uid,
			Name:     localizedName(item["RouteName"]),
		})
	}
	return routes, nil
}

// BusETAs returns estimated arrivals for up to maxETAStops stop UIDs in one
// filtered query. UIDs are deduplicated and sorted so equivalent requests
// share a cache entry.
func (c *Client) BusETAs(ctx context.Context, city string, stopUIDs []string) ([]BusETA, error) {
	city = c.cityOrDefault(city)

	seen := map[string]bool{}
	uids := make([]string, 0, len(stopUIDs))
	for _, uid := range stopUIDs {
		uid = strings.TrimSpace(uid)
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		uids = append(uids, uid)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	sort.Strings(uids)
	if len(uids) > maxETAStops {
		uids = uids[:maxETAStops]
	}

	clauses := make([]string, len(uids))
	for i, uid := range uids {
		clauses[i] = fmt.Sprintf("StopUID eq '%s'", strings.ReplaceAll(uid, "'", "''"))
	}
	filter := strings.Join(clauses, " or ")

	key := fmt.Sprintf("tdx_bus_eta:%s:%s", city, strings.Join(uids, "|"))
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/Bus/EstimatedTimeOfArrival/City/" + city

	build := func() (json.RawMessage, error) {
		params := url.Values{}
		params.Set("$format", "JSON")
		params.Set("$top", fmt.Sprint(c.cfg.ETAQuery.Top))
		params.Set("$select", c.cfg.ETAQuery.Select)
		params.Set("$filter", filter)
		items, ferr := c.GetList(ctx, endpoint, params)
		if ferr != nil {
			return nil, ferr
		}
		return json.Marshal(items)
	}

	var raw json.RawMessage
	var err error
	if c.cache != nil {
		raw, err = c.cache.GetOrSet(cacheNamespace, key, c.cfg.ETATTL, build, isHTTPError)
	} else {
		raw, err = build()
	}
	if err != nil {
		return nil, err
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w (endpoint %s): %v", ErrUnexpectedShape, endpoint, err)
	}

	etas := make([]BusETA, 0, len(items))
	for _, item := range items {
		stopUID := asString(item["StopUID"])
		routeUID := asString(item["RouteUID"])
		if stopUID == "" || routeUID == "" {
			continue
		}
		eta := BusETA{
			StopUID:    stopUID,
			StopName:   localizedName(item["StopName"]),
			RouteUID:   routeUID,
			RouteName:  localizedName(item["RouteName"]),
			Direction:  asInt(item["Direction"], 0),
			UpdateTime: asString(item["UpdateTime"]),
		}
		if v, ok := item["EstimateTime"]; ok && v != nil {
			secs := asInt(v, 0)
			eta.EstimateTime = &secs
		}
		eta.StopSequence = asInt(item["StopSequence"], 0)
		etas = append(etas, eta)
	}
	return etas, nil
}

// BikeStationStatuses joins bike stations with their live availability.
// Stations load through the bulk store; availability is always fetched
// directly because readings go stale within minutes.
func (c *Client) BikeStationStatuses(ctx context.Context, city string) ([]BikeStationStatus, error) {
	city = c.cityOrDefault(city)
	stations, err := c.datasetRaw(ctx, DatasetBikeStations, city, true)
	if err != nil {
		return nil, err
	}
	avail, err := c.datasetRaw(ctx, DatasetBikeAvailability, city, false)
	if err != nil {
		return nil, err
	}

	byUID := make(map[string]map[string]any, len(avail))
	for _, item := range avail {
		if uid := asString(item["StationUID"]); uid != "" {
			byUID[uid] = item
		}
	}

	out := make([]BikeStationStatus, 0, len(stations))
	for _, item := range stations {
		uid := asString(item["StationUID"])
		if uid == "" {
			continue
		}
		lat, lon := position(item["StationPosition"])
		st := BikeStationStatus{
			StationUID: uid,
			Name:       localizedName(item["StationName"]),
			Lat:        lat,
			Lon:        lon,
		}
		if a, ok := byUID[uid]; ok {
			st.HasAvailability = true
			st.AvailableRent = asInt(a["AvailableRentBikes"], 0)
			st.AvailableReturn = asInt(a["AvailableReturnBikes"], 0)
		}
		out = append(out, st)
	}
	return out, nil
}

// MetroStations returns rail stations for the given operators. Empty
// operators use the configured defaults.
func (c *Client) MetroStations(ctx context.Context, operators []string) ([]MetroStation, error) {
	if len(operators) == 0 {
		operators = c.cfg.Operators
	}
	q := c.cfg.query(DatasetMetroStations)
	var out []MetroStation
	for _, op := range operators {
		items, err := c.rawList(ctx, rawListParams{
			Dataset:   DatasetMetroStations,
			Scope:     OperatorScope(op),
			CacheKey:  fmt.Sprintf("tdx_metro_stations:%s", op),
			Endpoint:  c.endpoint(DatasetMetroStations, op),
			Top:       q.Top,
			Select:    q.Select,
			TTL:       c.cfg.StaticTTL,
			AllowBulk: true,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			uid := asString(item["StationUID"])
			if uid == "" {
				continue
			}
			lat, lon := position(item["StationPosition"])
			out = append(out, MetroStation{
				StationUID: uid,
				Name:       localizedName(item["StationName"]),
				Lat:        lat,
				Lon:        lon,
				Operator:   op,
			})
		}
	}
	return out, nil
}

// ParkingLotStatuses joins off-street parking lots with their live
// availability.
func (c *Client) ParkingLotStatuses(ctx context.Context, city string) ([]ParkingLotStatus, error) {
	city = c.cityOrDefault(city)
	lots, err := c.datasetRaw(ctx, DatasetParkingLots, city, true)
	if err != nil {
		return nil, err
	}
	avail, err := c.datasetRaw(ctx, DatasetParkingAvailability, city, false)
	if err != nil {
		return nil, err
	}

	byUID := make(map[string]map[string]any, len(avail))
	for _, item := range avail {
		if uid := asString(item["ParkingLotUID"]); uid != "" {
			byUID[uid] = item
		}
	}

	out := make([]ParkingLotStatus, 0, len(lots))
	for _, item := range lots {
		uid := asString(item["ParkingLotUID"])
		if uid == "" {
			continue
		}
		lat, lon := position(item["ParkingLotPosition"])
		lot := ParkingLotStatus{
			ParkingLotUID:   uid,
			Name:            localizedName(item["ParkingLotName"]),
			Lat:             lat,
			Lon:             lon,
			TotalSpaces:     asInt(item["TotalSpaces"], 0),
			AvailableSpaces: -1,
		}
		if a, ok := byUID[uid]; ok {
			lot.HasAvailability = true
			lot.AvailableSpaces = asInt(a["AvailableSpaces"], -1)
			if total := asInt(a["TotalSpaces"], 0); total > 0 {
				lot.TotalSpaces = total
			}
		}
		out = append(out, lot)
	}
	return out, nil
}

// RefreshDynamic re-fetches the short-lived availability datasets for a
// city, warming their cache entries.
func (c *Client) RefreshDynamic(ctx context.Context, city string) error {
	if _, err := c.BikeStationStatuses(ctx, city); err != nil {
		return err
	}
	if _, err := c.ParkingLotStatuses(ctx, city); err != nil {
		return err
	}
	return nil
}

// localizedName extracts a display name from a bilingual name object,
// preferring the local form. Plain strings pass through.
func localizedName(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s := asString(t["Zh_tw"]); s != "" {
			return s
		}
		return asString(t["En"])
	}
	return ""
}

// position extracts lat/lon from a position object.
func position(v any) (lat, lon float64) {
	m, ok := v.(map[string]any)
	if !ok {
		return 0, 0
	}
	return asFloat(m["PositionLat"]), asFloat(m["PositionLon"])
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}

func asInt(v any, def int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return def
		}
		return int(n)
	}
	return def
}
