// Package routes wires the HTTP control plane: prefetch job management,
// ingestion progress reporting, transit data reads, health, and metrics.
package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/tdxsync/cache"
	"github.com/briangreenhill/tdxsync/internal/jobs"
	"github.com/briangreenhill/tdxsync/tdx"
)

type Server struct {
	Router *chi.Mux
	Client *tdx.Client
	Jobs   *jobs.Manager
	Cache  *cache.FileCache
	Log    zerolog.Logger
}

type ServerOptions struct {
	Client *tdx.Client
	Jobs   *jobs.Manager
	Logger zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(req).Info().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", status).
			Dur("duration", dur).
			Msg("request")
	}))

	s := &Server{
		Router: r,
		Client: opts.Client,
		Jobs:   opts.Jobs,
		Cache:  opts.Client.Cache(),
		Log:    opts.Logger,
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/tdx", func(api chi.Router) {
		api.Post("/prefetch", s.handleStartPrefetch)
		api.Get("/prefetch", s.handleListPrefetch)
		api.Get("/prefetch/{jobID}", s.handleGetPrefetch)
		api.Post("/prefetch/{jobID}/cancel", s.handleCancelPrefetch)
		api.Get("/progress", s.handleProgress)
		api.Get("/cache/stats", s.handleCacheStats)

		api.Get("/bus/stops", s.handleBusStops)
		api.Get("/bus/routes", s.handleBusRoutes)
		api.Get("/bus/eta", s.handleBusETA)
		api.Get("/bike/stations", s.handleBikeStations)
		api.Get("/metro/stations", s.handleMetroStations)
		api.Get("/parking/lots", s.handleParkingLots)
	})

	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: msg}})
}

func (s *Server) handleStartPrefetch(w http.ResponseWriter, r *http.Request) {
	var req jobs.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	rec, err := s.Jobs.Start(req)
	switch {
	case errors.Is(err, jobs.ErrJobLocked):
		writeError(w, http.StatusConflict, "locked", err.Error())
	case errors.Is(err, jobs.ErrJobExists):
		writeError(w, http.StatusConflict, "exists", err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeJSON(w, http.StatusAccepted, rec)
	}
}

func (s *Server) handleListPrefetch(w http.ResponseWriter, r *http.Request) {
	all, err := s.Jobs.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": all})
}

func (s *Server) handleGetPrefetch(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Jobs.Get(chi.URLParam(r, "jobID"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no such job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelPrefetch(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Jobs.Cancel(chi.URLParam(r, "jobID"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no such job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	if city == "" {
		city = s.Client.City()
	}
	writeJSON(w, http.StatusOK, tdx.Overall(s.Cache, city, s.Client.Operators()))
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Cache.Stats())
}

func (s *Server) city(r *http.Request) string {
	if c := r.URL.Query().Get("city"); c != "" {
		return c
	}
	return s.Client.City()
}

func (s *Server) writeListResult(w http.ResponseWriter, v any, err error) {
	if err != nil {
		status := http.StatusBadGateway
		var se *tdx.StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			status = http.StatusNotFound
		}
		if errors.Is(err, tdx.ErrCredentialsMissing) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "upstream", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleBusStops(w http.ResponseWriter, r *http.Request) {
	stops, err := s.Client.BusStops(r.Context(), s.city(r))
	s.writeListResult(w, map[string]any{"stops": stops}, err)
}

func (s *Server) handleBusRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.Client.BusRoutes(r.Context(), s.city(r))
	s.writeListResult(w, map[string]any{"routes": routes}, err)
}

func (s *Server) handleBusETA(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("stops")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "stops query parameter is required")
		return
	}
	etas, err := s.Client.BusETAs(r.Context(), s.city(r), strings.Split(raw, ","))
	s.writeListResult(w, map[string]any{"etas": etas}, err)
}

func (s *Server) handleBikeStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.Client.BikeStationStatuses(r.Context(), s.city(r))
	s.writeListResult(w, map[string]any{"stations": stations}, err)
}

func (s *Server) handleMetroStations(w http.ResponseWriter, r *http.Request) {
	var operators []string
	if raw := r.URL.Query().Get("operators"); raw != "" {
		operators = strings.Split(raw, ",")
	}
	stations, err := s.Client.MetroStations(r.Context(), operators)
	s.writeListResult(w, map[string]any{"stations": stations}, err)
}

func (s *Server) handleParkingLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.Client.ParkingLotStatuses(r.Context(), s.city(r))
	s.writeListResult(w, map[string]any{"lots": lots}, err)
}
