// Package render holds the surfaces that draw the tracked fleet: the map
// websocket, the JSON API and the GeoJSON and GTFS-Realtime exports.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/engine"
	"github.com/eric1221bday/PGHBusTracker/internal/store"
	"github.com/eric1221bday/PGHBusTracker/internal/viewport"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
)

type Options struct {
	AllowedOrigins []string
	// StaticDir, when set, is served at /.
	StaticDir string
	// Buffer is the store subscription buffer for the websocket hub.
	Buffer int
}

type Server struct {
	engine *engine.Engine
	hub    *Hub
	opts   Options
}

func NewServer(e *engine.Engine, opts Options) *Server {
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	return &Server{
		engine: e,
		hub:    NewHub(e.Store(), e, opts.AllowedOrigins),
		opts:   opts,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Run feeds the websocket hub from the store until ctx is done.
func (s *Server) Run(ctx context.Context) {
	events, cancel := s.engine.Store().Subscribe(s.opts.Buffer)
	defer cancel()
	s.hub.Run(ctx, events)
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.registerRoutes(r)
	r.Use(withLogging)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         86400,
	})
	return c.Handler(r)
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.Handle("/data.json", s.hub)

	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/routes", s.handleRoutes).Methods(http.MethodGet)
	r.HandleFunc("/api/vehicles", s.handleVehicles).Methods(http.MethodGet)
	r.HandleFunc("/api/vehicles/{id}", s.handleVehicle).Methods(http.MethodGet)
	r.HandleFunc("/api/viewport", s.handleVisible).Methods(http.MethodGet)
	r.HandleFunc("/api/viewport", s.handleSettle).Methods(http.MethodPost)
	r.HandleFunc("/vehicles.geojson", s.handleGeoJSON).Methods(http.MethodGet)
	r.HandleFunc("/gtfs-rt/vehicle-positions.pb", s.handleGTFSRealtime).Methods(http.MethodGet)

	if s.opts.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.opts.StaticDir)))
	}
}

func withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("duration", time.Since(start)).Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type stats struct {
	Engine  engine.Stats `json:"engine"`
	Store   store.Stats  `json:"store"`
	Clients int          `json:"clients"`
	Visible int          `json:"visible"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stats{
		Engine:  s.engine.Stats(),
		Store:   s.engine.Store().Stats(),
		Clients: s.hub.Clients(),
		Visible: len(s.engine.Tracker().Visible()),
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Catalog().All())
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles := s.engine.Store().Snapshot()

	if route := r.URL.Query().Get("route"); route != "" {
		filtered := vehicles[:0]
		for _, v := range vehicles {
			if v.RouteID == route {
				filtered = append(filtered, v)
			}
		}
		vehicles = filtered
	}
	writeJSON(w, http.StatusOK, vehicles)
}

// vehicleDetail is the marker info window: route name as title, speed as
// snippet.
type vehicleDetail struct {
	store.Vehicle
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, ok := s.engine.Store().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("vehicle not found"))
		return
	}

	title := v.RouteID
	if route, ok := s.engine.Catalog().Get(v.RouteID); ok {
		title = route.DisplayName
	}
	writeJSON(w, http.StatusOK, vehicleDetail{
		Vehicle: v,
		Title:   title,
		Snippet: strconv.FormatFloat(v.SpeedMPH, 'f', -1, 64) + " mph",
	})
}

type viewportRequest struct {
	South  *float64 `json:"south"`
	West   *float64 `json:"west"`
	North  *float64 `json:"north"`
	East   *float64 `json:"east"`
	Region string   `json:"region"`
}

func (req viewportRequest) predicate() (viewport.RegionPredicate, error) {
	if req.Region != "" {
		return viewport.ParseRegion(req.Region)
	}
	if req.South == nil || req.West == nil || req.North == nil || req.East == nil {
		return nil, errors.New("want south, west, north and east, or region")
	}
	box := viewport.BoundingBox{South: *req.South, West: *req.West, North: *req.North, East: *req.East}
	if err := box.Validate(); err != nil {
		return nil, err
	}
	return box, nil
}

type visibleResponse struct {
	Visible []string `json:"visible"`
}

func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, visibleResponse{Visible: nonNil(s.engine.Tracker().Visible())})
}

// handleSettle is the view-settled event: recompute the visible set now and
// return it.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pred, err := req.predicate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, visibleResponse{Visible: nonNil(s.engine.Tracker().Settle(pred))})
}

func (s *Server) handleGeoJSON(w http.ResponseWriter, r *http.Request) {
	fc := VehicleFeatures(s.engine.Store().Snapshot(), s.engine.Catalog())
	data, err := fc.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

func (s *Server) handleGTFSRealtime(w http.ResponseWriter, r *http.Request) {
	feed := VehiclePositionsFeed(s.engine.Store().Snapshot(), s.engine.Clock().Now())

	var (
		data []byte
		err  error
	)
	if _, debug := r.URL.Query()["debug"]; debug {
		data, err = prototext.MarshalOptions{Multiline: true}.Marshal(feed)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		data, err = proto.Marshal(feed)
		w.Header().Set("Content-Type", "application/x-protobuf")
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_, _ = w.Write(data)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
