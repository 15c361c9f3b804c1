package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kwv/outagemesh/outage"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const geoJSONContentType = "application/geo+json"

// newHTTPServer creates an HTTP server with all endpoints. Only aggregate
// output is served; individual device readings never leave the tracker.
func newHTTPServer(stateTracker *outage.StateTracker) http.Handler {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		total, unresolved := stateTracker.EventCounts()
		status := struct {
			Status           string     `json:"status"`
			Timestamp        time.Time  `json:"timestamp"`
			HasData          bool       `json:"hasData"`
			Polygons         int        `json:"polygons"`
			Events           int        `json:"events"`
			UnresolvedEvents int        `json:"unresolvedEvents"`
			LastRefresh      *time.Time `json:"lastRefresh,omitempty"`
		}{
			Status:           "ok",
			Timestamp:        time.Now(),
			HasData:          stateTracker.HasData(),
			Events:           total,
			UnresolvedEvents: unresolved,
		}
		if res := stateTracker.Result(); res != nil {
			status.Polygons = len(res.Polygons)
			taken := res.Taken
			status.LastRefresh = &taken
		}
		writeJSON(w, http.StatusOK, status)
	}).Methods("GET")

	router.HandleFunc("/polygons", func(w http.ResponseWriter, r *http.Request) {
		writeFeatureCollectionResponse(w, outage.PolygonsToFeatureCollection(stateTracker.Polygons()))
	}).Methods("GET")

	router.HandleFunc("/cells", func(w http.ResponseWriter, r *http.Request) {
		var cells []outage.GridCell
		if res := stateTracker.Result(); res != nil {
			cells = res.Cells
		}
		writeFeatureCollectionResponse(w, outage.CellsToFeatureCollection(cells))
	}).Methods("GET")

	router.HandleFunc("/windows", func(w http.ResponseWriter, r *http.Request) {
		windows := []outage.TimeWindow{}
		if res := stateTracker.Result(); res != nil && res.Windows != nil {
			windows = res.Windows
		}
		writeJSON(w, http.StatusOK, struct {
			Windows []outage.TimeWindow `json:"windows"`
		}{windows})
	}).Methods("GET")

	router.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		res, applied := stateTracker.Refresh()
		writeJSON(w, http.StatusOK, struct {
			Applied  bool         `json:"applied"`
			Polygons int          `json:"polygons"`
			Retired  int          `json:"retired"`
			Stats    outage.Stats `json:"stats"`
		}{
			Applied:  applied,
			Polygons: len(res.Polygons),
			Retired:  len(res.Retired),
			Stats:    res.Stats,
		})
	}).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func writeFeatureCollectionResponse(w http.ResponseWriter, fc *geojson.FeatureCollection) {
	payload, err := fc.MarshalJSON()
	if err != nil {
		log.Printf("Error encoding GeoJSON: %v", err)
		http.Error(w, "Failed to encode GeoJSON", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", geoJSONContentType)
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(payload); err != nil {
		log.Printf("Error writing GeoJSON response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
