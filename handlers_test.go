package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kwv/outagemesh/outage"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyTracker returns a StateTracker that has never refreshed
func emptyTracker(t *testing.T) *outage.StateTracker {
	t.Helper()
	p, err := outage.NewPipeline(outage.DefaultPipelineConfig())
	require.NoError(t, err)
	return outage.NewStateTracker(p)
}

// populatedTracker returns a StateTracker refreshed over testSnapshot
func populatedTracker(t *testing.T) *outage.StateTracker {
	t.Helper()
	st := emptyTracker(t)
	snap := testSnapshot()
	st.UpdateReadings(snap.Readings)
	st.RecordEvent(outage.PowerEvent{ID: "e1", DeviceID: "cbd-1", Timestamp: testTaken, Kind: outage.EventLost})
	_, applied := st.Refresh()
	require.True(t, applied)
	return st
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth_NoData(t *testing.T) {
	rec := serve(t, newHTTPServer(emptyTracker(t)), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["hasData"])
	assert.EqualValues(t, 0, body["polygons"])
	assert.NotContains(t, body, "lastRefresh")
}

func TestHealth_WithData(t *testing.T) {
	rec := serve(t, newHTTPServer(populatedTracker(t)), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["hasData"])
	assert.EqualValues(t, 2, body["polygons"])
	assert.EqualValues(t, 1, body["events"])
	assert.EqualValues(t, 1, body["unresolvedEvents"])
	assert.Contains(t, body, "lastRefresh")
}

func TestPolygons(t *testing.T) {
	t.Run("before first refresh", func(t *testing.T) {
		rec := serve(t, newHTTPServer(emptyTracker(t)), http.MethodGet, "/polygons")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, geoJSONContentType, rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, rec.Body.String())
	})

	t.Run("populated", func(t *testing.T) {
		rec := serve(t, newHTTPServer(populatedTracker(t)), http.MethodGet, "/polygons")
		require.Equal(t, http.StatusOK, rec.Code)

		fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
		require.NoError(t, err)
		assert.Len(t, fc.Features, 2)
		assert.NotContains(t, rec.Body.String(), "cbd-", "device ids must never be served")
	})
}

func TestCells(t *testing.T) {
	st := populatedTracker(t)
	rec := serve(t, newHTTPServer(st), http.MethodGet, "/cells")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, geoJSONContentType, rec.Header().Get("Content-Type"))

	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, fc.Features, len(st.Result().Cells))
	assert.NotEmpty(t, fc.Features)
	for _, f := range fc.Features {
		assert.GreaterOrEqual(t, f.Properties.MustInt("deviceCount"), outage.DefaultMinDevices)
	}
}

func TestWindows(t *testing.T) {
	rec := serve(t, newHTTPServer(emptyTracker(t)), http.MethodGet, "/windows")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"windows":[]}`, rec.Body.String())

	rec = serve(t, newHTTPServer(populatedTracker(t)), http.MethodGet, "/windows")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Windows []outage.TimeWindow `json:"windows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotNil(t, body.Windows)
}

func TestRefresh(t *testing.T) {
	st := emptyTracker(t)
	st.UpdateReadings(testSnapshot().Readings)
	h := newHTTPServer(st)

	rec := serve(t, h, http.MethodPost, "/refresh")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Applied  bool         `json:"applied"`
		Polygons int          `json:"polygons"`
		Stats    outage.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Applied)
	assert.Equal(t, 2, body.Polygons)
	assert.Equal(t, 14, body.Stats.ValidReadings)
	assert.Len(t, st.Polygons(), 2)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHTTPServer(emptyTracker(t))

	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, h, http.MethodGet, "/refresh").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, h, http.MethodPost, "/polygons").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/readings").Code)
}

func TestMetrics(t *testing.T) {
	h := newHTTPServer(populatedTracker(t))
	rec := serve(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "outagemesh_refreshes_total"), "refresh counter missing")
	assert.True(t, strings.Contains(body, "outagemesh_active_polygons"), "polygon gauge missing")
}
