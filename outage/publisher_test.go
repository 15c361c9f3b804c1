package outage

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisher(t *testing.T) {
	publisher := NewPublisher(nil, "")
	if publisher == nil {
		t.Fatal("NewPublisher() returned nil")
	}

	if publisher.Prefix() != DefaultPublishPrefix {
		t.Errorf("Default prefix = %s, want %s", publisher.Prefix(), DefaultPublishPrefix)
	}
	if publisher.qos != 0 {
		t.Errorf("Default QoS = %d, want 0", publisher.qos)
	}
	if !publisher.retain {
		t.Error("Default retain should be true")
	}

	if got := NewPublisher(nil, "grid").Prefix(); got != "grid" {
		t.Errorf("Prefix = %s, want grid", got)
	}
}

func TestPublisher_SetQoS(t *testing.T) {
	publisher := NewPublisher(nil, "")

	publisher.SetQoS(2)
	if publisher.qos != 2 {
		t.Errorf("QoS = %d, want 2", publisher.qos)
	}
	publisher.SetQoS(3)
	if publisher.qos != 2 {
		t.Errorf("Invalid QoS should be ignored, got %d", publisher.qos)
	}

	publisher.SetRetain(false)
	if publisher.retain {
		t.Error("Retain should be false after SetRetain(false)")
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	res := &Result{}

	err := NewPublisher(nil, "").PublishResult(res)
	assert.Error(t, err)

	mock := NewMockClient()
	err = NewPublisher(mock, "").PublishResult(res)
	assert.Error(t, err)
	assert.Empty(t, mock.GetPublishedMessages())
}

func TestPublisher_PublishResult(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	p := newTestPipeline(t, DefaultPipelineConfig())
	snap := wellingtonSnapshot(StateOffline, baseTime)
	snap.Events = []PowerEvent{
		lost("1", "cbd-1", baseTime),
		lost("2", "cbd-2", baseTime),
		lost("3", "cbd-3", baseTime),
	}
	res := p.Run(snap, nil)

	publisher := NewPublisher(mock, "grid")
	require.NoError(t, publisher.PublishResult(res))

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.True(t, m.Retain, "%s should be retained", m.Topic)
		assert.Equal(t, byte(0), m.QoS)
		assert.True(t, strings.HasPrefix(m.Topic, "grid/"))
		assert.NotContains(t, string(m.Payload), "cbd-", "device ids must never be published")
	}

	polygons, ok := mock.LastPublished("grid/polygons")
	require.True(t, ok)
	fc, err := geojson.UnmarshalFeatureCollection(polygons.Payload)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 2)

	cells, ok := mock.LastPublished("grid/cells")
	require.True(t, ok)
	fc, err = geojson.UnmarshalFeatureCollection(cells.Payload)
	require.NoError(t, err)
	assert.Len(t, fc.Features, len(res.Cells))

	windows, ok := mock.LastPublished("grid/windows")
	require.True(t, ok)
	var msg windowsMessage
	require.NoError(t, json.Unmarshal(windows.Payload, &msg))
	require.Len(t, msg.Windows, 1)
	assert.Equal(t, 3, msg.Windows[0].Lost)
	assert.Equal(t, baseTime.Unix(), msg.Timestamp)
}

func TestPublisher_EmptyResultClearsRetained(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	publisher := NewPublisher(mock, "")
	res := newTestPipeline(t, DefaultPipelineConfig()).Run(Snapshot{Taken: baseTime}, nil)
	require.NoError(t, publisher.PublishResult(res))

	polygons, ok := mock.LastPublished(DefaultPublishPrefix + "/polygons")
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(polygons.Payload))

	windows, ok := mock.LastPublished(DefaultPublishPrefix + "/windows")
	require.True(t, ok)
	assert.Contains(t, string(windows.Payload), `"windows":[]`)
}

func TestPublisher_PublishError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishError(errors.New("broker full"))

	err := NewPublisher(mock, "").PublishResult(&Result{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), DefaultPublishPrefix+"/polygons")
	assert.Contains(t, err.Error(), "broker full")
}

func TestPublisher_HandlerOnTracker(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	st := newTestTracker(t)
	st.UpdateReadings(wellingtonSnapshot(StateOffline, baseTime).Readings)
	st.OnResult(NewPublisher(mock, "").Handler())

	_, applied := st.Refresh()
	require.True(t, applied)
	assert.Len(t, mock.GetPublishedMessages(), 3)

	// Failures are logged, not propagated
	mock.SetConnected(false)
	_, applied = st.Refresh()
	assert.True(t, applied)
	assert.Len(t, mock.GetPublishedMessages(), 3)
}
