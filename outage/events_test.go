package outage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLog_ResolvesLatestOpenLoss(t *testing.T) {
	log := NewEventLog()

	require.True(t, log.Append(lost("1", "a", baseTime)))
	require.True(t, log.Append(lost("2", "a", baseTime.Add(10*time.Minute))))
	require.True(t, log.Append(lost("3", "b", baseTime)))
	assert.Equal(t, 3, log.Unresolved())

	restoreAt := baseTime.Add(20 * time.Minute)
	require.True(t, log.Append(restored("4", "a", restoreAt)))

	events := log.Events()
	require.Len(t, events, 4)
	assert.Nil(t, events[0].ResolvedAt, "older loss stays open")
	require.NotNil(t, events[1].ResolvedAt)
	assert.True(t, events[1].ResolvedAt.Equal(restoreAt))
	assert.Nil(t, events[2].ResolvedAt, "other devices are untouched")
	assert.Equal(t, 2, log.Unresolved())
}

func TestEventLog_RestoreBeforeLossDoesNotResolve(t *testing.T) {
	log := NewEventLog()
	require.True(t, log.Append(lost("1", "a", baseTime.Add(time.Hour))))
	require.True(t, log.Append(restored("2", "a", baseTime)))

	events := log.Events()
	assert.Nil(t, events[0].ResolvedAt)
	assert.Equal(t, 1, log.Unresolved())
}

func TestEventLog_Rejects(t *testing.T) {
	log := NewEventLog()
	require.True(t, log.Append(lost("1", "a", baseTime)))

	tests := []struct {
		name  string
		event PowerEvent
	}{
		{"duplicate id", lost("1", "b", baseTime)},
		{"no device", lost("2", " ", baseTime)},
		{"no timestamp", lost("3", "a", time.Time{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, log.Append(tt.event))
		})
	}
	assert.Equal(t, 1, log.Len())
}

func TestEventLog_EventsIsCopy(t *testing.T) {
	log := NewEventLog()
	e := lost("1", "a", baseTime)
	e.CorrelationIDs = []string{"incident-7"}
	require.True(t, log.Append(e))
	require.True(t, log.Append(restored("2", "a", baseTime.Add(time.Minute))))

	e.CorrelationIDs[0] = "changed"
	events := log.Events()
	assert.Equal(t, "incident-7", events[0].CorrelationIDs[0])

	events[0].CorrelationIDs[0] = "mutated"
	*events[0].ResolvedAt = baseTime.Add(time.Hour)

	again := log.Events()
	assert.Equal(t, "incident-7", again[0].CorrelationIDs[0])
	assert.True(t, again[0].ResolvedAt.Equal(baseTime.Add(time.Minute)))
}

func TestEventLog_Clear(t *testing.T) {
	log := NewEventLog()
	require.True(t, log.Append(lost("1", "a", baseTime)))
	log.Clear()

	assert.Zero(t, log.Len())
	assert.Zero(t, log.Unresolved())
	// Ids are forgotten with the events
	assert.True(t, log.Append(lost("1", "a", baseTime)))
}
