package outage

import "strings"

// EventLog is the append-only history of power events. Events are only ever
// mutated to attach the resolution time of a matching restore. EventLog is
// not safe for concurrent use; StateTracker guards it.
type EventLog struct {
	events []PowerEvent
	ids    map[string]struct{}
	// open holds, per device, the indices of lost events still unresolved
	open map[string][]int
}

// NewEventLog creates an empty event log
func NewEventLog() *EventLog {
	return &EventLog{
		ids:  make(map[string]struct{}),
		open: make(map[string][]int),
	}
}

// Append records e. It returns false for events without a device or
// timestamp and for event ids already recorded.
//
// A restored event resolves the most recent unresolved lost event of the
// same device that happened at or before it.
func (l *EventLog) Append(e PowerEvent) bool {
	e.DeviceID = strings.TrimSpace(e.DeviceID)
	if e.DeviceID == "" || e.Timestamp.IsZero() {
		return false
	}
	if e.ID != "" {
		if _, dup := l.ids[e.ID]; dup {
			return false
		}
		l.ids[e.ID] = struct{}{}
	}
	e.CorrelationIDs = append([]string(nil), e.CorrelationIDs...)

	switch e.Kind {
	case EventLost:
		if e.ResolvedAt == nil {
			l.open[e.DeviceID] = append(l.open[e.DeviceID], len(l.events))
		}
	case EventRestored:
		l.resolve(e)
	}

	l.events = append(l.events, e)
	return true
}

func (l *EventLog) resolve(restored PowerEvent) {
	open := l.open[restored.DeviceID]
	for k := len(open) - 1; k >= 0; k-- {
		lost := &l.events[open[k]]
		if lost.Timestamp.After(restored.Timestamp) {
			continue
		}
		at := restored.Timestamp
		lost.ResolvedAt = &at
		l.open[restored.DeviceID] = append(open[:k:k], open[k+1:]...)
		if len(l.open[restored.DeviceID]) == 0 {
			delete(l.open, restored.DeviceID)
		}
		return
	}
}

// Events returns a deep copy of the recorded events in arrival order
func (l *EventLog) Events() []PowerEvent {
	out := make([]PowerEvent, len(l.events))
	for i, e := range l.events {
		if e.ResolvedAt != nil {
			at := *e.ResolvedAt
			e.ResolvedAt = &at
		}
		e.CorrelationIDs = append([]string(nil), e.CorrelationIDs...)
		out[i] = e
	}
	return out
}

// Len returns the number of recorded events
func (l *EventLog) Len() int {
	return len(l.events)
}

// Unresolved returns the number of lost events without a matching restore
func (l *EventLog) Unresolved() int {
	n := 0
	for _, idx := range l.open {
		n += len(idx)
	}
	return n
}

// Clear drops all recorded events
func (l *EventLog) Clear() {
	l.events = nil
	l.ids = make(map[string]struct{})
	l.open = make(map[string][]int)
}
