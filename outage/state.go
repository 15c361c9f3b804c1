package outage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ResultHandler is called after a pipeline result has been applied
type ResultHandler func(res *Result)

// StateTracker holds the latest reading per device, the event history and
// the most recent pipeline result. Refreshes run the pipeline on a copied
// snapshot outside the lock; when runs overlap, the run started last wins.
type StateTracker struct {
	mu       sync.RWMutex
	pipeline *Pipeline
	readings map[string]DeviceReading
	order    []string // device ids in first-seen order
	events   *EventLog
	result   *Result

	started uint64 // generation of the most recently started run
	applied uint64 // generation of the result currently held

	historyPath string // JSON lines audit file; empty disables persistence
	handlers    []ResultHandler
	notify      chan struct{}
	now         func() time.Time
}

// NewStateTracker creates a state tracker running the given pipeline
func NewStateTracker(p *Pipeline) *StateTracker {
	return &StateTracker{
		pipeline: p,
		readings: make(map[string]DeviceReading),
		events:   NewEventLog(),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

// NewStateTrackerWithHistory creates a state tracker that appends every
// applied result's polygons to historyPath. The file is write-only from the
// tracker's point of view; it is never read back into the pipeline.
func NewStateTrackerWithHistory(p *Pipeline, historyPath string) *StateTracker {
	st := NewStateTracker(p)
	st.historyPath = historyPath
	return st
}

// OnResult registers a handler invoked after each applied refresh
func (st *StateTracker) OnResult(h ResultHandler) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.handlers = append(st.handlers, h)
}

// UpdateReading stores a device reading. A reading older than the one
// already held for the device is ignored.
func (st *StateTracker) UpdateReading(r DeviceReading) {
	id := strings.TrimSpace(r.DeviceID)
	if id == "" {
		return
	}
	r.DeviceID = id

	st.mu.Lock()
	defer st.mu.Unlock()

	prev, ok := st.readings[id]
	if !ok {
		st.order = append(st.order, id)
	} else if r.LastStatusChange.Before(prev.LastStatusChange) {
		return
	}
	st.readings[id] = r
}

// UpdateReadings stores a batch of readings
func (st *StateTracker) UpdateReadings(rs []DeviceReading) {
	for _, r := range rs {
		st.UpdateReading(r)
	}
}

// RecordEvent appends a power event to the history. It returns false when
// the event was rejected as malformed or duplicate.
func (st *StateTracker) RecordEvent(e PowerEvent) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.events.Append(e)
}

// Snapshot returns a copy of the current readings and events
func (st *StateTracker) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked()
}

func (st *StateTracker) snapshotLocked() Snapshot {
	readings := make([]DeviceReading, 0, len(st.order))
	for _, id := range st.order {
		readings = append(readings, st.readings[id])
	}
	return Snapshot{
		Readings: readings,
		Events:   st.events.Events(),
		Taken:    st.now(),
	}
}

// HasData returns true if at least one reading has been stored
func (st *StateTracker) HasData() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.readings) > 0
}

// EventCounts returns the number of recorded and unresolved lost events
func (st *StateTracker) EventCounts() (total, unresolved int) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.events.Len(), st.events.Unresolved()
}

// ClearData drops all readings, events and the current result
func (st *StateTracker) ClearData() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.readings = make(map[string]DeviceReading)
	st.order = nil
	st.events.Clear()
	st.result = nil
	// Any run still in flight was started against the cleared data
	st.applied = st.started
}

// Result returns the latest applied result, or nil before the first refresh.
// The result is shared and must be treated as read-only.
func (st *StateTracker) Result() *Result {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.result
}

// Polygons returns a copy of the current outage polygons
func (st *StateTracker) Polygons() []OutagePolygon {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.result == nil {
		return []OutagePolygon{}
	}
	out := make([]OutagePolygon, len(st.result.Polygons))
	for i, p := range st.result.Polygons {
		out[i] = p.clone()
	}
	return out
}

// Refresh runs the pipeline over the current snapshot, using the current
// polygons as the previous cycle. The returned bool is false when a run
// started later has already been applied and this result was discarded.
func (st *StateTracker) Refresh() (*Result, bool) {
	st.mu.Lock()
	st.started++
	gen := st.started
	snap := st.snapshotLocked()
	var existing []OutagePolygon
	if st.result != nil {
		existing = st.result.Polygons
	}
	st.mu.Unlock()

	res := st.pipeline.Run(snap, existing)

	st.mu.Lock()
	if gen <= st.applied {
		st.mu.Unlock()
		RefreshesTotal.WithLabelValues("superseded").Inc()
		log.Printf("[REFRESH] discarded stale run %d (applied %d)", gen, st.applied)
		return res, false
	}
	st.applied = gen
	st.result = res
	handlers := append([]ResultHandler(nil), st.handlers...)
	historyPath := st.historyPath
	st.mu.Unlock()

	RefreshesTotal.WithLabelValues("applied").Inc()
	observeResult(res)
	log.Printf("[REFRESH] run %d: %d/%d readings valid, %d offline, %d clusters (%d below floor), %d polygons, %d retired, %d cells, %d windows in %v",
		gen, res.Stats.ValidReadings, res.Stats.InputReadings, res.Stats.OfflineDevices,
		res.Stats.Clusters, res.Stats.SuppressedClusters, len(res.Polygons), len(res.Retired),
		len(res.Cells), len(res.Windows), res.Stats.Duration)

	if historyPath != "" {
		if err := AppendHistory(historyPath, res); err != nil {
			log.Printf("warning: failed to append polygon history: %v", err)
		}
	}
	for _, h := range handlers {
		h(res)
	}
	return res, true
}

// Notify requests a refresh from Run. Requests made while one is pending
// are coalesced.
func (st *StateTracker) Notify() {
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

// Run refreshes on every tick of interval and whenever Notify is called,
// until ctx is cancelled.
func (st *StateTracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Refresh()
		case <-st.notify:
			st.Refresh()
		}
	}
}

// historyRecord is one line of the polygon history file
type historyRecord struct {
	Taken    time.Time       `json:"taken"`
	Polygons []OutagePolygon `json:"polygons"`
	Retired  []string        `json:"retired"`
	Stats    Stats           `json:"stats"`
}

// AppendHistory appends the polygons of res as one JSON line to path
func AppendHistory(path string, res *Result) error {
	line, err := json.Marshal(historyRecord{
		Taken:    res.Taken,
		Polygons: res.Polygons,
		Retired:  res.Retired,
		Stats:    res.Stats,
	})
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write history record: %w", err)
	}
	return nil
}
