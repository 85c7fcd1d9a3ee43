package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are organized by workflow instance for efficient retrieval and
// filtering. Intended for tests, debugging, and post-execution analysis.
//
// Warning: all events are held in memory. For long-running workers with
// high event volume, prefer LogEmitter or OTelEmitter.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	engine := flow.New(st, flow.WithEmitter(emitter))
//
//	// ... run workflows ...
//
//	events := emitter.History("inst-001")
//	retries := emitter.HistoryWithFilter("inst-001", emit.HistoryFilter{Category: emit.CategoryRetry})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // instanceID -> events
	all    []Event            // events with no instance reference
}

// HistoryFilter specifies criteria for filtering captured events.
//
// All fields are optional; set fields combine with AND logic.
type HistoryFilter struct {
	Category Category // Filter by category (empty = no filter)
	Level    Level    // Filter by level (empty = no filter)
	TaskID   string   // Filter by task (empty = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event (implements Emitter).
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event.InstanceID == "" {
		b.all = append(b.all, event)
		return
	}
	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// History returns all captured events for an instance in emission order.
func (b *BufferedEmitter) History(instanceID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[instanceID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the instance's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.events[instanceID] {
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// WorkerEvents returns captured events that carried no instance reference
// (worker lifecycle, claim-loop errors).
func (b *BufferedEmitter) WorkerEvents() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.all))
	copy(out, b.all)
	return out
}

// Clear removes captured events for an instance, or every event when
// instanceID is empty.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if instanceID == "" {
		b.events = make(map[string][]Event)
		b.all = nil
		return
	}
	delete(b.events, instanceID)
}
