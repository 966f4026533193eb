package workflow

import (
	"sync"
	"time"
)

// escalation is a pending timeout for one instance. It only applies while the
// instance is still in state with the same history length.
type escalation struct {
	state      string
	sequence   int
	transition string
	deadline   time.Time
	timer      *time.Timer
}

// timerRegistry holds at most one escalation per instance. running counts
// escalations that are firing; it is only incremented under mu while the
// registry is open.
type timerRegistry struct {
	mu      sync.Mutex
	timers  map[string]*escalation
	closed  bool
	running sync.WaitGroup
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{timers: make(map[string]*escalation)}
}

// schedule replaces any escalation of instanceID. fire runs on its own
// goroutine once the deadline passes.
func (r *timerRegistry) schedule(instanceID string, esc *escalation, fire func(escalation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if prev, ok := r.timers[instanceID]; ok {
		prev.timer.Stop()
	}
	delay := time.Until(esc.deadline)
	if delay < 0 {
		delay = 0
	}
	esc.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		current, ok := r.timers[instanceID]
		if r.closed || !ok || current != esc {
			r.mu.Unlock()
			return
		}
		delete(r.timers, instanceID)
		r.running.Add(1)
		r.mu.Unlock()

		defer r.running.Done()
		fire(*esc)
	})
	r.timers[instanceID] = esc
}

// cancel stops the escalation of instanceID, if any.
func (r *timerRegistry) cancel(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if esc, ok := r.timers[instanceID]; ok {
		esc.timer.Stop()
		delete(r.timers, instanceID)
	}
}

// pending returns a copy of the escalation scheduled for instanceID.
func (r *timerRegistry) pending(instanceID string) (escalation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	esc, ok := r.timers[instanceID]
	if !ok {
		return escalation{}, false
	}
	return *esc, true
}

// stop cancels every escalation and waits for those already firing. Later
// schedules are ignored.
func (r *timerRegistry) stop() {
	r.mu.Lock()
	r.closed = true
	for id, esc := range r.timers {
		esc.timer.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()
	r.running.Wait()
}
