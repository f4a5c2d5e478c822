package pipeline

import (
	"sync"
)

// sessionLanes tracks the in-flight run of each session.
type sessionLanes struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func newSessionLanes() *sessionLanes {
	return &sessionLanes{runs: make(map[string]*Run)}
}

// claim makes r the session's in-flight run and returns the run it
// displaced, already cancelled.
func (l *sessionLanes) claim(r *Run) *Run {
	l.mu.Lock()
	prev := l.runs[r.SessionID]
	l.runs[r.SessionID] = r
	l.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	return prev
}

// release forgets r if it is still the session's in-flight run.
func (l *sessionLanes) release(r *Run) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runs[r.SessionID] == r {
		delete(l.runs, r.SessionID)
	}
}

// cancel stops the session's in-flight run, if any.
func (l *sessionLanes) cancel(sessionID string) *Run {
	l.mu.Lock()
	r := l.runs[sessionID]
	delete(l.runs, sessionID)
	l.mu.Unlock()

	if r != nil {
		r.Cancel()
	}
	return r
}

// cancelAll stops every in-flight run.
func (l *sessionLanes) cancelAll() {
	l.mu.Lock()
	runs := l.runs
	l.runs = make(map[string]*Run)
	l.mu.Unlock()

	for _, r := range runs {
		r.Cancel()
	}
}

func (l *sessionLanes) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}
