// Package progress holds the in-memory per-session progress store and
// its subscriber registry. All mutation of one session's snapshot is
// serialized through that session's mutex, so concurrent query
// completions within a batch cannot lose appends to the array fields.
package progress

import (
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/prospectlabs/scout/internal/research"
)

// ErrUnknownSession is returned when the session id is not tracked.
var ErrUnknownSession = errors.New("progress: unknown session")

// Progress is the live snapshot of one research session.
type Progress struct {
	SessionID        string                       `json:"session_id"`
	Status           research.SessionStatus       `json:"status"`
	TotalQueries     int                          `json:"total_queries"`
	CompletedQueries int                          `json:"completed_queries"`
	FailedQueries    int                          `json:"failed_queries"`
	CurrentQuery     string                       `json:"current_query"`
	ActiveQueries    []string                     `json:"active_queries"`
	QuerySources     []research.QuerySourceInfo   `json:"query_sources"`
	Findings         []research.Finding           `json:"findings"`
	TotalCostUSD     float64                      `json:"total_cost_usd"`
	TotalTokens      int64                        `json:"total_tokens"`
	ErrorMessage     string                       `json:"error_message,omitempty"`
	StartedAt        time.Time                    `json:"started_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// Patch is a partial update merged atomically into a session snapshot.
// Array fields are expressed as operations rather than replacement
// values so two concurrent completions cannot overwrite each other.
type Patch struct {
	Status            *research.SessionStatus
	CurrentQuery      *string
	CompletedDelta    int
	FailedDelta       int
	AddActiveQuery    string
	RemoveActiveQuery string
	AppendQuerySource *research.QuerySourceInfo
	AppendFindings    []research.Finding
	AddCostUSD        float64
	AddTokens         int64
	ErrorMessage      *string
}

// SubscriptionID identifies one registered listener on one session.
type SubscriptionID uint64

// Listener receives every merged snapshot for a subscribed session.
type Listener func(Progress)

type entry struct {
	mu        sync.Mutex
	snapshot  Progress
	nextSub   SubscriptionID
	order     []SubscriptionID
	listeners map[SubscriptionID]Listener
}

// Tracker is the process-wide keyed progress store. Construct one and
// inject it; there is no package-level instance.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logger   *log.Logger
}

// NewTracker builds an empty tracker.
func NewTracker(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stdout, "[PROGRESS] ", log.LstdFlags)
	}
	return &Tracker{
		sessions: make(map[string]*entry),
		logger:   logger,
	}
}

// StartTracking registers a fresh pending snapshot for the session.
// Tracking an already-tracked id resets it.
func (t *Tracker) StartTracking(sessionID string, totalQueries int) Progress {
	now := time.Now()
	e := &entry{
		snapshot: Progress{
			SessionID:    sessionID,
			Status:       research.StatusPending,
			TotalQueries: totalQueries,
			StartedAt:    now,
			UpdatedAt:    now,
		},
		nextSub:   1,
		listeners: make(map[SubscriptionID]Listener),
	}
	t.mu.Lock()
	t.sessions[sessionID] = e
	t.mu.Unlock()
	return e.snapshot
}

// Update merges the patch into the session snapshot and synchronously
// invokes every registered listener, in registration order, with a copy
// of the merged snapshot. Listener panics are logged and contained.
func (t *Tracker) Update(sessionID string, p Patch) error {
	e := t.lookup(sessionID)
	if e == nil {
		return ErrUnknownSession
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.snapshot
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.CurrentQuery != nil {
		s.CurrentQuery = *p.CurrentQuery
	}
	s.CompletedQueries += p.CompletedDelta
	s.FailedQueries += p.FailedDelta
	if s.CompletedQueries+s.FailedQueries > s.TotalQueries {
		t.logger.Printf("session %s: completed(%d)+failed(%d) exceeds total(%d), clamping",
			sessionID, s.CompletedQueries, s.FailedQueries, s.TotalQueries)
		over := s.CompletedQueries + s.FailedQueries - s.TotalQueries
		s.FailedQueries -= over
	}
	if p.AddActiveQuery != "" {
		s.ActiveQueries = append(s.ActiveQueries, p.AddActiveQuery)
	}
	if p.RemoveActiveQuery != "" {
		for i, q := range s.ActiveQueries {
			if q == p.RemoveActiveQuery {
				s.ActiveQueries = append(s.ActiveQueries[:i], s.ActiveQueries[i+1:]...)
				break
			}
		}
	}
	if p.AppendQuerySource != nil {
		s.QuerySources = append(s.QuerySources, *p.AppendQuerySource)
	}
	if len(p.AppendFindings) > 0 {
		s.Findings = append(s.Findings, p.AppendFindings...)
	}
	s.TotalCostUSD += p.AddCostUSD
	s.TotalTokens += p.AddTokens
	if p.ErrorMessage != nil {
		s.ErrorMessage = *p.ErrorMessage
	}
	s.UpdatedAt = time.Now()

	// Notify while still holding the entry lock so listeners observe
	// updates strictly in production order.
	snapshot := cloneProgress(*s)
	for _, id := range e.order {
		fn, ok := e.listeners[id]
		if !ok {
			continue
		}
		t.invoke(sessionID, fn, snapshot)
	}
	return nil
}

func (t *Tracker) invoke(sessionID string, fn Listener, snapshot Progress) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Printf("session %s: progress listener panicked: %v", sessionID, r)
		}
	}()
	fn(snapshot)
}

// Get returns a copy of the current snapshot.
func (t *Tracker) Get(sessionID string) (Progress, bool) {
	e := t.lookup(sessionID)
	if e == nil {
		return Progress{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneProgress(e.snapshot), true
}

// Subscribe registers a listener for the session's future updates.
func (t *Tracker) Subscribe(sessionID string, fn Listener) (SubscriptionID, error) {
	e := t.lookup(sessionID)
	if e == nil {
		return 0, ErrUnknownSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.listeners[id] = fn
	e.order = append(e.order, id)
	return id, nil
}

// Unsubscribe removes a previously registered listener. Unknown ids
// are a no-op.
func (t *Tracker) Unsubscribe(sessionID string, id SubscriptionID) {
	e := t.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, id)
	for i, sub := range e.order {
		if sub == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Cleanup drops the snapshot and all listeners for the session. It must
// be called explicitly; the tracker never expires sessions on its own.
func (t *Tracker) Cleanup(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// Tracked returns the ids of all sessions currently in the store.
func (t *Tracker) Tracked() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) lookup(sessionID string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[sessionID]
}

func cloneProgress(p Progress) Progress {
	out := p
	if p.ActiveQueries != nil {
		out.ActiveQueries = append([]string(nil), p.ActiveQueries...)
	}
	if p.QuerySources != nil {
		out.QuerySources = append([]research.QuerySourceInfo(nil), p.QuerySources...)
	}
	if p.Findings != nil {
		out.Findings = append([]research.Finding(nil), p.Findings...)
	}
	return out
}
