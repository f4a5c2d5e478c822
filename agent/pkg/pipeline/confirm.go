package pipeline

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Decision is the caller's answer to a destructive_confirmation event.
type Decision string

const (
	DecisionConfirm Decision = "CONFIRM"
	DecisionCancel  Decision = "CANCEL"
)

// ParseDecision normalizes a confirmation reply. Anything other than
// CONFIRM or CANCEL is rejected.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToUpper(strings.TrimSpace(s))); d {
	case DecisionConfirm, DecisionCancel:
		return d, nil
	}
	return "", errors.New("confirmation must be CONFIRM or CANCEL")
}

// pendingConfirmation is a destructive statement parked until its session
// confirms or cancels it.
type pendingConfirmation struct {
	Token     string
	SessionID string
	SchemaID  string
	Statement string
	Operation string
	Question  string
	ExpiresAt time.Time

	// live is false while the run that produced the record has not been
	// drained by its consumer.
	live bool
}

var (
	errNoPending         = errors.New("no pending confirmation for session")
	errConfirmExpired    = errors.New("pending confirmation expired")
	errTokenMismatch     = errors.New("confirmation id does not match the pending confirmation")
	errStatementMismatch = errors.New("statement does not match the pending confirmation")
	errSchemaMismatch    = errors.New("pending confirmation belongs to a different database")
)

// confirmRegistry holds at most one pending confirmation per session.
// Every transition happens under mu so a record is consumed at most once.
type confirmRegistry struct {
	mu    sync.Mutex
	clock clockwork.Clock
	ttl   time.Duration

	pending map[string]*pendingConfirmation

	// tombstones maps tokens discarded by a cancellation to their expiry.
	tombstones map[string]time.Time
}

func newConfirmRegistry(clock clockwork.Clock, ttl time.Duration) *confirmRegistry {
	return &confirmRegistry{
		clock:      clock,
		ttl:        ttl,
		pending:    make(map[string]*pendingConfirmation),
		tombstones: make(map[string]time.Time),
	}
}

// park stores a provisional confirmation for the session, replacing any
// older one, and returns its token.
func (r *confirmRegistry) park(p pendingConfirmation) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	p.Token = uuid.NewString()
	p.Statement = strings.TrimSpace(p.Statement)
	p.ExpiresAt = r.clock.Now().Add(r.ttl)
	p.live = false
	r.pending[p.SessionID] = &p
	return p.Token
}

// activate makes a provisional confirmation consumable.
func (r *confirmRegistry) activate(sessionID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[sessionID]
	if !ok || p.Token != token {
		return false
	}
	p.live = true
	return true
}

// discard drops the session's confirmation if it still carries token.
func (r *confirmRegistry) discard(sessionID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[sessionID]
	if !ok || p.Token != token {
		return false
	}
	r.dropLocked(p)
	return true
}

// reset drops whatever confirmation the session holds.
func (r *confirmRegistry) reset(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[sessionID]
	if !ok {
		return false
	}
	r.dropLocked(p)
	return true
}

// consume removes and returns the session's live confirmation when both the
// token and the statement text match. A mismatched reply leaves the record in
// place. An empty schemaID matches any database.
func (r *confirmRegistry) consume(sessionID, schemaID, token, statement string) (*pendingConfirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneTombstonesLocked()

	p, ok := r.pending[sessionID]
	if !ok || !p.live {
		if _, dropped := r.tombstones[token]; dropped {
			return nil, staleError(ErrCancellationRace)
		}
		return nil, staleError(errNoPending)
	}
	if !r.clock.Now().Before(p.ExpiresAt) {
		delete(r.pending, sessionID)
		return nil, staleError(errConfirmExpired)
	}
	if p.Token != token {
		return nil, staleError(errTokenMismatch)
	}
	if schemaID != "" && p.SchemaID != schemaID {
		return nil, staleError(errSchemaMismatch)
	}
	if p.Statement != strings.TrimSpace(statement) {
		return nil, staleError(errStatementMismatch)
	}

	delete(r.pending, sessionID)
	return p, nil
}

func (r *confirmRegistry) dropLocked(p *pendingConfirmation) {
	delete(r.pending, p.SessionID)
	r.tombstones[p.Token] = r.clock.Now().Add(r.ttl)
}

func (r *confirmRegistry) pruneLocked() {
	r.pruneTombstonesLocked()
	now := r.clock.Now()
	for session, p := range r.pending {
		if !now.Before(p.ExpiresAt) {
			delete(r.pending, session)
		}
	}
}

func (r *confirmRegistry) pruneTombstonesLocked() {
	now := r.clock.Now()
	for token, expires := range r.tombstones {
		if !now.Before(expires) {
			delete(r.tombstones, token)
		}
	}
}

func staleError(err error) *StageError {
	return &StageError{Stage: "confirmation", Kind: ErrStaleConfirmation, Err: err}
}
