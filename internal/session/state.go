// Package session tracks the MFA verification state of one login flow.
// The state machine is independent of any web framework: callers identify a
// flow by an opaque key (the challenge token's JTI) and state lives in a
// pluggable Store so multi-process deployments share it.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/authvault/backend/internal/models"
	"github.com/google/uuid"
)

type State string

const (
	StateNotRequired State = "not_required"
	StateRequired    State = "required"
	StateChallenged  State = "challenged"
	StateVerified    State = "verified"
	StateLocked      State = "locked"
)

var (
	ErrNoFlow            = errors.New("no MFA flow for this session")
	ErrInvalidTransition = errors.New("invalid MFA state transition")
	ErrLocked            = errors.New("MFA flow is locked")
)

// FlowState is the ephemeral per-login record. It is never persisted to the
// relational store; it lives in the session Store with a TTL.
type FlowState struct {
	State         State            `json:"state"`
	UserID        uuid.UUID        `json:"userID"`
	Method        models.MFAMethod `json:"method,omitempty"`
	ChallengeCode string           `json:"challengeCode,omitempty"`
	ChallengedAt  time.Time        `json:"challengedAt,omitzero"`
	VerifiedAt    time.Time        `json:"verifiedAt,omitzero"`
	Attempts      int              `json:"attempts"`
	LockedUntil   time.Time        `json:"lockedUntil,omitzero"`
}

// Verified reports whether the flow counts as verified at now. A verified
// flow expires by time alone; no stored transition is required.
func (f *FlowState) Verified(now time.Time, sessionTimeout time.Duration) bool {
	if f.State != StateVerified {
		return false
	}
	return now.Before(f.VerifiedAt.Add(sessionTimeout))
}

// Manager applies the state machine transitions on top of a Store.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Manager{store: store, ttl: ttl, now: time.Now}
}

func (m *Manager) Get(ctx context.Context, key string) (*FlowState, error) {
	return m.store.Get(ctx, key)
}

// Require starts a flow after the primary credential check succeeded and MFA
// was found mandatory for the user.
func (m *Manager) Require(ctx context.Context, key string, userID uuid.UUID) error {
	return m.store.Set(ctx, key, &FlowState{State: StateRequired, UserID: userID}, m.ttl)
}

// Challenge moves the flow to CHALLENGED for the chosen method. The attempt
// counter resets only when the flow enters from REQUIRED or VERIFIED, or
// after a lockout window has fully passed; re-challenging an already
// challenged flow keeps the count, so switching methods mid-flow never
// refreshes the budget.
func (m *Manager) Challenge(ctx context.Context, key string, method models.MFAMethod, code string) (*FlowState, error) {
	flow, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, ErrNoFlow
	}

	now := m.now()
	switch flow.State {
	case StateRequired, StateVerified:
		flow.Attempts = 0
	case StateChallenged:
	case StateLocked:
		if now.Before(flow.LockedUntil) {
			return nil, ErrLocked
		}
		flow.Attempts = 0
	default:
		return nil, ErrInvalidTransition
	}

	flow.State = StateChallenged
	flow.Method = method
	flow.ChallengeCode = code
	flow.ChallengedAt = now
	flow.LockedUntil = time.Time{}

	if err := m.store.Set(ctx, key, flow, m.ttl); err != nil {
		return nil, err
	}
	return flow, nil
}

// RecordSuccess moves CHALLENGED to VERIFIED and clears the challenge data.
func (m *Manager) RecordSuccess(ctx context.Context, key string) (*FlowState, error) {
	flow, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, ErrNoFlow
	}
	if flow.State != StateChallenged {
		return nil, ErrInvalidTransition
	}

	flow.State = StateVerified
	flow.VerifiedAt = m.now()
	flow.ChallengeCode = ""
	flow.Attempts = 0

	if err := m.store.Set(ctx, key, flow, m.ttl); err != nil {
		return nil, err
	}
	return flow, nil
}

// RecordFailure increments the attempt counter and, on reaching maxAttempts,
// moves the flow to LOCKED until now+lockout. It returns the updated flow.
func (m *Manager) RecordFailure(ctx context.Context, key string, maxAttempts int, lockout time.Duration) (*FlowState, error) {
	flow, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, ErrNoFlow
	}
	if flow.State != StateChallenged {
		return nil, ErrInvalidTransition
	}

	flow.Attempts++
	if flow.Attempts >= maxAttempts {
		flow.State = StateLocked
		flow.LockedUntil = m.now().Add(lockout)
		flow.ChallengeCode = ""
	}

	if err := m.store.Set(ctx, key, flow, m.ttl); err != nil {
		return nil, err
	}
	return flow, nil
}

// Locked reports whether the flow refuses verification attempts at now.
func (m *Manager) Locked(flow *FlowState) bool {
	if flow == nil || flow.State != StateLocked {
		return false
	}
	return m.now().Before(flow.LockedUntil)
}

func (m *Manager) Clear(ctx context.Context, key string) error {
	return m.store.Delete(ctx, key)
}
