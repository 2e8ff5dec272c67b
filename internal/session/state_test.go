package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/authvault/backend/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(NewMemoryStore(), 15*time.Minute)
	current := time.Now()
	m.now = func() time.Time { return current }
	return m, &current
}

func TestManager_RequireThenChallenge(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	userID := uuid.New()

	if err := m.Require(ctx, "flow-1", userID); err != nil {
		t.Fatalf("require: %v", err)
	}

	flow, err := m.Challenge(ctx, "flow-1", models.MFAMethodTOTP, "")
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if flow.State != StateChallenged {
		t.Fatalf("expected challenged, got %s", flow.State)
	}
	if flow.Attempts != 0 {
		t.Fatalf("challenge must reset attempts, got %d", flow.Attempts)
	}
	if flow.UserID != userID {
		t.Fatal("flow lost its user binding")
	}
}

func TestManager_ChallengeWithoutFlow(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Challenge(context.Background(), "missing", models.MFAMethodTOTP, "")
	if !errors.Is(err, ErrNoFlow) {
		t.Fatalf("expected ErrNoFlow, got %v", err)
	}
}

func TestManager_LockoutAfterMaxAttempts(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_ = m.Require(ctx, "flow-1", uuid.New())
	_, _ = m.Challenge(ctx, "flow-1", models.MFAMethodTOTP, "")

	for i := 0; i < 2; i++ {
		flow, err := m.RecordFailure(ctx, "flow-1", 3, 30*time.Minute)
		if err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
		if flow.State != StateChallenged {
			t.Fatalf("expected still challenged after %d failures, got %s", i+1, flow.State)
		}
	}

	flow, err := m.RecordFailure(ctx, "flow-1", 3, 30*time.Minute)
	if err != nil {
		t.Fatalf("third failure: %v", err)
	}
	if flow.State != StateLocked {
		t.Fatalf("expected locked after three failures, got %s", flow.State)
	}
	if !m.Locked(flow) {
		t.Fatal("expected Locked to report true inside the lockout window")
	}

	// Re-challenge during lockout must be refused.
	if _, err := m.Challenge(ctx, "flow-1", models.MFAMethodTOTP, ""); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestManager_RechallengeKeepsAttempts(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_ = m.Require(ctx, "flow-1", uuid.New())
	_, _ = m.Challenge(ctx, "flow-1", models.MFAMethodTOTP, "")

	for i := 0; i < 2; i++ {
		if _, err := m.RecordFailure(ctx, "flow-1", 3, 30*time.Minute); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}

	// Switching methods mid-flow must not refresh the budget.
	flow, err := m.Challenge(ctx, "flow-1", models.MFAMethodSMS, "123456")
	if err != nil {
		t.Fatalf("re-challenge: %v", err)
	}
	if flow.Attempts != 2 {
		t.Fatalf("expected attempts to survive the re-challenge, got %d", flow.Attempts)
	}

	flow, err = m.RecordFailure(ctx, "flow-1", 3, 30*time.Minute)
	if err != nil {
		t.Fatalf("third failure: %v", err)
	}
	if flow.State != StateLocked {
		t.Fatalf("expected locked on the third failure, got %s", flow.State)
	}
}

func TestManager_RechallengeAfterLockoutExpiry(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_ = m.Require(ctx, "flow-1", uuid.New())
	_, _ = m.Challenge(ctx, "flow-1", models.MFAMethodTOTP, "")
	_, _ = m.RecordFailure(ctx, "flow-1", 1, 30*time.Minute)

	*clock = clock.Add(31 * time.Minute)

	flow, err := m.Challenge(ctx, "flow-1", models.MFAMethodSMS, "123456")
	if err != nil {
		t.Fatalf("re-challenge after lockout expiry: %v", err)
	}
	if flow.State != StateChallenged || flow.Attempts != 0 {
		t.Fatalf("expected fresh challenge, got state=%s attempts=%d", flow.State, flow.Attempts)
	}
}

func TestManager_VerifiedExpiresByTime(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_ = m.Require(ctx, "flow-1", uuid.New())
	_, _ = m.Challenge(ctx, "flow-1", models.MFAMethodTOTP, "")
	flow, err := m.RecordSuccess(ctx, "flow-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if !flow.Verified(flow.VerifiedAt.Add(30*time.Minute), time.Hour) {
		t.Fatal("expected verified inside the session timeout")
	}
	if flow.Verified(flow.VerifiedAt.Add(2*time.Hour), time.Hour) {
		t.Fatal("expected verification to read as expired after the timeout")
	}
}

func TestManager_SuccessRequiresChallenge(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_ = m.Require(ctx, "flow-1", uuid.New())
	if _, err := m.RecordSuccess(ctx, "flow-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client)
	ctx := context.Background()
	userID := uuid.New()

	flow := &FlowState{State: StateChallenged, UserID: userID, Method: models.MFAMethodEmail, ChallengeCode: "482913"}
	if err := store.Set(ctx, "flow-1", flow, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := store.Get(ctx, "flow-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.State != StateChallenged || got.UserID != userID || got.ChallengeCode != "482913" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	mr.FastForward(2 * time.Minute)

	got, err = store.Get(ctx, "flow-1")
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if got != nil {
		t.Fatal("expected expired flow to be gone")
	}
}
