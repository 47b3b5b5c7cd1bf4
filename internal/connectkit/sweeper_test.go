package connectkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failingStateStore struct {
	StateStore
	err error
}

func (store failingStateStore) DeleteExpiredStates(context.Context, time.Time) (int64, error) {
	return 0, store.err
}

func TestExpirySweeperRemovesOnlyExpiredStates(t *testing.T) {
	t.Parallel()

	for _, backend := range stateBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			store := backend.build(t)
			ctx := context.Background()
			sweepAt := testEpoch.Add(time.Hour)

			for stateValue, expiresAt := range map[string]time.Time{
				"minus-one": sweepAt.Add(-time.Minute),
				"plus-one":  sweepAt.Add(time.Minute),
				"plus-five": sweepAt.Add(5 * time.Minute),
			} {
				if err := store.CreateState(ctx, OAuthState{State: stateValue, CreatedAt: testEpoch, ExpiresAt: expiresAt}); err != nil {
					t.Fatalf("create %s failed: %v", stateValue, err)
				}
			}

			metrics := NewCounterMetrics()
			sweeper := NewExpirySweeper(store, WithSweeperClock(newControllableClock(sweepAt)), WithSweeperMetrics(metrics))
			report, err := sweeper.RunOnce(ctx)
			if err != nil {
				t.Fatalf("sweep failed: %v", err)
			}
			if report.StatesRemoved != 1 {
				t.Fatalf("expected 1 removed state, got %d", report.StatesRemoved)
			}
			if report.ConnectionsRevoked != 0 {
				t.Fatalf("expected stale policy to be disabled, got %d", report.ConnectionsRevoked)
			}
			if metrics.Count(MetricStatesSwept) != 1 {
				t.Fatalf("expected swept metric of 1, got %d", metrics.Count(MetricStatesSwept))
			}

			again, err := sweeper.RunOnce(ctx)
			if err != nil || again.StatesRemoved != 0 {
				t.Fatalf("expected idempotent second sweep, got %+v (%v)", again, err)
			}
		})
	}
}

func TestExpirySweeperRevokesStaleConnections(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	for _, write := range []ConnectionWrite{
		{ID: "stale", PrincipalID: "p-1", WorkspaceID: "ws-1", AccessTokenCiphertext: []byte("a"), ExpiresAt: timePointer(testEpoch.Add(-2 * time.Hour))},
		{ID: "fresh", PrincipalID: "p-1", WorkspaceID: "ws-2", AccessTokenCiphertext: []byte("a"), ExpiresAt: timePointer(testEpoch.Add(-time.Minute))},
	} {
		if _, err := store.UpsertConnection(ctx, write, testEpoch.Add(-3*time.Hour)); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	sweeper := NewExpirySweeper(store,
		WithSweeperClock(newControllableClock(testEpoch)),
		WithStaleConnections(store, time.Hour),
	)
	report, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.ConnectionsRevoked != 1 {
		t.Fatalf("expected 1 revoked connection, got %d", report.ConnectionsRevoked)
	}
	stale, err := store.GetConnectionByID(ctx, "stale")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stale.RevokedAt == nil || !stale.RevokedAt.Equal(testEpoch) {
		t.Fatalf("expected revocation at sweep time, got %v", stale.RevokedAt)
	}
}

func TestExpirySweeperContinuesAfterStateFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	metrics := NewCounterMetrics()
	memory := NewMemoryStore()
	sweepErr := errors.New("database unavailable")
	if _, err := memory.UpsertConnection(context.Background(), ConnectionWrite{
		ID: "stale", PrincipalID: "p-1", WorkspaceID: "ws-1", AccessTokenCiphertext: []byte("a"), ExpiresAt: timePointer(testEpoch.Add(-48 * time.Hour)),
	}, testEpoch.Add(-72*time.Hour)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	sweeper := NewExpirySweeper(failingStateStore{StateStore: memory, err: sweepErr},
		WithSweeperClock(newControllableClock(testEpoch)),
		WithSweeperLogger(zap.New(core)),
		WithSweeperMetrics(metrics),
		WithStaleConnections(memory, 24*time.Hour),
	)
	report, err := sweeper.RunOnce(context.Background())
	if !errors.Is(err, sweepErr) {
		t.Fatalf("expected state sweep error, got %v", err)
	}
	if report.ConnectionsRevoked != 1 {
		t.Fatalf("expected connection sweep to still run, got %+v", report)
	}
	if metrics.Count(MetricSweepFailed) != 1 {
		t.Fatalf("expected one failure metric, got %d", metrics.Count(MetricSweepFailed))
	}
	entries := logs.FilterField(zap.String("code", "sweeper.states.failed")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged state sweep failure, got %d", len(entries))
	}
}

func TestExpirySweeperRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if err := store.CreateState(context.Background(), OAuthState{State: "old", CreatedAt: testEpoch, ExpiresAt: testEpoch}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	metrics := NewCounterMetrics()
	sweeper := NewExpirySweeper(store,
		WithSweepInterval(5*time.Millisecond),
		WithSweeperClock(newControllableClock(testEpoch.Add(time.Minute))),
		WithSweeperMetrics(metrics),
	)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(finished)
	}()

	deadline := time.After(2 * time.Second)
	for metrics.Count(MetricStatesSwept) == 0 {
		select {
		case <-deadline:
			t.Fatalf("sweeper never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop after cancellation")
	}
}
