package connectkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultStateTTL bounds how long an issued state stays consumable.
const DefaultStateTTL = 10 * time.Minute

// ConsumeResult is what a successful consumption reveals about the state.
type ConsumeResult struct {
	PrincipalID *string
}

// StateTokenManager issues, binds, and consumes one-time OAuth state tokens.
type StateTokenManager struct {
	store        StateStore
	principals   PrincipalStore
	clock        Clock
	logger       *zap.Logger
	metrics      MetricsRecorder
	randomSource io.Reader
	defaultTTL   time.Duration
}

// StateTokenOption customises a StateTokenManager.
type StateTokenOption func(*StateTokenManager)

// WithStateClock overrides the clock.
func WithStateClock(clock Clock) StateTokenOption {
	return func(manager *StateTokenManager) {
		if clock != nil {
			manager.clock = clock
		}
	}
}

// WithStateLogger sets the logger.
func WithStateLogger(logger *zap.Logger) StateTokenOption {
	return func(manager *StateTokenManager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithStateMetrics sets the metrics recorder.
func WithStateMetrics(metrics MetricsRecorder) StateTokenOption {
	return func(manager *StateTokenManager) {
		if metrics != nil {
			manager.metrics = metrics
		}
	}
}

// WithStateRandomSource replaces the entropy source for state values.
func WithStateRandomSource(source io.Reader) StateTokenOption {
	return func(manager *StateTokenManager) {
		if source != nil {
			manager.randomSource = source
		}
	}
}

// WithStatePrincipals rejects issuing or binding states for principals missing from principals.
func WithStatePrincipals(principals PrincipalStore) StateTokenOption {
	return func(manager *StateTokenManager) {
		if principals != nil {
			manager.principals = principals
		}
	}
}

// WithDefaultStateTTL sets the lifetime used when Issue receives a non-positive ttl.
func WithDefaultStateTTL(ttl time.Duration) StateTokenOption {
	return func(manager *StateTokenManager) {
		if ttl > 0 {
			manager.defaultTTL = ttl
		}
	}
}

// NewStateTokenManager constructs a manager over store.
func NewStateTokenManager(store StateStore, options ...StateTokenOption) *StateTokenManager {
	manager := &StateTokenManager{
		store:        store,
		clock:        NewSystemClock(),
		logger:       zap.NewNop(),
		metrics:      noopMetrics{},
		randomSource: stateValueRandomSource,
		defaultTTL:   DefaultStateTTL,
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager
}

// Issue creates a state valid for ttl, optionally pre-bound to principalID.
func (manager *StateTokenManager) Issue(ctx context.Context, principalID *string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = manager.defaultTTL
	}
	var boundPrincipal *string
	if principalID != nil {
		boundPrincipal = optionalString(strings.TrimSpace(*principalID))
	}
	if boundPrincipal != nil {
		if err := requirePrincipal(ctx, manager.principals, *boundPrincipal); err != nil {
			return "", fmt.Errorf("state_tokens.issue: %w", err)
		}
	}
	stateValue, err := generateStateValue(manager.randomSource)
	if err != nil {
		return "", err
	}
	issuedAt := manager.clock.Now()
	createErr := manager.store.CreateState(ctx, OAuthState{
		State:       stateValue,
		CreatedAt:   issuedAt,
		ExpiresAt:   issuedAt.Add(ttl),
		PrincipalID: boundPrincipal,
	})
	if createErr != nil {
		manager.logger.Error("state issue failed", zap.String("code", "state_tokens.issue_failed"), zap.Error(createErr))
		return "", createErr
	}
	manager.metrics.Increment(MetricStateIssued)
	return stateValue, nil
}

// Consume redeems a state exactly once. Among concurrent callers presenting the same value,
// at most one succeeds; the rest observe ErrAlreadyConsumed, ErrExpired, or ErrNotFound.
func (manager *StateTokenManager) Consume(ctx context.Context, stateValue string) (ConsumeResult, error) {
	if strings.TrimSpace(stateValue) == "" {
		manager.metrics.Increment(MetricStateRejected)
		return ConsumeResult{}, fmt.Errorf("state_tokens.consume: %w", ErrEmptyIdentifier)
	}
	consumed, err := manager.store.ConsumeState(ctx, stateValue, manager.clock.Now())
	if err != nil {
		if IsAuthorizationFailure(err) {
			manager.metrics.Increment(MetricStateRejected)
			manager.logger.Info("state rejected", zap.String("code", "state_tokens.rejected"), zap.String("reason", rejectionReason(err)))
		} else {
			manager.logger.Error("state consume failed", zap.String("code", "state_tokens.consume_failed"), zap.Error(err))
		}
		return ConsumeResult{}, err
	}
	manager.metrics.Increment(MetricStateConsumed)
	return ConsumeResult{PrincipalID: consumed.PrincipalID}, nil
}

// BindPrincipal attaches principalID to a state that is still issued.
func (manager *StateTokenManager) BindPrincipal(ctx context.Context, stateValue string, principalID string) error {
	if strings.TrimSpace(stateValue) == "" || strings.TrimSpace(principalID) == "" {
		return fmt.Errorf("state_tokens.bind: %w", ErrEmptyIdentifier)
	}
	if err := requirePrincipal(ctx, manager.principals, strings.TrimSpace(principalID)); err != nil {
		return fmt.Errorf("state_tokens.bind: %w", err)
	}
	if err := manager.store.BindStatePrincipal(ctx, stateValue, strings.TrimSpace(principalID), manager.clock.Now()); err != nil {
		return err
	}
	manager.metrics.Increment(MetricStateBound)
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "invalid"
	}
}
