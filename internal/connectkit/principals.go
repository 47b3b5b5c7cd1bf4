package connectkit

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// PrincipalDirectory maps upstream (issuer, subject) identities onto stable principal ids.
type PrincipalDirectory struct {
	store   PrincipalStore
	clock   Clock
	logger  *zap.Logger
	metrics MetricsRecorder
}

// PrincipalDirectoryOption customises a PrincipalDirectory.
type PrincipalDirectoryOption func(*PrincipalDirectory)

// WithPrincipalClock overrides the clock used for creation timestamps.
func WithPrincipalClock(clock Clock) PrincipalDirectoryOption {
	return func(directory *PrincipalDirectory) {
		if clock != nil {
			directory.clock = clock
		}
	}
}

// WithPrincipalLogger sets the logger.
func WithPrincipalLogger(logger *zap.Logger) PrincipalDirectoryOption {
	return func(directory *PrincipalDirectory) {
		if logger != nil {
			directory.logger = logger
		}
	}
}

// WithPrincipalMetrics sets the metrics recorder.
func WithPrincipalMetrics(metrics MetricsRecorder) PrincipalDirectoryOption {
	return func(directory *PrincipalDirectory) {
		if metrics != nil {
			directory.metrics = metrics
		}
	}
}

// NewPrincipalDirectory constructs a directory over store.
func NewPrincipalDirectory(store PrincipalStore, options ...PrincipalDirectoryOption) *PrincipalDirectory {
	directory := &PrincipalDirectory{
		store:   store,
		clock:   NewSystemClock(),
		logger:  zap.NewNop(),
		metrics: noopMetrics{},
	}
	for _, option := range options {
		if option != nil {
			option(directory)
		}
	}
	return directory
}

// ResolveOrCreate returns the principal for (issuer, subject), creating it on first sight.
// Concurrent callers with the same pair all receive the same id.
func (directory *PrincipalDirectory) ResolveOrCreate(ctx context.Context, issuer string, subject string) (Principal, error) {
	trimmedIssuer := strings.TrimSpace(issuer)
	trimmedSubject := strings.TrimSpace(subject)
	if trimmedIssuer == "" || trimmedSubject == "" {
		return Principal{}, fmt.Errorf("principals.resolve: %w", ErrEmptyIdentifier)
	}
	principal, err := directory.store.ResolveOrCreatePrincipal(ctx, Principal{
		ID:        newRecordID(),
		Issuer:    trimmedIssuer,
		Subject:   trimmedSubject,
		CreatedAt: directory.clock.Now(),
	})
	if err != nil {
		directory.logger.Warn("principal resolve failed", zap.String("code", "principals.resolve_failed"), zap.Error(err))
		return Principal{}, err
	}
	directory.metrics.Increment(MetricPrincipalResolved)
	return principal, nil
}

// Get loads a principal by id.
func (directory *PrincipalDirectory) Get(ctx context.Context, principalID string) (Principal, error) {
	if strings.TrimSpace(principalID) == "" {
		return Principal{}, fmt.Errorf("principals.get: %w", ErrEmptyIdentifier)
	}
	return directory.store.GetPrincipal(ctx, principalID)
}

// Delete removes the principal and every connection it owns.
func (directory *PrincipalDirectory) Delete(ctx context.Context, principalID string) error {
	if strings.TrimSpace(principalID) == "" {
		return fmt.Errorf("principals.delete: %w", ErrEmptyIdentifier)
	}
	if err := directory.store.DeletePrincipal(ctx, principalID); err != nil {
		return err
	}
	directory.metrics.Increment(MetricPrincipalDeleted)
	directory.logger.Info("principal deleted", zap.String("code", "principals.deleted"), zap.String("principal_id", principalID))
	return nil
}

// requirePrincipal fails with ErrNotFound when principals is configured and principalID is unknown.
func requirePrincipal(ctx context.Context, principals PrincipalStore, principalID string) error {
	if principals == nil {
		return nil
	}
	_, err := principals.GetPrincipal(ctx, principalID)
	return err
}
