package connectkit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is the pause between sweeps.
const DefaultSweepInterval = time.Minute

// SweepReport summarises one sweep pass.
type SweepReport struct {
	StatesRemoved      int64
	ConnectionsRevoked int64
}

// ExpirySweeper periodically reclaims expired states and, optionally, stale connections.
type ExpirySweeper struct {
	states      StateStore
	connections ConnectionStore
	clock       Clock
	logger      *zap.Logger
	metrics     MetricsRecorder
	interval    time.Duration
	staleAfter  time.Duration
}

// SweeperOption customises an ExpirySweeper.
type SweeperOption func(*ExpirySweeper)

// WithSweepInterval sets the tick interval.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(sweeper *ExpirySweeper) {
		if interval > 0 {
			sweeper.interval = interval
		}
	}
}

// WithStaleConnections enables revocation of non-refreshable connections expired longer than staleAfter.
func WithStaleConnections(connections ConnectionStore, staleAfter time.Duration) SweeperOption {
	return func(sweeper *ExpirySweeper) {
		if connections != nil && staleAfter > 0 {
			sweeper.connections = connections
			sweeper.staleAfter = staleAfter
		}
	}
}

// WithSweeperClock overrides the clock.
func WithSweeperClock(clock Clock) SweeperOption {
	return func(sweeper *ExpirySweeper) {
		if clock != nil {
			sweeper.clock = clock
		}
	}
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *zap.Logger) SweeperOption {
	return func(sweeper *ExpirySweeper) {
		if logger != nil {
			sweeper.logger = logger
		}
	}
}

// WithSweeperMetrics sets the metrics recorder.
func WithSweeperMetrics(metrics MetricsRecorder) SweeperOption {
	return func(sweeper *ExpirySweeper) {
		if metrics != nil {
			sweeper.metrics = metrics
		}
	}
}

// NewExpirySweeper constructs a sweeper over states.
func NewExpirySweeper(states StateStore, options ...SweeperOption) *ExpirySweeper {
	sweeper := &ExpirySweeper{
		states:   states,
		clock:    NewSystemClock(),
		logger:   zap.NewNop(),
		metrics:  noopMetrics{},
		interval: DefaultSweepInterval,
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper
}

// SweepStates deletes states that expired before now, consumed or not.
func (sweeper *ExpirySweeper) SweepStates(ctx context.Context, now time.Time) (int64, error) {
	removed, err := sweeper.states.DeleteExpiredStates(ctx, now)
	if err != nil {
		return 0, err
	}
	sweeper.metrics.Add(MetricStatesSwept, removed)
	return removed, nil
}

// SweepStaleConnections revokes stale connections when the policy is enabled.
func (sweeper *ExpirySweeper) SweepStaleConnections(ctx context.Context, now time.Time) (int64, error) {
	if sweeper.connections == nil || sweeper.staleAfter <= 0 {
		return 0, nil
	}
	revoked, err := sweeper.connections.RevokeStaleConnections(ctx, now.Add(-sweeper.staleAfter), now)
	if err != nil {
		return 0, err
	}
	sweeper.metrics.Add(MetricConnectionsStale, revoked)
	return revoked, nil
}

// RunOnce performs a single pass. Failures are logged and reported in the returned error;
// one failing step does not prevent the other.
func (sweeper *ExpirySweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	now := sweeper.clock.Now()
	var report SweepReport
	var firstErr error

	removed, statesErr := sweeper.SweepStates(ctx, now)
	if statesErr != nil {
		sweeper.metrics.Increment(MetricSweepFailed)
		sweeper.logger.Error("state sweep failed", zap.String("code", "sweeper.states.failed"), zap.Error(statesErr))
		firstErr = statesErr
	} else {
		report.StatesRemoved = removed
	}

	revoked, connectionsErr := sweeper.SweepStaleConnections(ctx, now)
	if connectionsErr != nil {
		sweeper.metrics.Increment(MetricSweepFailed)
		sweeper.logger.Error("connection sweep failed", zap.String("code", "sweeper.connections.failed"), zap.Error(connectionsErr))
		if firstErr == nil {
			firstErr = connectionsErr
		}
	} else {
		report.ConnectionsRevoked = revoked
	}

	if report.StatesRemoved > 0 || report.ConnectionsRevoked > 0 {
		sweeper.logger.Info("sweep completed",
			zap.String("code", "sweeper.completed"),
			zap.Int64("states_removed", report.StatesRemoved),
			zap.Int64("connections_revoked", report.ConnectionsRevoked),
		)
	}
	return report, firstErr
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
// Errors never stop the loop; they are retried on the next tick.
func (sweeper *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		_, _ = sweeper.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
