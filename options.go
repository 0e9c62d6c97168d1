package sharpsync

import (
	"log/slog"
	"time"

	"github.com/sharpsync/sharpsync/conflict"
	"github.com/sharpsync/sharpsync/filter"
	"github.com/sharpsync/sharpsync/model"
)

// Re-exported so callers configuring an Engine don't need to import the
// model package directly for the common types.
type (
	SyncOptions  = model.SyncOptions
	SyncResult   = model.SyncResult
	SyncPlan     = model.SyncPlan
	ConflictType = model.ConflictType
)

// DefaultSyncOptions is model.DefaultSyncOptions, re-exported at the package
// root for convenience.
func DefaultSyncOptions() SyncOptions {
	return model.DefaultSyncOptions()
}

// EngineConfig gathers everything needed to construct an Engine, configured
// through the With* functional options below. Grounded on this codebase's
// SqliteOption pattern (originally the teacher's internal/db package, now
// folded into store's own sqlite.go) generalized from the DB handle to the
// whole engine.
type EngineConfig struct {
	DBPath           string
	Filter           *filter.Filter
	Resolver         conflict.Resolver
	PollInterval     time.Duration
	PriorityPatterns []string
	Logger           *slog.Logger
	RetryPolicy      model.RetryPolicy
	HistoryRetention time.Duration
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		Filter:           filter.Default(),
		Resolver:         conflict.NewDefaultResolver(model.ResolutionAsk),
		PollInterval:     5 * time.Second,
		Logger:           slog.Default(),
		RetryPolicy:      model.DefaultRetryPolicy(),
		HistoryRetention: 30 * 24 * time.Hour,
	}
}

// Option configures an EngineConfig at construction time.
type Option func(*EngineConfig)

// WithDBPath sets the SQLite database path backing the Store. Required.
func WithDBPath(path string) Option {
	return func(c *EngineConfig) { c.DBPath = path }
}

// WithFilter overrides the default include/exclude filter.
func WithFilter(f *filter.Filter) Option {
	return func(c *EngineConfig) { c.Filter = f }
}

// WithResolver overrides the default fallback-Ask conflict resolver.
func WithResolver(r conflict.Resolver) Option {
	return func(c *EngineConfig) { c.Resolver = r }
}

// WithPollInterval overrides the longest time the Planner lets pass between
// polls of a ChangePoller-capable remote backend (spec §4.5 step 5); its
// adaptive scheduler polls more often while changes are arriving.
func WithPollInterval(d time.Duration) Option {
	return func(c *EngineConfig) { c.PollInterval = d }
}

// WithPriorityPatterns overrides the Planner's default
// *.request/*.response priority globs (spec §4.5 step 8).
func WithPriorityPatterns(patterns []string) Option {
	return func(c *EngineConfig) { c.PriorityPatterns = patterns }
}

// WithLogger overrides the engine's default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *EngineConfig) { c.Logger = l }
}

// WithRetryPolicy overrides the default per-action retry/backoff policy for
// TransferIO/Timeout failures.
func WithRetryPolicy(p model.RetryPolicy) Option {
	return func(c *EngineConfig) { c.RetryPolicy = p }
}

// WithHistoryRetention overrides how long OperationHistory rows are kept
// before Synchronize opportunistically prunes them during its Finalizing
// phase (spec §4.1's clearOperationHistory, run on a schedule rather than
// only on explicit host request). Zero disables pruning.
func WithHistoryRetention(d time.Duration) Option {
	return func(c *EngineConfig) { c.HistoryRetention = d }
}
