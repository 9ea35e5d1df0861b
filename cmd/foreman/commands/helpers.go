package commands

import (
	"fmt"

	"github.com/marcus/foreman/internal/aggregate"
	"github.com/marcus/foreman/internal/breaker"
	"github.com/marcus/foreman/internal/config"
	"github.com/marcus/foreman/internal/coordinator"
	"github.com/marcus/foreman/internal/db"
	"github.com/marcus/foreman/internal/logging"
	"github.com/marcus/foreman/internal/match"
	"github.com/marcus/foreman/internal/roster"
	"github.com/marcus/foreman/internal/task"
	"github.com/marcus/foreman/internal/workload"
)

// loadConfig loads and validates the layered configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// initLogging points the shared logger at the configured sink.
func initLogging(cfg *config.Config) error {
	return logging.Init(logging.Config{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		Path:          cfg.ResolvedLogPath(),
		RetentionDays: cfg.Logging.RetentionDays,
	})
}

// policyFromConfig maps the policy section onto matching knobs.
func policyFromConfig(cfg *config.Config) match.Policy {
	return match.Policy{
		MinMatchRatio:        cfg.Policy.MinMatchRatio,
		AgeBonusPerHour:      cfg.Policy.AgeBonusPerHour,
		FailurePenalty:       cfg.Policy.FailurePenalty,
		MinEffectivePriority: cfg.Policy.MinEffectivePriority,
		MaxEffectivePriority: cfg.Policy.MaxEffectivePriority,
		FailureCap:           cfg.Policy.FailureCap,
		DefaultMaxTasks:      cfg.Policy.DefaultMaxTasks,
		DefaultMaxConcurrent: cfg.Policy.DefaultMaxConcurrent,
	}
}

// breakerFromConfig maps the breaker section onto breaker settings.
// Configured thresholds override the defaults one key at a time.
func breakerFromConfig(cfg *config.Config) breaker.Config {
	thresholds := breaker.DefaultThresholds()
	for name, n := range cfg.Breaker.Thresholds {
		thresholds[breaker.FailureType(name)] = n
	}
	return breaker.Config{
		Thresholds:           thresholds,
		QuarantineRetryAfter: cfg.GetQuarantineRetryAfter(),
		ResetAfter:           cfg.GetResetAfter(),
	}
}

// openCoordinator wires a coordinator over the configured database. The
// caller owns the returned handle and must close it.
func openCoordinator(cfg *config.Config, extra ...coordinator.Option) (*coordinator.Coordinator, *db.DB, error) {
	database, err := db.Open(cfg.ResolvedDatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("opening db: %w", err)
	}

	mut := aggregate.NewMutator(aggregate.NewStore(database.SQL()))
	policy := policyFromConfig(cfg)

	opts := []coordinator.Option{
		coordinator.WithStore(task.NewStore(database.SQL())),
		coordinator.WithRoster(roster.New(mut)),
		coordinator.WithLedger(aggregate.NewLedger(mut)),
		coordinator.WithMutator(mut),
		coordinator.WithBreakers(breaker.NewRegistry(breakerFromConfig(cfg))),
		coordinator.WithWorkloads(workload.NewRegistry(policy.DefaultMaxConcurrent)),
		coordinator.WithPolicy(policy),
	}
	opts = append(opts, extra...)

	return coordinator.New(opts...), database, nil
}
