package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/launchflow/launchflow/pkg/config"
	"github.com/launchflow/launchflow/pkg/engine"
	"github.com/launchflow/launchflow/pkg/kinds"
	"github.com/launchflow/launchflow/pkg/lock"
	"github.com/launchflow/launchflow/pkg/policy"
	"github.com/launchflow/launchflow/pkg/state"
	"github.com/launchflow/launchflow/pkg/telemetry"
)

var (
	// Global flags
	configPath   string
	manifestPath string
	verbose      bool
	jsonOutput   bool
)

// Exit codes, one per failure category so automation can distinguish "retry
// later" from "fix your config" from "infrastructure failed".
const (
	exitOK         = 0
	exitInfra      = 1
	exitValidation = 2
	exitLockBusy   = 3
	exitConflict   = 4
)

// ExitCode maps a command error onto the CLI's exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch {
	case engine.IsLockBusy(err):
		return exitLockBusy
	case engine.IsConflict(err):
		return exitConflict
	case engine.IsValidation(err):
		return exitValidation
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Code == engine.ErrCodeNotFound {
		return exitValidation
	}
	return exitInfra
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lf",
		Short: "LaunchFlow - Cloud Infrastructure Control Plane",
		Long: `LaunchFlow manages environments, resources, and services declared in a
project manifest, reconciling them against versioned state with
compare-and-swap writes and per-entity locking.

Features:
  - Declarative resources and services with explicit dependencies
  - Plans classified per entity (create, update, replace, delete, no-op)
  - Parallel execution bounded by the dependency graph
  - Environment lifecycle with built-in base infrastructure
  - Artifact promotion across environments without rebuilding
  - Rego guardrail policies for destructive operations`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".launchflow/config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "launchflow.yaml", "project manifest path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newPromoteCommand())
	rootCmd.AddCommand(newEnvironmentsCommand())
	rootCmd.AddCommand(newResourcesCommand())
	rootCmd.AddCommand(newServicesCommand())
	rootCmd.AddCommand(newRunCommand())

	return rootCmd
}

// runtime holds the wired engine a command operates through. Built fresh per
// invocation and closed when the command returns.
type runtime struct {
	cfg      *config.Config
	manifest *config.Manifest
	log      *telemetry.Logger

	store   state.Store
	audit   *state.AuditLog
	storage *engine.Storage
	kinds   *engine.KindRegistry
	locks   *lock.Manager

	policies *policy.Engine
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	planner   *engine.Planner
	executor  *engine.Executor
	lifecycle *engine.Lifecycle
}

// buildRuntime loads configuration and wires the engine. The manifest is
// loaded when present; commands that need it call requireManifest.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	r := &runtime{cfg: cfg}

	if m, err := config.LoadManifest(manifestPath); err == nil {
		r.manifest = m
		if cfg.Project == "" {
			cfg.Project = m.Project
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	r.log, err = telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: "stderr",
	})
	if err != nil {
		return nil, err
	}

	if err := r.openStore(ctx); err != nil {
		return nil, err
	}
	r.storage = engine.NewStorage(r.store)

	holder := holderID()
	r.locks = lock.NewManager(r.store, holder, lock.Config{
		TTL:                  cfg.Lock.TTL,
		AcquireAttempts:      uint(cfg.Lock.MaxAttempts),
		RetryInitialInterval: cfg.Lock.InitialBackoff,
		RetryMaxInterval:     cfg.Lock.MaxBackoff,
	})

	r.kinds = engine.NewKindRegistry()
	if err := kinds.RegisterDefaults(r.kinds); err != nil {
		r.close()
		return nil, err
	}

	if err := r.loadPolicies(ctx); err != nil {
		r.close()
		return nil, err
	}

	r.metrics, err = telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       cfg.Metrics.Enabled,
		ListenAddress: cfg.Metrics.ListenAddress,
		Path:          "/metrics",
		Namespace:     "launchflow",
	})
	if err != nil {
		r.close()
		return nil, err
	}
	if cfg.Metrics.Enabled {
		if err := r.metrics.StartMetricsServer(r.log.NewComponentLogger("metrics")); err != nil {
			r.close()
			return nil, err
		}
	}

	r.tracer, err = telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: 1.0,
	}, "launchflow", "")
	if err != nil {
		r.close()
		return nil, err
	}

	r.planner = engine.NewPlanner(r.storage, r.kinds,
		engine.WithPlannerMetrics(r.metrics),
	)
	r.executor = engine.NewExecutor(r.storage, r.kinds, r.locks, r.log,
		engine.WithGuard(r.policies),
		engine.WithMetrics(r.metrics),
		engine.WithTracer(r.tracer),
		engine.WithMaxParallel(cfg.Executor.MaxParallel),
		engine.WithStepTimeout(cfg.Executor.StepTimeout),
	)
	r.lifecycle = engine.NewLifecycle(r.storage, r.planner, r.executor, r.locks, r.log)

	return r, nil
}

func (r *runtime) openStore(ctx context.Context) error {
	var (
		store state.Store
		err   error
	)
	switch r.cfg.Backend.Type {
	case "local":
		store, err = state.NewLocalStore(r.cfg.Backend.Path)
	case "s3":
		store, err = state.NewObjectStore(ctx, state.ObjectStoreConfig{
			Bucket: r.cfg.Backend.Bucket,
			Prefix: r.cfg.Backend.Prefix,
			Region: r.cfg.Backend.Region,
		})
	case "remote":
		store, err = state.NewRemoteStore(state.RemoteStoreConfig{
			BaseURL: r.cfg.Backend.URL,
			Token:   r.cfg.Backend.Token,
		})
	default:
		err = fmt.Errorf("unknown backend type: %s", r.cfg.Backend.Type)
	}
	if err != nil {
		return err
	}

	if r.cfg.Audit.Enabled {
		r.audit, err = state.OpenAuditLog(ctx, r.cfg.Audit.Path)
		if err != nil {
			store.Close()
			return err
		}
		store = state.WithAudit(store, r.audit, holderID())
	}

	r.store = store
	return nil
}

func (r *runtime) loadPolicies(ctx context.Context) error {
	var err error
	r.policies, err = policy.NewEngine(r.log.NewComponentLogger("policy"))
	if err != nil {
		return err
	}
	if r.cfg.Policy.Dir == "" {
		return nil
	}

	loader := policy.NewLoader(r.log.NewComponentLogger("policy-loader"))
	loaded, err := loader.LoadDir(r.cfg.Policy.Dir)
	if err != nil {
		return err
	}
	if err := r.policies.SetPolicies(loaded); err != nil {
		return err
	}
	if r.cfg.Policy.Watch {
		go func() {
			if err := loader.Watch(ctx, r.cfg.Policy.Dir, r.policies.SetPolicies); err != nil {
				r.log.WithError(err).Warn("policy watcher stopped")
			}
		}()
	}
	return nil
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if r.tracer != nil {
		if err := r.tracer.Shutdown(ctx); err != nil && r.log != nil {
			r.log.WithError(err).Warn("tracer shutdown failed")
		}
	}
	if r.store != nil {
		r.store.Close()
	}
	if r.audit != nil {
		r.audit.Close()
	}
}

// requireManifest returns the loaded manifest or an error telling the user
// where the CLI looked.
func (r *runtime) requireManifest() (*config.Manifest, error) {
	if r.manifest == nil {
		return nil, engine.NewTerminalError(
			fmt.Sprintf("no manifest found at %s", manifestPath), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return r.manifest, nil
}

// scope builds the engine context for one environment of the configured
// project.
func (r *runtime) scope(environment string) engine.Context {
	return engine.Context{Project: r.cfg.Project, Environment: environment}
}

// execOptions translates config and per-command flags into executor options.
func (r *runtime) execOptions(override bool) engine.ExecOptions {
	return engine.ExecOptions{
		MaxParallel:    r.cfg.Executor.MaxParallel,
		StepTimeout:    r.cfg.Executor.StepTimeout,
		PolicyOverride: override,
	}
}

func holderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "lf"
	}
	return host + "-" + uuid.New().String()[:8]
}
