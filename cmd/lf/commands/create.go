package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/launchflow/launchflow/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "create [environment]",
		Short: "Create an environment with its base infrastructure",
		Long: `Create an environment and provision its built-in infrastructure: the
network boundary, the execution role, and the artifact store.

The environment must be declared in the project manifest. Creation is
retryable: re-running after a partial failure provisions only what is
still missing.`,
		Example: `  # Create the dev environment
  lf create dev

  # Create without the confirmation prompt
  lf create dev --auto-approve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			manifest, err := rt.requireManifest()
			if err != nil {
				return err
			}
			decl, err := manifest.Environment(args[0])
			if err != nil {
				return engine.NewTerminalError(err.Error(), nil).
					WithCode(engine.ErrCodeValidation)
			}

			envType := engine.EnvironmentType(decl.Type)
			if decl.Type == "" {
				envType = engine.EnvTypeDevelopment
			}
			env := engine.Environment{
				Name:          decl.Name,
				Project:       rt.cfg.Project,
				CloudProvider: decl.CloudProvider,
				Type:          envType,
			}

			if !autoApprove {
				scope := env.Scope()
				plan, err := rt.planner.Plan(ctx, engine.PlanRequest{
					Scope:    scope,
					Declared: engine.BuiltinEntities(scope),
					Mode:     engine.PlanModeCreate,
				})
				if err != nil {
					return err
				}
				approved, err := confirmPlan(plan, false)
				if err != nil {
					return err
				}
				if !approved && plan.HasChanges() {
					return nil
				}
			}

			result, err := rt.lifecycle.CreateEnvironment(ctx, env, rt.execOptions(false))
			if err != nil {
				return err
			}
			if err := reportResult(result); err != nil {
				return err
			}
			fmt.Printf("Environment %s/%s is ready.\n", env.Project, env.Name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")

	return cmd
}
