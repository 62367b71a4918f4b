package commands

import (
	"github.com/spf13/cobra"

	"github.com/launchflow/launchflow/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	var (
		autoApprove bool
		override    bool
		resources   []string
		services    []string
	)

	cmd := &cobra.Command{
		Use:   "deploy [environment]",
		Short: "Plan and apply the manifest's entities",
		Long: `Reconcile the environment against the manifest: compute a plan over the
declared resources and services, show it, and apply the changes.

By default every declared entity is considered. The --resource and
--service flags restrict the plan to the named entities plus the
dependencies they need.`,
		Example: `  # Deploy everything declared for dev
  lf deploy dev

  # Deploy one service and whatever it depends on
  lf deploy dev --service api

  # Deploy without the confirmation prompt
  lf deploy prod --auto-approve`,
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
			scope := rt.scope(args[0])
			if _, err := rt.lifecycle.GetEnvironment(ctx, scope); err != nil {
				return err
			}

			declared, err := manifest.Entities(scope)
			if err != nil {
				return err
			}
			// Base infrastructure participates in the graph so manifest
			// entities may depend on it; it classifies as unchanged.
			declared = append(engine.BuiltinEntities(scope), declared...)

			requested := append(append([]string{}, resources...), services...)

			plan, err := rt.lifecycle.Plan(ctx, engine.PlanRequest{
				Scope:     scope,
				Declared:  declared,
				Requested: requested,
				Mode:      engine.PlanModeCreate,
			})
			if err != nil {
				return err
			}

			approved, err := confirmPlan(plan, autoApprove)
			if err != nil {
				return err
			}
			if !approved {
				return nil
			}

			result, err := rt.lifecycle.Execute(ctx, plan, rt.execOptions(override))
			if err != nil {
				return err
			}
			return reportResult(result)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().BoolVar(&override, "override", false, "override guardrail policies")
	cmd.Flags().StringSliceVar(&resources, "resource", nil, "limit the plan to these resources")
	cmd.Flags().StringSliceVar(&services, "service", nil, "limit the plan to these services")

	return cmd
}
