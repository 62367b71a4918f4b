package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/launchflow/launchflow/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		autoApprove       bool
		override          bool
		includeDependents bool
		resources         []string
		services          []string
	)

	cmd := &cobra.Command{
		Use:   "destroy [environment]",
		Short: "Destroy entities, or the whole environment",
		Long: `Destroy managed entities in dependency order, dependents first.

Without filters the whole environment is torn down, base infrastructure
included, and the environment record is removed. With --resource or
--service, only the named entities are destroyed; the plan fails closed
if anything not named still depends on them, unless --include-dependents
pulls those in too.`,
		Example: `  # Tear down the whole dev environment
  lf destroy dev

  # Destroy one resource, refusing if anything depends on it
  lf destroy dev --resource cache

  # Destroy a resource and everything that depends on it
  lf destroy dev --resource database --include-dependents`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			scope := rt.scope(args[0])
			if _, err := rt.lifecycle.GetEnvironment(ctx, scope); err != nil {
				return err
			}

			requested := append(append([]string{}, resources...), services...)
			wholeEnvironment := len(requested) == 0

			plan, err := rt.lifecycle.Plan(ctx, engine.PlanRequest{
				Scope:             scope,
				Requested:         requested,
				Mode:              engine.PlanModeDestroy,
				IncludeDependents: includeDependents || wholeEnvironment,
			})
			if err != nil {
				return err
			}

			approved, err := confirmPlan(plan, autoApprove)
			if err != nil {
				return err
			}
			if !approved && plan.HasChanges() {
				return nil
			}

			if plan.HasChanges() {
				result, err := rt.lifecycle.Execute(ctx, plan, rt.execOptions(override))
				if err != nil {
					return err
				}
				if err := reportResult(result); err != nil {
					return err
				}
			}

			if wholeEnvironment {
				if err := rt.lifecycle.DeleteEnvironment(ctx, scope, false); err != nil {
					return err
				}
				fmt.Printf("Environment %s is gone.\n", scope)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().BoolVar(&override, "override", false, "override guardrail policies")
	cmd.Flags().BoolVar(&includeDependents, "include-dependents", false, "also destroy entities that depend on the requested ones")
	cmd.Flags().StringSliceVar(&resources, "resource", nil, "limit destruction to these resources")
	cmd.Flags().StringSliceVar(&services, "service", nil, "limit destruction to these services")

	return cmd
}
