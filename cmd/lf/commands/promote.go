package commands

import (
	"github.com/spf13/cobra"

	"github.com/launchflow/launchflow/pkg/engine"
)

func newPromoteCommand() *cobra.Command {
	var (
		autoApprove bool
		override    bool
		services    []string
	)

	cmd := &cobra.Command{
		Use:   "promote <from> <to>",
		Short: "Promote service artifacts between environments",
		Long: `Promote services from one environment to another by pinning each source
service's build artifact digest into the target environment's spec. No
build runs: the target deploys exactly the artifact the source recorded.

A source service that is not ready fails for that service only; the
target's existing record stays untouched and other services continue.`,
		Example: `  # Promote every service from dev to prod
  lf promote dev prod

  # Promote one service
  lf promote dev prod --service api`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			req := engine.PromoteRequest{
				From:       rt.scope(args[0]),
				To:         rt.scope(args[1]),
				ServiceIDs: services,
			}

			if !autoApprove {
				approved, err := confirmPromotion(req)
				if err != nil {
					return err
				}
				if !approved {
					return nil
				}
			}

			result, err := rt.lifecycle.Promote(ctx, req, rt.execOptions(override))
			if err != nil {
				return err
			}
			return reportResult(result)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().BoolVar(&override, "override", false, "override guardrail policies")
	cmd.Flags().StringSliceVar(&services, "service", nil, "limit promotion to these services")

	return cmd
}
