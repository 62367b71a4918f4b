package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/launchflow/launchflow/pkg/engine"
	"github.com/launchflow/launchflow/pkg/state"
)

func newEnvironmentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "environments",
		Aliases: []string{"env"},
		Short:   "Manage environments",
	}

	cmd.AddCommand(newEnvironmentsCreateCommand())
	cmd.AddCommand(newEnvironmentsDeleteCommand())
	cmd.AddCommand(newEnvironmentsGetCommand())
	cmd.AddCommand(newEnvironmentsListCommand())
	cmd.AddCommand(newEnvironmentsUnlockCommand())

	return cmd
}

func newEnvironmentsCreateCommand() *cobra.Command {
	var (
		envType       string
		cloudProvider string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an environment",
		Long: `Create an environment record and provision its built-in infrastructure.
Unlike 'lf create', the environment does not have to be declared in the
manifest; type and provider come from flags.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			env := engine.Environment{
				Name:          args[0],
				Project:       rt.cfg.Project,
				CloudProvider: cloudProvider,
				Type:          engine.EnvironmentType(envType),
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

	cmd.Flags().StringVar(&envType, "type", "development", "environment type (development, production)")
	cmd.Flags().StringVar(&cloudProvider, "cloud-provider", "", "cloud provider label")

	return cmd
}

func newEnvironmentsDeleteCommand() *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an environment record",
		Long: `Remove the environment record. Refuses while managed entities still
exist; destroy them first with 'lf destroy', or pass --detach to drop
the state records without touching underlying infrastructure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			scope := rt.scope(args[0])
			if err := rt.lifecycle.DeleteEnvironment(ctx, scope, detach); err != nil {
				return err
			}
			fmt.Printf("Environment %s deleted.\n", scope)
			return nil
		},
	}

	cmd.Flags().BoolVar(&detach, "detach", false, "drop state records without destroying infrastructure")

	return cmd
}

func newEnvironmentsGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show one environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			scope := rt.scope(args[0])
			stored, err := rt.lifecycle.GetEnvironment(ctx, scope)
			if err != nil {
				return err
			}
			entities, err := rt.lifecycle.ListEntities(ctx, scope)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"environment": stored.Environment,
					"entities":    entities,
				})
			}

			env := stored.Environment
			fmt.Printf("Environment: %s/%s\n", env.Project, env.Name)
			fmt.Printf("  Type:     %s\n", env.Type)
			if env.CloudProvider != "" {
				fmt.Printf("  Provider: %s\n", env.CloudProvider)
			}
			fmt.Printf("  Status:   %s\n", env.Status)
			fmt.Printf("  Created:  %s\n", env.CreatedAt.Format(time.RFC3339))
			fmt.Printf("  Entities: %d\n", len(entities))
			for i := range entities {
				e := &entities[i].Entity
				fmt.Printf("    %-24s %-24s %s\n", e.ID, e.Kind, e.Status)
			}

			if rt.audit != nil {
				prefix := state.EntitiesPrefix(scope.Project, scope.Environment)
				changes, err := rt.audit.List(ctx, prefix, 5)
				if err == nil && len(changes) > 0 {
					fmt.Println("  Recent changes:")
					for _, c := range changes {
						fmt.Printf("    %s %-6s %s (%s)\n",
							c.Timestamp.Format(time.RFC3339), c.Action, c.Key, c.Actor)
					}
				}
			}
			return nil
		},
	}

	return cmd
}

func newEnvironmentsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			envs, err := rt.lifecycle.ListEnvironments(ctx, rt.cfg.Project)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(envs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tSTATUS\tCREATED")
			for i := range envs {
				env := &envs[i].Environment
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					env.Name, env.Type, env.Status, env.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	return cmd
}

func newEnvironmentsUnlockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock <name>",
		Short: "Force-release a stuck environment lock",
		Long: `Force-release the environment-scope lock. Only safe when the holder is
known to be dead; a live holder loses its lease and aborts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			scope := rt.scope(args[0])
			key := engine.EnvironmentScopeKey(scope)
			return forceUnlock(ctx, rt, key)
		},
	}

	return cmd
}
