package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/launchflow/launchflow/pkg/engine"
)

func newResourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Manage resources",
	}
	cmd.AddCommand(newEntityListCommand(engine.EntityTypeResource))
	cmd.AddCommand(newEntityUnlockCommand(engine.EntityTypeResource))
	return cmd
}

func newServicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Manage services",
	}
	cmd.AddCommand(newEntityListCommand(engine.EntityTypeService))
	cmd.AddCommand(newEntityUnlockCommand(engine.EntityTypeService))
	return cmd
}

func newEntityListCommand(typ engine.EntityType) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <environment>",
		Short: fmt.Sprintf("List %ss in an environment", typ),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			scope := rt.scope(args[0])
			stored, err := rt.lifecycle.ListEntities(ctx, scope)
			if err != nil {
				return err
			}

			matched := stored[:0]
			for i := range stored {
				if stored[i].Entity.Type == typ {
					matched = append(matched, stored[i])
				}
			}

			if jsonOutput {
				return printJSON(matched)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tDRIFTED")
			for i := range matched {
				e := &matched[i].Entity
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", e.ID, e.Kind, e.Status, e.Drifted())
			}
			return w.Flush()
		},
	}

	return cmd
}

func newEntityUnlockCommand(typ engine.EntityType) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock <environment> <id>",
		Short: fmt.Sprintf("Force-release a stuck %s lock", typ),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			scope := rt.scope(args[0])
			stored, err := rt.storage.FindEntity(ctx, scope, args[1])
			if err != nil {
				return err
			}
			if stored.Entity.Type != typ {
				return engine.NewTerminalError(
					fmt.Sprintf("%s is a %s, not a %s", args[1], stored.Entity.Type, typ), nil).
					WithCode(engine.ErrCodeValidation)
			}

			key := engine.EntityScopeKey(scope, stored.Entity.Kind, stored.Entity.ID)
			return forceUnlock(ctx, rt, key)
		},
	}

	return cmd
}
