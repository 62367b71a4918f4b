package commands

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/launchflow/launchflow/pkg/engine"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <environment> -- <command> [args...]",
		Short: "Run a command with the environment's outputs injected",
		Long: `Run a local command with every ready entity's outputs exported as
environment variables, named LF_<ENTITY>_<OUTPUT> with non-alphanumeric
characters replaced by underscores.

Only entities that are ready and unchanged since their last apply are
exported; drifted outputs cannot be trusted.`,
		Example: `  # Print the database connection string
  lf run dev -- sh -c 'echo $LF_DATABASE_RESOURCE_ID'

  # Run a migration against the dev database
  lf run dev -- ./migrate.sh`,
		Args: cobra.MinimumNArgs(2),
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
			entities, err := rt.lifecycle.ListEntities(ctx, scope)
			if err != nil {
				return err
			}

			env := os.Environ()
			env = append(env,
				"LF_PROJECT="+scope.Project,
				"LF_ENVIRONMENT="+scope.Environment,
			)
			for i := range entities {
				e := &entities[i].Entity
				if e.Drifted() {
					continue
				}
				for key, value := range e.Outputs {
					env = append(env, outputVar(e.ID, key)+"="+value)
				}
			}

			child := exec.CommandContext(ctx, args[1], args[2:]...)
			child.Env = env
			child.Stdin = os.Stdin
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			if err := child.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					os.Exit(exitErr.ExitCode())
				}
				return engine.NewTerminalError(
					fmt.Sprintf("failed to run %s", args[1]), err).
					WithCode(engine.ErrCodeInternal)
			}
			return nil
		},
	}

	return cmd
}

// outputVar builds the exported variable name for one entity output.
func outputVar(entityID, key string) string {
	name := "LF_" + entityID + "_" + key
	name = strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}
