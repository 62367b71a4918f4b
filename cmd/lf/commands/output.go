package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/launchflow/launchflow/pkg/engine"
)

const closeTimeout = 10 * time.Second

// opSymbol renders a plan operation the way terraform-style tools do.
func opSymbol(op engine.Operation) string {
	switch op {
	case engine.OpCreate:
		return "+"
	case engine.OpUpdate:
		return "~"
	case engine.OpReplace:
		return "±"
	case engine.OpDelete:
		return "-"
	default:
		return "="
	}
}

// printPlan writes the plan in either human or JSON form.
func printPlan(plan *engine.Plan) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	fmt.Printf("Plan for %s (%s):\n", plan.Scope, plan.Mode)
	for i := range plan.Steps {
		step := &plan.Steps[i]
		line := fmt.Sprintf("  %s %-30s %s", opSymbol(step.Operation), step.EntityID, step.Rationale)
		if len(step.DependsOn) > 0 {
			line += fmt.Sprintf(" (after: %s)", strings.Join(step.DependsOn, ", "))
		}
		fmt.Println(line)
	}
	s := plan.Summary
	fmt.Printf("\nSummary: %d to create, %d to update, %d to replace, %d to delete, %d unchanged\n",
		s.ToCreate, s.ToUpdate, s.ToReplace, s.ToDelete, s.NoChange)
	return nil
}

// confirmPlan prints the plan and prompts for approval unless auto-approve
// is set. Plans with no changes are approved without prompting.
func confirmPlan(plan *engine.Plan, autoApprove bool) (bool, error) {
	if err := printPlan(plan); err != nil {
		return false, err
	}
	if !plan.HasChanges() {
		fmt.Println("\nNo changes. Everything is up to date.")
		return false, nil
	}
	if autoApprove {
		return true, nil
	}

	fmt.Print("\nProceed? Only 'yes' is accepted: ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(answer) != "yes" {
		fmt.Println("Cancelled.")
		return false, nil
	}
	return true, nil
}

// reportResult prints the execution outcome and converts partial failure into
// the command's error so the exit code reflects the first failure's class.
func reportResult(result *engine.ExecutionResult) error {
	if result == nil {
		return nil
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Printf("\nApplied: %d succeeded, %d failed, %d skipped (%s)\n",
			len(result.Succeeded), len(result.Failed), len(result.Skipped),
			result.Duration.Round(time.Millisecond))
		for _, f := range result.Failed {
			fmt.Printf("  failed  %s: %s\n", f.EntityID, f.Err.Error())
		}
		for _, id := range result.Skipped {
			fmt.Printf("  skipped %s\n", id)
		}
	}
	if err := result.FirstError(); err != nil {
		return err
	}
	if len(result.Skipped) > 0 {
		return engine.NewTerminalError(
			fmt.Sprintf("%d steps were skipped", len(result.Skipped)), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return nil
}

// confirmPromotion prompts before a cross-environment promotion.
func confirmPromotion(req engine.PromoteRequest) (bool, error) {
	which := "all services"
	if len(req.ServiceIDs) > 0 {
		which = strings.Join(req.ServiceIDs, ", ")
	}
	fmt.Printf("Promote %s from %s to %s.\n", which, req.From, req.To)
	fmt.Print("Proceed? Only 'yes' is accepted: ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(answer) != "yes" {
		fmt.Println("Cancelled.")
		return false, nil
	}
	return true, nil
}

// printJSON writes any value as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
