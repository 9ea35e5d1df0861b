package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/breaker"
	"github.com/marcus/foreman/internal/coordinator"
	"github.com/marcus/foreman/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the board at a glance",
	Long: `Display task counts per state, agent loads, and any tasks whose
circuit breaker has tripped.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	coord, database, err := openCoordinator(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	ctx := context.Background()
	status, err := coord.Status(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	printTaskCounts(status)
	printAgents(status)
	printBreakers(ctx, coord, status)
	return nil
}

func printTaskCounts(status *coordinator.Status) {
	total := 0
	for _, n := range status.Counts {
		total += n
	}
	if total == 0 {
		fmt.Println("No tasks. Create one with 'foreman task create'.")
		return
	}

	fmt.Println("Tasks")
	fmt.Println("=====")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, s := range task.AllStates {
		if n := status.Counts[s]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s\t%d\n", s, n)
		}
	}
	_ = w.Flush()
	fmt.Printf("  total: %d\n", total)
}

func printAgents(status *coordinator.Status) {
	if len(status.Agents) == 0 {
		fmt.Println("\nNo agents registered.")
		return
	}

	fmt.Printf("\nAgents (%d)\n", len(status.Agents))
	fmt.Println("==========")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, a := range status.Agents {
		seen := "never"
		if !a.LastSeen.IsZero() {
			seen = "seen " + humanize.Time(a.LastSeen)
		}
		_, _ = fmt.Fprintf(w, "  %s\t%d/%d active\t%s\n",
			a.Name, a.ActiveTasks, a.MaxConcurrent, seen)
	}
	_ = w.Flush()
}

func printBreakers(ctx context.Context, coord *coordinator.Coordinator, status *coordinator.Status) {
	open := 0
	for _, snap := range status.Breakers {
		if snap.State == breaker.Open {
			open++
		}
	}
	if open == 0 {
		return
	}

	fmt.Printf("\nOpen breakers (%d)\n", open)
	fmt.Println("=================")
	for taskID, snap := range status.Breakers {
		if snap.State != breaker.Open {
			continue
		}
		ref := fmt.Sprintf("#%d", taskID)
		if t, err := coord.GetTask(ctx, taskID); err == nil {
			ref = t.Code
		}
		fmt.Printf("  %s: %s, last failure %s\n",
			ref, summarizeCounts(snap.Counts), humanize.Time(snap.LastFailure))
	}
	fmt.Println("\nRequeue quarantined tasks with 'foreman task requeue <code> --authorized-by <name>'.")
}

func summarizeCounts(counts map[breaker.FailureType]int) string {
	out := ""
	for ft, n := range counts {
		if n == 0 {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += fmt.Sprintf("%s x%d", ft, n)
	}
	if out == "" {
		return "no recorded failures"
	}
	return out
}
