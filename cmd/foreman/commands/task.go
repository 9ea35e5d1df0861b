package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marcus/foreman/internal/coordinator"
	"github.com/marcus/foreman/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and manage tasks",
	Long:  `Create tasks, inspect them, move them through their lifecycle, and bulk-import backlogs.`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <code>",
	Short: "Create a new task",
	Long: `Create a task in the backlog. The code must be unique and is how
agents refer to the task in artifacts and over the wire.

Use --capability (repeatable) to restrict which agents can pick the
task up, and --priority to order it against the rest of the backlog.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks across all lifecycle states.

Use --state to filter to one state. Use --json for scripting.`,
	RunE: runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <code>",
	Short: "Show a task with its history and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskSetStateCmd = &cobra.Command{
	Use:   "set-state <code> <state>",
	Short: "Move a task to another lifecycle state",
	Long: `Move a task to another state, subject to the transition rules.

Valid states: ` + stateList() + `.`,
	Args: cobra.ExactArgs(2),
	RunE: runTaskSetState,
}

var taskArchiveCmd = &cobra.Command{
	Use:   "archive <code>",
	Short: "Archive a completed task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskArchive,
}

var taskRequeueCmd = &cobra.Command{
	Use:   "requeue <code>",
	Short: "Return a quarantined task to the backlog",
	Long: `Return a quarantined task to the backlog so agents can claim it
again. Requeueing requires a human sign-off recorded in the audit
trail, so --authorized-by is mandatory.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskRequeue,
}

var taskImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Bulk-import tasks from a YAML file",
	Long: `Import tasks from a YAML backlog file:

    tasks:
      - code: FRM-101
        name: Wire the payment webhook
        priority: 5
        capabilities: [go, payments]
      - code: FRM-102
        name: Migrate the audit table
        parent: FRM-101

Tasks are created in file order, so parents must precede children.
Codes that already exist fail the import unless --skip-existing is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskImport,
}

func init() {
	taskCreateCmd.Flags().String("name", "", "Human-readable task name")
	taskCreateCmd.Flags().String("desc", "", "Longer description for the claiming agent")
	taskCreateCmd.Flags().Float64("priority", 0, "Base priority score (higher runs earlier)")
	taskCreateCmd.Flags().StringSlice("capability", nil, "Required capability (repeatable)")
	taskCreateCmd.Flags().Float64("confidence", 0, "Confidence threshold in [0,1] (default 0.8)")
	taskCreateCmd.Flags().String("parent", "", "Parent task code")
	_ = taskCreateCmd.MarkFlagRequired("name")

	taskListCmd.Flags().String("state", "", "Filter by state ("+stateList()+")")
	taskListCmd.Flags().Bool("json", false, "Output as JSON")

	taskShowCmd.Flags().Bool("json", false, "Output as JSON")

	taskRequeueCmd.Flags().String("authorized-by", "", "Name of the human authorizing the requeue")
	_ = taskRequeueCmd.MarkFlagRequired("authorized-by")

	taskImportCmd.Flags().Bool("skip-existing", false, "Skip codes that already exist instead of failing")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskSetStateCmd)
	taskCmd.AddCommand(taskArchiveCmd)
	taskCmd.AddCommand(taskRequeueCmd)
	taskCmd.AddCommand(taskImportCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	desc, _ := cmd.Flags().GetString("desc")
	priority, _ := cmd.Flags().GetFloat64("priority")
	caps, _ := cmd.Flags().GetStringSlice("capability")
	confidence, _ := cmd.Flags().GetFloat64("confidence")
	parent, _ := cmd.Flags().GetString("parent")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	coord, database, err := openCoordinator(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	created, err := coord.CreateTask(context.Background(), coordinator.CreateTaskParams{
		Code:                 args[0],
		Name:                 name,
		Description:          desc,
		PriorityScore:        priority,
		RequiredCapabilities: caps,
		ConfidenceThreshold:  confidence,
		ParentCode:           parent,
	})
	if err != nil {
		if errors.Is(err, task.ErrCodeExists) {
			return fmt.Errorf("task %s already exists\nRun 'foreman task show %s' to inspect it", args[0], args[0])
		}
		return err
	}

	fmt.Printf("Created %s (#%d) in state %s\n", created.Code, created.ID, created.State)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	stateFilter, _ := cmd.Flags().GetString("state")
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

	list, err := coord.ListTasks(context.Background(), task.State(stateFilter))
	if err != nil {
		return err
	}

	if len(list) == 0 {
		if stateFilter != "" {
			fmt.Printf("No tasks in state %s.\n", stateFilter)
		} else {
			fmt.Println("No tasks. Create one with 'foreman task create'.")
		}
		return nil
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tSTATE\tPRIO\tOWNER\tFAILS\tAGE\tNAME")
	for _, t := range list {
		owner := t.Owner
		if owner == "" {
			owner = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\t%d\t%s\t%s\n",
			t.Code,
			t.State,
			t.PriorityScore,
			owner,
			t.FailureCount,
			formatAge(t.CreatedAt),
			t.Name,
		)
	}
	_ = w.Flush()
	fmt.Printf("\n%d task(s)\n", len(list))
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
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
	t, err := resolveTask(ctx, coord, args[0])
	if err != nil {
		return err
	}
	events, err := coord.TaskEvents(ctx, t.ID)
	if err != nil {
		return err
	}
	artifacts, err := coord.ListArtifacts(ctx, t.Code)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"task":      t,
			"events":    events,
			"artifacts": artifacts,
		})
	}

	fmt.Printf("Code:       %s (#%d)\n", t.Code, t.ID)
	fmt.Printf("Name:       %s\n", t.Name)
	fmt.Printf("State:      %s\n", t.State)
	fmt.Printf("Priority:   %.1f\n", t.PriorityScore)
	fmt.Printf("Failures:   %d\n", t.FailureCount)
	if t.Owner != "" {
		fmt.Printf("Owner:      %s\n", t.Owner)
	}
	if len(t.RequiredCapabilities) > 0 {
		fmt.Printf("Needs:      %s\n", strings.Join(t.RequiredCapabilities, ", "))
	}
	fmt.Printf("Confidence: %.2f\n", t.ConfidenceThreshold)
	fmt.Printf("Created:    %s (%s ago)\n", t.CreatedAt.Format(time.RFC3339), formatAge(t.CreatedAt))
	if t.DoneAt != nil {
		fmt.Printf("Done:       %s\n", t.DoneAt.Format(time.RFC3339))
	}
	if t.Description != "" {
		fmt.Println()
		fmt.Println(t.Description)
	}

	if len(events) > 0 {
		fmt.Println()
		fmt.Println("--- History ---")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, e := range events {
			detail := e.Detail
			if e.FromState != "" || e.ToState != "" {
				detail = fmt.Sprintf("%s -> %s", e.FromState, e.ToState)
			}
			agent := e.Agent
			if agent == "" {
				agent = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, agent, detail)
		}
		_ = w.Flush()
	}

	if len(artifacts) > 0 {
		fmt.Println()
		fmt.Println("--- Artifacts ---")
		for _, a := range artifacts {
			line := a.Path
			if a.Kind != "" {
				line += " (" + a.Kind + ")"
			}
			if a.Agent != "" {
				line += " by " + a.Agent
			}
			fmt.Printf("  %s\n", line)
		}
	}

	return nil
}

func runTaskSetState(cmd *cobra.Command, args []string) error {
	to := task.State(args[1])
	if !to.Valid() {
		return fmt.Errorf("unknown state: %s (valid: %s)", args[1], stateList())
	}

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
	t, err := resolveTask(ctx, coord, args[0])
	if err != nil {
		return err
	}
	from := t.State

	updated, err := coord.SetState(ctx, t.ID, to)
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			return fmt.Errorf("cannot move %s from %s to %s", t.Code, from, to)
		}
		return err
	}

	fmt.Printf("%s: %s -> %s\n", updated.Code, from, updated.State)
	return nil
}

func runTaskArchive(cmd *cobra.Command, args []string) error {
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
	t, err := resolveTask(ctx, coord, args[0])
	if err != nil {
		return err
	}

	archived, err := coord.Archive(ctx, t.ID)
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			return fmt.Errorf("cannot archive %s while it is %s; only done tasks archive", t.Code, t.State)
		}
		return err
	}

	fmt.Printf("Archived %s\n", archived.Code)
	return nil
}

func runTaskRequeue(cmd *cobra.Command, args []string) error {
	authorizedBy, _ := cmd.Flags().GetString("authorized-by")

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
	t, err := resolveTask(ctx, coord, args[0])
	if err != nil {
		return err
	}

	requeued, err := coord.Requeue(ctx, t.ID, authorizedBy)
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			return fmt.Errorf("%s is %s, not quarantined; nothing to requeue", t.Code, t.State)
		}
		return err
	}

	fmt.Printf("Requeued %s (authorized by %s)\n", requeued.Code, authorizedBy)
	return nil
}

// --- Import ---

type importFile struct {
	Tasks []importEntry `yaml:"tasks"`
}

type importEntry struct {
	Code         string   `yaml:"code"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Priority     float64  `yaml:"priority"`
	Capabilities []string `yaml:"capabilities"`
	Confidence   float64  `yaml:"confidence"`
	Parent       string   `yaml:"parent"`
}

func runTaskImport(cmd *cobra.Command, args []string) error {
	skipExisting, _ := cmd.Flags().GetBool("skip-existing")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	var file importFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}
	if len(file.Tasks) == 0 {
		return fmt.Errorf("%s contains no tasks", args[0])
	}

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
	created, skipped := 0, 0
	for i, entry := range file.Tasks {
		_, err := coord.CreateTask(ctx, coordinator.CreateTaskParams{
			Code:                 entry.Code,
			Name:                 entry.Name,
			Description:          entry.Description,
			PriorityScore:        entry.Priority,
			RequiredCapabilities: entry.Capabilities,
			ConfidenceThreshold:  entry.Confidence,
			ParentCode:           entry.Parent,
		})
		switch {
		case err == nil:
			created++
		case errors.Is(err, task.ErrCodeExists) && skipExisting:
			skipped++
		default:
			return fmt.Errorf("task %d (%s): %w", i+1, entry.Code, err)
		}
	}

	if skipped > 0 {
		fmt.Printf("Imported %d task(s), skipped %d existing\n", created, skipped)
	} else {
		fmt.Printf("Imported %d task(s)\n", created)
	}
	return nil
}

// --- Helpers ---

// resolveTask accepts either a task code or a numeric id.
func resolveTask(ctx context.Context, coord *coordinator.Coordinator, ref string) (*task.Task, error) {
	t, err := coord.GetTaskByCode(ctx, ref)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, task.ErrNotFound) {
		if id, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
			if byID, idErr := coord.GetTask(ctx, id); idErr == nil {
				return byID, nil
			}
		}
		return nil, fmt.Errorf("unknown task: %s\nRun 'foreman task list' to see known tasks", ref)
	}
	return nil, err
}

func stateList() string {
	names := make([]string, len(task.AllStates))
	for i, s := range task.AllStates {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
