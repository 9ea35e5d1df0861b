package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/roster"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage the agent roster",
	Long:  `Register agents, inspect the roster, and preview what work an agent would be offered.`,
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register an agent",
	Long: `Register an agent on the shared roster. Names are unique; a second
registration under a live name is rejected unless it presents the same
session id.

Capabilities gate which tasks the agent can claim. Specialties earn a
scoring bonus without gating.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentRegister,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents with their load",
	RunE:  runAgentList,
}

var agentDiscoverCmd = &cobra.Command{
	Use:   "discover <name>",
	Short: "Preview the work an agent would be offered",
	Long: `Run work discovery for an agent and print the ranked candidates
without claiming anything. Useful for debugging why a task is or is
not being picked up.

Capabilities default to the agent's roster entry; pass --capability to
override for the preview.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentDiscover,
}

func init() {
	agentRegisterCmd.Flags().StringSlice("capability", nil, "Capability the agent offers (repeatable)")
	agentRegisterCmd.Flags().StringSlice("specialty", nil, "Specialty for match scoring (repeatable)")
	agentRegisterCmd.Flags().Int("max-concurrent", 0, "Concurrent task limit (default from policy)")
	agentRegisterCmd.Flags().String("session", "", "Session id for re-registration")

	agentListCmd.Flags().Bool("json", false, "Output as JSON")

	agentDiscoverCmd.Flags().StringSlice("capability", nil, "Override capabilities for the preview (repeatable)")
	agentDiscoverCmd.Flags().Int("max", 0, "Maximum candidates (default from policy)")
	agentDiscoverCmd.Flags().Bool("json", false, "Output as JSON")

	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentDiscoverCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	caps, _ := cmd.Flags().GetStringSlice("capability")
	specialties, _ := cmd.Flags().GetStringSlice("specialty")
	maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
	session, _ := cmd.Flags().GetString("session")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	coord, database, err := openCoordinator(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	entry, err := coord.RegisterAgent(context.Background(), roster.Registration{
		Name:          args[0],
		SessionID:     session,
		Capabilities:  caps,
		Specialties:   specialties,
		MaxConcurrent: maxConcurrent,
	})
	if err != nil {
		if errors.Is(err, roster.ErrDuplicateName) {
			return fmt.Errorf("agent %s is already registered\nRe-register with --session <id> to reclaim the name", args[0])
		}
		return err
	}

	fmt.Printf("Registered %s (session %s, max %d concurrent)\n",
		entry.Name, entry.SessionID, entry.MaxConcurrent)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
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

	agents, err := coord.ListAgents(context.Background())
	if err != nil {
		return err
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered. Register one with 'foreman agent register'.")
		return nil
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCAPABILITIES\tLOAD\tSEEN")
	for _, a := range agents {
		caps := strings.Join(a.Capabilities, ",")
		if caps == "" {
			caps = "-"
		}
		seen := "never"
		if !a.LastSeen.IsZero() {
			seen = humanize.Time(a.LastSeen)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n",
			a.Name, caps, a.ActiveTasks, a.MaxConcurrent, seen)
	}
	_ = w.Flush()
	fmt.Printf("\n%d agent(s)\n", len(agents))
	return nil
}

func runAgentDiscover(cmd *cobra.Command, args []string) error {
	caps, _ := cmd.Flags().GetStringSlice("capability")
	max, _ := cmd.Flags().GetInt("max")
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

	candidates, err := coord.DiscoverWork(context.Background(), args[0], caps, max)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		fmt.Println("No claimable work matches this agent.")
		return nil
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(candidates)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tEFF PRIO\tMATCH\tFAILS\tNAME")
	for _, c := range candidates {
		_, _ = fmt.Fprintf(w, "%s\t%.2f\t%.0f%%\t%d\t%s\n",
			c.Task.Code, c.EffectivePriority, c.MatchScore*100, c.Task.FailureCount, c.Task.Name)
	}
	_ = w.Flush()
	fmt.Printf("\n%d candidate(s)\n", len(candidates))
	return nil
}
