package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/board"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Watch the task board live",
	Long: `Open a full-screen kanban board showing tasks by state, agent
loads, and open breakers. The board refreshes once a second.

Keys: tab/arrows move between columns, j/k move within one, r forces
a refresh, q quits.`,
	RunE: runBoard,
}

func init() {
	rootCmd.AddCommand(boardCmd)
}

func runBoard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	coord, database, err := openCoordinator(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	m := board.New(func(ctx context.Context) (*board.Snapshot, error) {
		return board.Gather(ctx, coord)
	})
	return m.Run()
}
