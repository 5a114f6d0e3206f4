package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/ethpandaops/flakeoor/pkg/flake"
	"github.com/spf13/cobra"
)

var (
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	numericStyle = cellStyle.Align(lipgloss.Right)
	headerStyle  = cellStyle.Bold(true)
)

var (
	leaderboardLimit int
	leaderboardJSON  bool
)

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Print the flakiest test cases",
	RunE:  runLeaderboard,
}

func init() {
	leaderboardCmd.Flags().IntVar(&leaderboardLimit, "limit", 0,
		"number of entries (default from config, 0 for every test case)")
	leaderboardCmd.Flags().BoolVar(&leaderboardJSON, "json", false, "print JSON")

	rootCmd.AddCommand(leaderboardCmd)
}

func runLeaderboard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	limit := cfg.Leaderboard.DefaultLimit
	if cmd.Flags().Changed("limit") {
		limit = leaderboardLimit
	}

	entries, err := flake.NewScorer(log, st).Leaderboard(ctx, limit)
	if err != nil {
		return fmt.Errorf("computing leaderboard: %w", err)
	}

	if leaderboardJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(entries)
	}

	_, err = fmt.Fprintln(os.Stdout, renderLeaderboard(entries))

	return err
}

// renderLeaderboard formats entries as a bordered table. The last column
// holds the identity key and is left aligned.
func renderLeaderboard(entries []flake.Entry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RANK", "SCORE", "EXECUTIONS", "TRANSITIONS", "TEST CASE").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col < 4:
				return numericStyle
			default:
				return cellStyle
			}
		})

	for i, e := range entries {
		t.Row(
			strconv.Itoa(i+1),
			strconv.FormatFloat(e.FlakeScore, 'f', 3, 64),
			strconv.Itoa(e.ExecutionsCount),
			strconv.Itoa(e.TransitionsCount),
			e.IdentityKey,
		)
	}

	return t.String()
}
