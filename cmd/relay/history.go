package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"relay/cmd/internal/app"
	"relay/cmd/internal/chatlog"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <a> <b>",
	Short: "Print the private history between two identities",
	Long: `Opens the configured message store and prints the private messages
exchanged between two identities, oldest first.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

		msgs, err := app.OpenMessageLog(cmd.Context(), cfg, log)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = msgs.Close() }()

		recs, err := msgs.History(cmd.Context(), args[0], args[1], historyLimit)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		renderHistory(cmd.OutOrStdout(), recs)
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %d message(s) from %s store\n",
			color.New(color.FgGreen).Render("✓"), len(recs), msgs.Kind)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatlog.DefaultHistoryLimit, "maximum number of messages")
}

func renderHistory(w io.Writer, recs []chatlog.Record) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Timestamp", "Sender", "Receiver", "Content"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, r := range recs {
		table.Append([]string{
			strconv.FormatInt(r.ID, 10),
			r.Timestamp.Format(time.RFC3339Nano),
			r.Sender,
			r.Receiver,
			r.Content,
		})
	}
	table.Render()
}
