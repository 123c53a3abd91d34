// Command relay runs the chat relay server and its maintenance commands.
package main

import (
	"context"
	"fmt"
	"os"

	"relay/cmd/internal/app"

	"github.com/spf13/cobra"
)

// rootCmd runs the server when no subcommand is given.
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Real-time chat relay over WebSocket",
	Long: `relay accepts WebSocket connections identified by a username, fans out
public chat, delivers private messages to both sides and persists every
message to the configured store (Postgres, Badger or memory).

Configuration is read from RELAY_* environment variables and an optional .env file.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server until SIGINT/SIGTERM",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	return app.Serve(cmd.Context(), cfg)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
