package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/strata-project/strata/internal/server"
	"github.com/strata-project/strata/pkg/logging"
	"github.com/strata-project/strata/pkg/metrics"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the timeline over HTTP",
	Long: `Serve a read-only HTTP view of the timeline.

Endpoints:
  GET /healthz
  GET /timeline?state=&action=&order=
  GET /timeline/{requestedTime}
  GET /instants/{fileName}
  GET /metrics`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		h, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		return server.New(h.Timeline, metrics.Default(), logging.Global(), serveAddr).Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	rootCmd.AddCommand(serveCmd)
}
