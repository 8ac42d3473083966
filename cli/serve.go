package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge server (default)",
		Example: `  tablebridge serve --port 8080
  tablebridge serve --storage sqlite --storage-path catalog.db -vv
  tablebridge serve --lua-path lua/ --hot-reload`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func serve(cmd *cobra.Command) error {
	cfg, err := config.FromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	defer cfg.Logger().Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, Version)
	if err != nil {
		return err
	}
	url, err := srv.Start(ctx)
	if err != nil {
		return err
	}
	cfg.Log(0, "tablebridge v%s serving %s", Version, url)

	waitErr := make(chan error, 1)
	go func() { waitErr <- srv.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		cfg.Log(0, "Shutting down...")
	case runErr = <-waitErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, srv.Shutdown(shutdownCtx))
}
