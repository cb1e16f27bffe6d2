package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/lineage/internal/camera"
	"github.com/andresmejia3/lineage/internal/web"
	"github.com/spf13/cobra"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the recognition view over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if listenAddr != "" {
			Cfg.Server.Listen = listenAddr
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (default from config, :8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	facing, err := camera.ParseFacing(Cfg.Camera.Facing)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, "", facing)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := web.NewServer(Cfg.Server.Listen, web.NewHandler(ctx, a.session, a.people))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Listening on %s\n", Cfg.Server.Listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
