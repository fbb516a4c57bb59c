package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/logging"
	"github.com/kozaktomas/photo-faces/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status API",
	Long: `Start the Photo Faces HTTP API.
The API starts clustering passes in the background, streams their progress
over server-sent events and serves the stored clusters.

POST and DELETE endpoints require "Authorization: Bearer $WEB_API_TOKEN"
when WEB_API_TOKEN is set.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (default WEB_PORT or 8080)")
	serveCmd.Flags().String("host", "", "Host to bind to (default WEB_HOST or 0.0.0.0)")
}

// resolveServeHostPort lets flags override the environment.
func resolveServeHostPort(cmd *cobra.Command, cfg *config.WebConfig) {
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Host = host
	}
}

// saveRootIndex persists the similarity index during shutdown.
func saveRootIndex(ctx context.Context, p *pipeline, path string) {
	if path == "" {
		return
	}
	log := logging.Component("cmd")
	if err := rootIndex().Sync(ctx, p.store, path); err != nil {
		log.WithField("error", err).Warn("Failed to save root index")
		return
	}
	log.WithField("path", path).Info("Root index saved")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	resolveServeHostPort(cmd, &cfg.Web)
	log := logging.Component("cmd")

	p, err := newPipeline(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	if cfg.Web.Token == "" {
		log.Warn("WEB_API_TOKEN is not set, anyone who can reach the API can start passes")
	}

	server := web.NewServer(cfg.Web, web.Deps{
		Runner:     p.sorter,
		Store:      p.store,
		Roots:      rootIndex(),
		IndexPath:  cfg.Database.HNSWIndexPath,
		RunOptions: runOptions(cfg),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	fmt.Printf("Starting Photo Faces API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("starting server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Error("Error during shutdown")
	}
	saveRootIndex(shutdownCtx, p, cfg.Database.HNSWIndexPath)
	return nil
}
