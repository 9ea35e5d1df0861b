package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/config"
	"github.com/marcus/foreman/internal/coordinator"
	"github.com/marcus/foreman/internal/logging"
	"github.com/marcus/foreman/internal/maintenance"
	"github.com/marcus/foreman/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
	Long: `Start the foreman coordination server.

By default the server speaks JSON-RPC over stdio, which suits agents
spawning foreman as a subprocess. Pass --http to listen on an address
as well: JSON-RPC rides on POST /rpc and live events stream from
GET /events as SSE.

The background maintenance jobs (breaker cool-off, stale claim
recovery, log retention) run for as long as the server does.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("http", "", "HTTP listen address (e.g. :8337)")
	serveCmd.Flags().Bool("stdio", true, "Serve JSON-RPC on stdin/stdout")
	serveCmd.Flags().Bool("watch-config", true, "Reload tuning when the config file changes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	httpAddr, _ := cmd.Flags().GetString("http")
	useStdio, _ := cmd.Flags().GetBool("stdio")
	watch, _ := cmd.Flags().GetBool("watch-config")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if httpAddr == "" {
		httpAddr = cfg.Server.HTTPAddr
	}
	if httpAddr == "" && !useStdio {
		return fmt.Errorf("nothing to serve: enable --stdio or set --http")
	}

	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("serve")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	// The handler closure lets the coordinator publish through a server
	// that does not exist yet at construction time.
	var srv *server.Server
	coord, database, err := openCoordinator(cfg, coordinator.WithEventHandler(func(e coordinator.Event) {
		if srv != nil {
			srv.Publish(e)
		}
	}))
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	srv = server.New(coord,
		server.WithLogger(logging.Component("server")),
		server.WithAuthToken(cfg.Server.AuthToken),
	)

	maint := maintenance.New(coord, maintenance.Config{
		BreakerSweep:     cfg.GetBreakerSweep(),
		StaleClaimSweep:  cfg.GetStaleClaimSweep(),
		StaleClaimAfter:  cfg.GetStaleClaimAfter(),
		LogDir:           cfg.ResolvedLogPath(),
		LogRetentionDays: cfg.Logging.RetentionDays,
	}, maintenance.WithLogger(logging.Component("maintenance")))
	if err := maint.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	defer func() { _ = maint.Stop() }()

	if watch {
		err := config.Watch(ctx, logging.Component("config"), func(next *config.Config) {
			coord.SetPolicy(policyFromConfig(next))
			coord.SetBreakerConfig(breakerFromConfig(next))
		})
		if err != nil {
			log.Warnf("config watching disabled: %v", err)
		}
	}

	errCh := make(chan error, 2)
	if httpAddr != "" {
		go func() { errCh <- srv.ListenAndServe(ctx, httpAddr) }()
	}
	if useStdio {
		go func() { errCh <- srv.ServeStdio(ctx, os.Stdin, os.Stdout) }()
	}

	// The first transport to stop takes the whole server down: a closed
	// stdio pipe means the parent is gone, a dead listener means nobody
	// can reach us.
	select {
	case err := <-errCh:
		cancel()
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("server stopped")
	return nil
}
