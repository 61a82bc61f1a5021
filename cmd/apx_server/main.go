// Command apx_server runs the APX signal-exchange server.
//
// Usage:
//
//	apx_server <config.json>
//
// Exit code 0 on clean shutdown, 1 on configuration error.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/apxrmf/apxd/internal/config"
	"github.com/apxrmf/apxd/internal/logger"
	"github.com/apxrmf/apxd/internal/monitor"
	"github.com/apxrmf/apxd/internal/server"
	"github.com/apxrmf/apxd/internal/textlog"
	"github.com/apxrmf/apxd/internal/transport"
)

var dumpConfig bool

var rootCmd = &cobra.Command{
	Use:   "apx_server <config.json>",
	Short: "APX signal-exchange server",
	Long: `apx_server multiplexes APX client connections, matches provide and
require ports by name and type, and routes signal updates between
producers and consumers over the RMF protocol.

Configuration comes from the JSON file passed as the single argument;
individual settings can be overridden with APX_-prefixed environment
variables (e.g. APX_LOGGING_LEVEL=DEBUG).`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().BoolVar(&dumpConfig, "dump-config", false, "Print the effective configuration as YAML and exit")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	if dumpConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	srv := server.New()
	srv.MaxFragment = int(cfg.Server.MaxFragment.Int64())

	srv.RegisterExtension(transport.New())
	if cfg.Extension.TextLog.ExtensionEnabled {
		srv.RegisterExtension(textlog.New())
	}
	if cfg.Extension.Monitor.ExtensionEnabled {
		srv.RegisterExtension(monitor.New())
	}
	srv.InitExtensions(cfg)

	logger.Info("server started")
	waitForShutdown(cfg.Server.ShutdownTimer)
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.ShutdownExtensions(ctx)
	return nil
}

// waitForShutdown blocks until SIGINT/SIGTERM or, when configured, the
// shutdown timer fires.
func waitForShutdown(timerSeconds int) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	if timerSeconds > 0 {
		select {
		case <-sig:
		case <-time.After(time.Duration(timerSeconds) * time.Second):
			logger.Info("shutdown timer elapsed")
		}
		return
	}
	<-sig
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "apx_server:", err)
		os.Exit(1)
	}
}
