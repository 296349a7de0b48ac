package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/capstanhq/capstan/internal/config"
	"github.com/capstanhq/capstan/internal/daemon"
	"github.com/capstanhq/capstan/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capability server",
	Long: `Run the capability server in the foreground.
Capabilities are discovered from the configured directory and served
over HTTP until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer lg.Close()

	d, err := daemon.New(cfg, lg.GetZerolog())
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		return err
	}

	// Block until interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return d.Stop()
}
