package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/config"
	"github.com/remedyhq/remedy/internal/daemon"
	"github.com/remedyhq/remedy/internal/logger"
)

var startForeground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the recovery engine",
	Long: `Start the recovery engine: the failure ingestion server, the agent
runtime, and the retention sweep. Runs until interrupted.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startForeground, "foreground", true, "run in the foreground")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   startForeground,
		Pretty:    startForeground,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, loader.GetConfigPath())
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	d.Wait()
	return d.Stop()
}
