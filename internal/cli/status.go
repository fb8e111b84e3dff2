package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the recovery engine is running",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pid, err := readPID()
	if err != nil {
		cmd.Println("remedyd is not running")
		return nil
	}

	if !processAlive(pid) {
		cmd.Printf("remedyd is not running (stale PID file, pid %d)\n", pid)
		return nil
	}

	cmd.Printf("remedyd is running (pid %d)\n", pid)
	return nil
}

// pidFilePath resolves the PID file from the configured data directory.
func pidFilePath() (string, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg.DataDir, "remedy.pid"), nil
}

func readPID() (int, error) {
	path, err := pidFilePath()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
