package cmd

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dliu42/algorithmic-trading-bot/internal/session"
	"github.com/dliu42/algorithmic-trading-bot/pkg/formatters"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last recorded session state",
	Long:  `Reads the session state file and reports whether the recorded process is still running.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	state, err := session.StateFile{Path: cfg.Session.StateFile}.Read()
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("No session has run yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session state: %w", err)
	}

	fmt.Println(formatters.FormatSessionState(state, processAlive(state.PID)))
	return nil
}

// processAlive checks pid with signal 0
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
