// Package cli wires the orchardd command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Daemon exit codes.
const (
	ExitOK     = 0
	ExitConfig = 2
	ExitMount  = 3
	ExitAuth   = 4
)

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

var configPath string

// NewRootCommand builds the orchardd command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "orchardd",
		Short:         "Orchard sync daemon",
		Long:          "Orchard projects a remote drive as a local filesystem with lazy materialization, an authoritative local state database, and conflict-arbitrated push-back.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/orchard/config.json)")

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newConflictsCommand())
	cmd.AddCommand(newResolveCommand())
	cmd.AddCommand(newPinCommand())
	cmd.AddCommand(newUnpinCommand())
	cmd.AddCommand(newPauseCommand())
	cmd.AddCommand(newResumeCommand())

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "orchardd: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return ExitOK
}
