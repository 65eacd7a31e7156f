// Package cmd implements the kvs command line.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sajjad-MoBe/kvs/internal/config"
	"github.com/sajjad-MoBe/kvs/internal/storage"
)

// NotFoundMessage is printed when a key has no value
const NotFoundMessage = "Key not found"

// exitError carries a process exit code out of a command without printing
// anything further.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// options are shared by every subcommand
type options struct {
	dir      string
	logLevel string
}

// NewRootCommand builds the kvs command tree
func NewRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "kvs",
		Short: "A log-structured key-value store",
		Long: `kvs stores string keys and values in append-only segment files
and serves them locally or over a JSON protocol on TCP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.dir, "dir", "d", "", "Store root directory (default $KVS_DIR or .)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newGetCmd(opts),
		newSetCmd(opts),
		newRmCmd(opts),
		newCompactCmd(opts),
		newCheckCmd(opts),
		newServeCmd(opts),
		newClientCmd(),
	)
	return rootCmd
}

// Run executes the command line in args and returns the process exit code
func Run(args []string, stdout, stderr io.Writer) int {
	rootCmd := NewRootCommand()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}

// Execute runs the command line from os.Args and exits
func Execute() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// loadConfig resolves configuration from defaults, the environment and
// the persistent flags. defaultLevel applies when neither sets a level.
func (o *options) loadConfig(defaultLevel string) (*config.Config, error) {
	cfg := config.Default()
	cfg.LogLevel = defaultLevel
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	if o.dir != "" {
		cfg.Dir = o.dir
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// openStore opens the store for a one-shot local command
func (o *options) openStore(cmd *cobra.Command) (*storage.Store, error) {
	cfg, err := o.loadConfig("warn")
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	cfg.Storage.Logger = logger
	return storage.Open(cfg.Dir, cfg.Storage)
}
