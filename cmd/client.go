package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sajjad-MoBe/kvs/client"
	"github.com/sajjad-MoBe/kvs/internal/config"
	"github.com/sajjad-MoBe/kvs/internal/server"
)

func newClientCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running kvs server",
	}
	clientCmd.PersistentFlags().StringVarP(&addr, "addr", "a", server.DefaultAddr, "Server address")
	clientCmd.PersistentFlags().DurationVar(&timeout, "timeout", client.DefaultConfig().Timeout, "Per-request timeout")

	// KVS_ADDR applies unless --addr was given
	resolveAddr := func(cmd *cobra.Command) string {
		if v, ok := os.LookupEnv(config.EnvAddr); ok && !cmd.Flags().Changed("addr") {
			return v
		}
		return addr
	}

	connect := func(cmd *cobra.Command, fn func(*client.Client) error) error {
		cfg := client.DefaultConfig()
		cfg.Timeout = timeout
		c, err := client.Dial(resolveAddr(cmd), cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(c)
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return connect(cmd, func(c *client.Client) error {
				value, ok, err := c.Get(args[0])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), NotFoundMessage)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set the value of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return connect(cmd, func(c *client.Client) error {
				return c.Set(args[0], args[1])
			})
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return connect(cmd, func(c *client.Client) error {
				err := c.Remove(args[0])
				var serverErr *client.ServerError
				if errors.As(err, &serverErr) {
					fmt.Fprintln(cmd.OutOrStdout(), serverErr.Message)
					return &exitError{code: 1}
				}
				return err
			})
		},
	}

	var requests, connections int
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a simple set/get load test",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := client.DefaultConfig()
			cfg.Timeout = timeout
			result, err := client.LoadTest(resolveAddr(cmd), cfg, requests, connections)
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%d requests, %d errors in %v (%.0f req/s)\n",
					result.Requests, result.Errors, result.Duration, result.Throughput())
			}
			return err
		},
	}
	benchCmd.Flags().IntVarP(&requests, "requests", "n", 10000, "Number of requests")
	benchCmd.Flags().IntVarP(&connections, "connections", "c", 4, "Concurrent connections")

	clientCmd.AddCommand(getCmd, setCmd, rmCmd, benchCmd)
	return clientCmd
}
