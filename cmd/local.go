package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	kvErr "github.com/sajjad-MoBe/kvs/internal/errors"
	"github.com/sajjad-MoBe/kvs/internal/storage"
)

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store *storage.Store) error {
				value, ok, err := store.Get(args[0])
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
}

func newSetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set the value of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store *storage.Store) error {
				return store.Set(args[0], args[1])
			})
		},
	}
}

func newRmCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store *storage.Store) error {
				err := store.Remove(args[0])
				if kvErr.IsNotFound(err) {
					fmt.Fprintln(cmd.OutOrStdout(), NotFoundMessage)
					return &exitError{code: 1}
				}
				return err
			})
		},
	}
}

func newCompactCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the log keeping only live values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store *storage.Store) error {
				before, err := store.Uncompacted()
				if err != nil {
					return err
				}
				if err := store.Compact(); err != nil {
					return err
				}
				n, err := store.Len()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "compacted %d keys, reclaimed %d bytes\n", n, before)
				return nil
			})
		},
	}
}

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify every segment and print a summary",
		Long: `check decodes every segment of the store, reporting record counts,
the length of the valid prefix, any corrupt tail and a BLAKE3 digest of
each file. It exits with status 1 when a corrupt tail is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store *storage.Store) error {
				infos, err := store.Inspect()
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				corrupt := 0
				for _, info := range infos {
					fmt.Fprintf(out, "log-%d: %d records (%d sets, %d removes), %d/%d bytes valid, blake3 %s\n",
						info.ID, info.Records(), info.Sets, info.Removes, info.ValidBytes, info.Size, info.Digest)
					if info.Tail != nil {
						corrupt++
						fmt.Fprintf(out, "log-%d: corrupt tail at offset %d: %v\n", info.ID, info.Tail.Offset, info.Tail.Err)
					}
				}
				fmt.Fprintf(out, "%d segments, %d with corrupt tails\n", len(infos), corrupt)

				if corrupt > 0 {
					return &exitError{code: 1}
				}
				return nil
			})
		},
	}
}

func withStore(cmd *cobra.Command, opts *options, fn func(*storage.Store) error) error {
	store, err := opts.openStore(cmd)
	if err != nil {
		return err
	}
	err = fn(store)
	if cerr := store.Close(); err == nil {
		err = cerr
	}
	return err
}
