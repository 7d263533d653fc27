package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/spf13/cobra"
)

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Manage the custom vocabulary sent as enhancement context",
}

var vocabAddCmd = &cobra.Command{
	Use:   "add <term>...",
	Short: "Add one or more terms",
	Args:  cobra.MinimumNArgs(1),
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store *eventstore.Store, args []string) error {
		for _, term := range args {
			if err := store.AddTerm(ctx, term); err != nil {
				return fmt.Errorf("add %q: %w", term, err)
			}
		}
		return nil
	}),
}

var vocabListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored terms",
	Args:  cobra.NoArgs,
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store *eventstore.Store, args []string) error {
		terms, err := store.ListTerms(ctx)
		if err != nil {
			return err
		}
		for _, term := range terms {
			fmt.Fprintln(cmd.OutOrStdout(), term)
		}
		return nil
	}),
}

var vocabImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Import terms from a file, one per line",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store *eventstore.Store, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open vocabulary file: %w", err)
			}
			defer f.Close()
			r = f
		}
		added, skipped, err := store.ImportTerms(ctx, r)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d terms, skipped %d\n", added, skipped)
		return nil
	}),
}

var vocabRemoveCmd = &cobra.Command{
	Use:   "remove <term>",
	Short: "Remove a term",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store *eventstore.Store, args []string) error {
		removed, err := store.RemoveTerm(ctx, args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("term %q not found", args[0])
		}
		return nil
	}),
}

// withStore opens the configured event store around fn. An ephemeral store
// keeps nothing between runs, so vocabulary commands refuse it.
func withStore(fn func(context.Context, *cobra.Command, *eventstore.Store, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.EventStore.RetentionMode == "ephemeral" {
			return fmt.Errorf("vocabulary is not persisted with event_store.retention_mode ephemeral")
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		store, err := eventstore.Open(ctx, cfg.EventStore, slog.Default())
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer store.Close()
		return fn(ctx, cmd, store, args)
	}
}

func init() {
	vocabCmd.AddCommand(vocabAddCmd, vocabListCmd, vocabImportCmd, vocabRemoveCmd)
	rootCmd.AddCommand(vocabCmd)
}
