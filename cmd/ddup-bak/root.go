package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/0x7d8/ddup-bak/chunk"
	"github.com/0x7d8/ddup-bak/repository"
)

var (
	repoPath  string
	threads   int
	chunkSize int
	maxChunks int
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "ddup-bak",
	Short:         "Deduplicating backup repositories",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "r", ".", "repository root directory")
	rootCmd.PersistentFlags().IntVarP(&threads, "threads", "t", 0, "worker threads (0 = all CPUs)")
	rootCmd.PersistentFlags().IntVarP(&chunkSize, "chunk-size", "c", repository.DefaultChunkSize, "chunk size in bytes")
	rootCmd.PersistentFlags().IntVarP(&maxChunks, "max-chunks", "m", 0, "max chunks per file, 0 = unlimited")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(initCmd, createCmd, listCmd, restoreCmd, deleteCmd, cleanCmd, inspectCmd)
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func repoOptions() []repository.Option {
	return []repository.Option{
		repository.WithChunkSize(chunkSize),
		repository.WithMaxChunksPerFile(maxChunks),
		repository.WithLogger(logger()),
	}
}

func openRepo() (*repository.Repository, error) {
	return repository.Open(repoPath, repoOptions()...)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		repo, err := repository.Create(repoPath, repoOptions()...)
		if err != nil {
			return err
		}
		defer repo.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "initialized repository at %s\n", repo.Root())
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archives",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()

		names, err := repo.ListArchives()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <archive>",
	Short: "Delete an archive and release its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()

		released := 0
		if err := repo.DeleteArchive(context.Background(), args[0], func(chunk.ID, bool) {
			released++
		}); err != nil {
			return err
		}
		if err := repo.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%d chunk references released)\n", args[0], released)
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove chunks no archive references anymore",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()

		removed := 0
		if err := repo.Clean(context.Background(), func(_ chunk.ID, deleted bool) {
			if deleted {
				removed++
			}
		}); err != nil {
			return err
		}
		if err := repo.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned chunks\n", removed)
		return nil
	},
}
