package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0x7d8/ddup-bak/compression"
	"github.com/0x7d8/ddup-bak/repository"
)

var createCompression string

func init() {
	createCmd.Flags().StringVar(&createCompression, "compression", "none",
		"compression for small files: none, gzip, deflate, brotli")
}

var createCmd = &cobra.Command{
	Use:   "create <archive> <dir>",
	Short: "Archive a directory tree into the repository",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := compression.Parse(createCompression)
		if err != nil {
			return err
		}

		repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()

		files := 0
		a, err := repo.CreateArchive(context.Background(), args[0], args[1],
			repository.CreateWithThreads(threads),
			repository.CreateWithCompression(func(string, uint64) compression.Format {
				return format
			}),
			repository.CreateWithArchivingProgress(func(string) {
				files++
			}),
		)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := repo.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created archive %s (%d files)\n", args[0], files)
		return nil
	},
}
