package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0x7d8/ddup-bak/repository"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <archive> [dest]",
	Short: "Rebuild an archive's tree on the filesystem",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()

		opts := []repository.RestoreOption{
			repository.RestoreWithThreads(threads),
		}
		if len(args) == 2 {
			opts = append(opts, repository.RestoreWithDestination(args[1]))
		}

		dest, err := repo.RestoreArchive(context.Background(), args[0], opts...)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s\n", args[0], dest)
		return nil
	},
}
