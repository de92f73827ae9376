package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0x7d8/ddup-bak/archive"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "Print an archive's entries and their metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()

		a, err := repo.GetArchive(args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		entries, total := 0, uint64(0)
		err = a.Walk(func(path string, entry *archive.Entry) error {
			entries++
			switch entry.Type {
			case archive.TypeDirectory:
				fmt.Fprintf(out, "d %s %10s  %s/\n", entry.Mode.Perm(), "", path)
			case archive.TypeSymlink:
				fmt.Fprintf(out, "l %s %10s  %s -> %s\n", entry.Mode.Perm(), "", path, entry.Target)
			case archive.TypeFile:
				total += entry.SizeReal
				detail := entry.Compression.String()
				if entry.ChunkReferenced() {
					detail = "chunked"
				}
				fmt.Fprintf(out, "- %s %10d  %s (%s)\n", entry.Mode.Perm(), entry.SizeReal, path, detail)
			}
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%d entries, %d bytes\n", entries, total)
		return nil
	},
}
