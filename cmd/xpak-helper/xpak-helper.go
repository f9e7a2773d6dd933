package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppphp/emergo/pkg/xpak"
)

func recomposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompose <binpkg_path> <metadata_dir>",
		Short: "Replace the metadata of a binary package with the files in metadata_dir",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			binpkg, metadataDir := args[0], args[1]
			if st, err := os.Stat(binpkg); err != nil || !st.Mode().IsRegular() {
				return fmt.Errorf("Argument 1 is not a regular file: '%s'", binpkg)
			}
			if st, err := os.Stat(metadataDir); err != nil || !st.IsDir() {
				return fmt.Errorf("Argument 2 is not a directory: '%s'", metadataDir)
			}
			return xpak.NewTbz2(binpkg).Recompose(metadataDir, true)
		},
	}
}

func decomposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decompose <binpkg_path> <metadata_dir>",
		Short: "Unpack the metadata of a binary package into metadata_dir",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return xpak.NewTbz2(args[0]).Decompose(args[1])
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:          "xpak-helper",
		Short:        "Perform metadata operations on a binary package.",
		SilenceUsage: true,
	}
	root.AddCommand(recomposeCmd(), decomposeCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
