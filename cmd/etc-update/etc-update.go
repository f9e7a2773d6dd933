package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppphp/emergo/config"
	"github.com/ppphp/emergo/pkg/util/cfgupdate"
)

const (
	automodeMerge    = 3
	automodeMergeF   = 5
	automodeDiscard  = 7
	automodeDiscardF = 9
)

var (
	configPath string
	preen      bool
	quiet      bool
	showDiff   bool
	automode   int
)

func etcUpdate(out io.Writer, paths []string) error {
	switch automode {
	case 0, automodeMerge, automodeMergeF, automodeDiscard, automodeDiscardF:
	default:
		return fmt.Errorf("invalid automode %d", automode)
	}
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	protect := settings.ConfigProtect
	if len(paths) > 0 {
		protect = paths
	}
	updates, err := cfgupdate.Scan(settings.EROOT(), protect, settings.ConfigProtectMask)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		if !quiet {
			fmt.Fprintln(out, "Nothing left to do; exiting. :)")
		}
		return nil
	}

	left := 0
	for _, u := range updates {
		trivial, err := u.Trivial()
		if err != nil {
			return err
		}
		switch {
		case automode == automodeMerge || automode == automodeMergeF || (preen && trivial):
			if err := u.Merge(); err != nil {
				return err
			}
			if !quiet {
				fmt.Fprintf(out, "Replacing %s with %s\n", u.Live, u.Newest())
			}
		case automode == automodeDiscard || automode == automodeDiscardF:
			if err := u.Discard(); err != nil {
				return err
			}
			if !quiet {
				fmt.Fprintf(out, "Deleting %d update(s) of %s\n", len(u.Pending), u.Live)
			}
		default:
			left++
			fmt.Fprintf(out, "%s (%d)\n", u.Live, len(u.Pending))
			if showDiff {
				d, err := u.Diff(3)
				if err != nil {
					return err
				}
				fmt.Fprint(out, d)
			}
		}
	}
	if left > 0 && !quiet {
		fmt.Fprintf(out, "%d file(s) need updating\n", left)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "etc-update [options] [paths to scan]",
		Short: "Handle configuration file updates",
		Long: `Handle configuration file updates.

If no paths are specified, then config_protect will be used.

  --automode 3  auto merge all files
  --automode 5  auto merge all files without asking
  --automode 7  discard all updates
  --automode 9  discard all updates without asking`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return etcUpdate(cmd.OutOrStdout(), args)
		},
	}
	f := root.Flags()
	f.StringVar(&configPath, "config", "", "settings file")
	f.BoolVarP(&preen, "preen", "p", false, "Automerge trivial changes only and quit")
	f.BoolVarP(&quiet, "quiet", "q", false, "Show only essential output")
	f.BoolVarP(&showDiff, "diff", "d", false, "Show a diff for every pending update")
	f.IntVar(&automode, "automode", 0, "Merge or discard every update without asking")
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "etc-update: ERROR: %s\n", err)
		os.Exit(1)
	}
}
