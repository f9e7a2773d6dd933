package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppphp/emergo/config"
	"github.com/ppphp/emergo/pkg/emaint"
)

var (
	configPath string
	check, fix bool
)

func run(out io.Writer, mods []emaint.Module) error {
	if check == fix {
		return errors.New("exactly one of --check and --fix is required")
	}
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	env := emaint.NewEnv(settings)
	action := "check"
	if fix {
		action = "fix"
	}
	failed := false
	for _, m := range mods {
		fmt.Fprintf(out, "Emaint: %s %s\n", action, m.Name())
		lines, err := emaint.Run(env, m, fix)
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
		if errors.Is(err, syscall.EACCES) || errors.Is(err, os.ErrPermission) {
			fmt.Fprint(os.Stderr, "\nemaint: Need superuser access\n")
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "emaint: %s\n", err)
			failed = true
		}
	}
	if failed {
		return errors.New("one or more modules failed")
	}
	return nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "emaint [options] <module>|all",
		Short:         "Perform package database maintenance",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "settings file")
	root.PersistentFlags().BoolVarP(&check, "check", "c", false, "Check for problems")
	root.PersistentFlags().BoolVarP(&fix, "fix", "f", false, "Fix the problems found")

	names := []string{}
	for _, m := range emaint.Modules() {
		m := m
		names = append(names, m.Name())
		root.AddCommand(&cobra.Command{
			Use:   m.Name(),
			Short: m.Description(),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.OutOrStdout(), []emaint.Module{m})
			},
		})
	}
	root.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Run every module: " + strings.Join(names, ", "),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), emaint.Modules())
		},
	})
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "emaint: %s\n", err)
		os.Exit(1)
	}
}
