package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppphp/emergo/api"
	"github.com/ppphp/emergo/config"
	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/versions"
)

// exitCode ends the program with a status but no message.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

var configPath string

// openVardb validates eroot and opens its installed package database.
func openVardb(eroot string) (*dbapi.VarDbapi, error) {
	if st, err := os.Stat(eroot); err != nil || !st.IsDir() {
		fmt.Fprintf(os.Stderr, "Not a directory: '%s'\n", eroot)
		return nil, exitCode(2)
	}
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	settings.Root = eroot
	if settings.EPrefix != "" {
		// eroot already carries the prefix
		settings.Root = strings.TrimSuffix(util.NormalizePath(eroot), util.NormalizePath(settings.EPrefix))
		if settings.Root == "" {
			settings.Root = "/"
		}
	}
	return dbapi.NewVarDbapi(settings.DbapiConfig()), nil
}

func parseAtom(s string) (*dep.Atom, error) {
	a, err := dep.NewAtom(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Invalid atom: '%s'\n", s)
		return nil, exitCode(2)
	}
	return a, nil
}

func cpvs(pkgs []*versions.PkgStr) []string {
	out := make([]string, len(pkgs))
	for i, p := range pkgs {
		out[i] = p.Cpv
	}
	return out
}

func hasVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "has_version <eroot> <category/package>",
		Short: "Return code 0 if it's available, 1 otherwise.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vardb, err := openVardb(args[0])
			if err != nil {
				return err
			}
			a, err := parseAtom(args[1])
			if err != nil {
				return err
			}
			if len(vardb.Match(a)) == 0 {
				return exitCode(1)
			}
			return nil
		},
	}
}

func bestVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "best_version <eroot> <category/package>",
		Short: "Returns highest installed matching category/package-version.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vardb, err := openVardb(args[0])
			if err != nil {
				return err
			}
			a, err := parseAtom(args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), versions.Best(cpvs(vardb.Match(a))))
			return nil
		},
	}
}

func matchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <eroot> <atom>",
		Short: "Returns a list of installed packages matching atom.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vardb, err := openVardb(args[0])
			if err != nil {
				return err
			}
			var found []string
			if args[1] == "" {
				found = vardb.CpvAll()
			} else {
				a, err := parseAtom(args[1])
				if err != nil {
					return err
				}
				found = cpvs(vardb.Match(a))
			}
			versions.SortCpvs(found)
			for _, cpv := range found {
				fmt.Fprintln(cmd.OutOrStdout(), cpv)
			}
			return nil
		},
	}
}

func contentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contents <eroot> <category/package>",
		Short: "List the files that are installed for a given package, with one file listed on each line.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vardb, err := openVardb(args[0])
			if err != nil {
				return err
			}
			if !vardb.CpvExists(args[1]) {
				fmt.Fprintf(os.Stderr, "Package not found: '%s'\n", args[1])
				return exitCode(1)
			}
			for _, path := range vardb.Dblink(args[1]).Contents().Keys() {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
}

func ownersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owners <eroot> [<filename>]+",
		Short: "Given a list of files, print the packages that own the files and which files belong to each package.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vardb, err := openVardb(args[0])
			if err != nil {
				return err
			}
			eroot := util.NormalizePath(args[0])
			cwd, _ := os.Getwd()
			var files []string
			orphans := map[string]bool{}
			for _, f := range args[1:] {
				f = util.NormalizePath(f)
				if !strings.HasPrefix(f, "/") {
					if cwd == "" {
						fmt.Fprintln(os.Stderr, "ERROR: cwd does not exist!")
						return exitCode(2)
					}
					f = util.NormalizePath(filepath.Join(cwd, f))
				}
				if !strings.HasPrefix(f, eroot) {
					fmt.Fprintln(os.Stderr, "ERROR: file paths must begin with <eroot>!")
					return exitCode(2)
				}
				rel := "/" + strings.TrimLeft(f[len(eroot):], "/")
				files = append(files, rel)
				orphans[rel] = true
			}
			owners := vardb.Owners().GetOwners(files)
			names := make([]string, 0, len(owners))
			for cpv := range owners {
				names = append(names, cpv)
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, cpv := range names {
				fmt.Fprintln(out, cpv)
				for _, f := range owners[cpv] {
					fmt.Fprintf(out, "\t%s\n", f)
					delete(orphans, f)
				}
			}
			if len(orphans) > 0 {
				left := make([]string, 0, len(orphans))
				for f := range orphans {
					left = append(left, f)
				}
				sort.Strings(left)
				fmt.Fprintln(os.Stderr, "None of the installed packages claim these files:")
				for _, f := range left {
					fmt.Fprintf(os.Stderr, "\t%s\n", f)
				}
			}
			if len(owners) == 0 {
				return exitCode(1)
			}
			return nil
		},
	}
}

func isProtectedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "is_protected <eroot> <filename>",
		Short: "Given a single filename, return code 0 if it's protected, 1 otherwise.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vardb, err := openVardb(args[0])
			if err != nil {
				return err
			}
			eroot := util.NormalizePath(args[0])
			f := util.NormalizePath(args[1])
			if !strings.HasPrefix(f, eroot) {
				fmt.Fprintln(os.Stderr, "ERROR: file paths must begin with <eroot>!")
				return exitCode(2)
			}
			s := vardb.Settings()
			cp := util.NewConfigProtect(s.EROOT(), s.ConfigProtect, s.ConfigProtectMask, false)
			if !cp.IsProtected(f) {
				return exitCode(1)
			}
			return nil
		},
	}
}

func vdbPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vdb_path <eroot>",
		Short: "Returns the path used for the var(installed) package database.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vardb, err := openVardb(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(vardb.Settings().EROOT(), dbapi.VdbPath))
			return nil
		},
	}
}

func listPreservedLibsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list_preserved_libs <eroot>",
		Short: "Print a list of libraries preserved during a package update in the form package: path.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vardb, err := openVardb(args[0])
			if err != nil {
				return err
			}
			libs := vardb.PlibRegistry().GetPreservedLibs()
			names := make([]string, 0, len(libs))
			for cpv := range libs {
				names = append(names, cpv)
			}
			sort.Strings(names)
			for _, cpv := range names {
				paths := append([]string(nil), libs[cpv]...)
				sort.Strings(paths)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cpv, strings.Join(paths, " "))
			}
			if len(libs) == 0 {
				return exitCode(1)
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer the same queries over HTTP until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = settings.Server.Listen
			}
			srv, err := api.Open(settings)
			if err != nil {
				return err
			}
			defer srv.Close()
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on, default from the settings file")
	return cmd
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "portageq",
		Short:         "Query the installed package database",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "settings file")
	root.AddCommand(
		hasVersionCmd(),
		bestVersionCmd(),
		matchCmd(),
		contentsCmd(),
		ownersCmd(),
		isProtectedCmd(),
		vdbPathCmd(),
		listPreservedLibsCmd(),
		serveCmd(),
	)
	return root
}

func main() {
	err := newRootCmd().Execute()
	var code exitCode
	switch {
	case err == nil:
	case errors.As(err, &code):
		os.Exit(int(code))
	default:
		fmt.Fprintf(os.Stderr, "portageq: %s\n", err)
		os.Exit(64)
	}
}
