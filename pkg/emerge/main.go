package emerge

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ppphp/emergo/config"
	"github.com/ppphp/emergo/pkg/myutil"
	"github.com/ppphp/emergo/pkg/output"
	"github.com/ppphp/emergo/pkg/util/msg"
)

// Version is printed by --version and recorded in the mtimedb.
const Version = "0.3.0"

// actions are the mutually exclusive long options that select what to do.
// Everything else merges.
var actions = map[string]string{
	"depclean":  "c",
	"deselect":  "",
	"help":      "h",
	"list-sets": "",
	"moo":       "",
	"unmerge":   "C",
	"version":   "V",
}

var options = map[string]string{
	"alphabetical": "",
	"buildpkgonly": "B",
	"debug":        "d",
	"emptytree":    "e",
	"fetchonly":    "f",
	"newuse":       "N",
	"nodeps":       "O",
	"noreplace":    "n",
	"oneshot":      "1",
	"onlydeps":     "o",
	"pretend":      "p",
	"resume":       "r",
	"tree":         "t",
	"update":       "u",
}

// yesNoOptions take an optional y or n. "n" is the same as leaving the
// option out, except for the ones in keepNo.
var yesNoOptions = map[string]string{
	"alert":             "A",
	"ask":               "a",
	"ask-enter-invalid": "",
	"color":             "",
	"complete-graph":    "",
	"keep-going":        "",
	"quiet":             "q",
	"select":            "w",
	"selective":         "",
	"usepkg":            "k",
	"usepkgonly":        "K",
	"verbose":           "v",
	"with-bdeps":        "",
}

var keepNo = map[string]bool{"with-bdeps": true, "selective": true, "select": true, "color": true}

var valueOptions = map[string]struct{ short, help string }{
	"backtrack":    {"", "number of times to backtrack on conflicts"},
	"config":       {"", "settings file"},
	"deep":         {"D", "consider the entire dependency tree, or N levels of it"},
	"jobs":         {"j", "number of packages to merge at once"},
	"load-average": {"", "hold back new jobs while the load average is this high"},
	"order-policy": {"", "fewest-parents or most-parents"},
	"reinstall":    {"", "changed-use to reinstall when enabled flags change"},
	"root":         {"", "target root filesystem for merging packages"},
}

const COWSAY_MOO = `

Larry loves Gentoo (%s)

_______________________
< Have you mooed today? >
-----------------------
        \   ^__^
         \  (oo)\_______
            (__)\       )\/\
                ||----w |
                ||     ||

`

// MultipleActionsError is returned when two actions are requested.
type MultipleActionsError struct{ First, Second string }

func (e *MultipleActionsError) Error() string {
	return fmt.Sprintf("Multiple actions requested... Please choose one only.\n!!! '%s' or '%s'", e.First, e.Second)
}

func newFlagSet(out io.Writer) *pflag.FlagSet {
	pf := pflag.NewFlagSet("emerge", pflag.ContinueOnError)
	pf.SetOutput(out)
	pf.SortFlags = true
	for name, short := range actions {
		pf.BoolP(name, short, false, "action: "+name)
	}
	for name, short := range options {
		pf.BoolP(name, short, false, "")
	}
	pf.BoolP("changed-use", "U", false, "same as --reinstall=changed-use")
	for name, short := range yesNoOptions {
		pf.StringP(name, short, "", "y or n")
		pf.Lookup(name).NoOptDefVal = "y"
	}
	for name, o := range valueOptions {
		pf.StringP(name, o.short, "", o.help)
	}
	pf.Lookup("deep").NoOptDefVal = "true"
	pf.Lookup("jobs").NoOptDefVal = strconv.Itoa(runtime.NumCPU())
	return pf
}

// ParseOpts splits a command line into the action, the options as
// "--name" keys and the remaining arguments.
func ParseOpts(args []string, out io.Writer) (string, map[string]string, []string, error) {
	pf := newFlagSet(out)
	if err := pf.Parse(args); err != nil {
		return "", nil, nil, err
	}

	myaction := ""
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v, _ := pf.GetBool(name); v {
			if myaction != "" {
				return "", nil, nil, &MultipleActionsError{myaction, name}
			}
			myaction = name
		}
	}

	opts := map[string]string{}
	var err error
	pf.Visit(func(f *pflag.Flag) {
		if _, ok := actions[f.Name]; ok {
			return
		}
		v := f.Value.String()
		if _, ok := yesNoOptions[f.Name]; ok {
			if v != "y" && v != "n" {
				err = fmt.Errorf("invalid value %q for --%s, expected y or n", v, f.Name)
				return
			}
			if v == "n" && !keepNo[f.Name] {
				return
			}
		}
		if f.Name == "changed-use" {
			opts["--reinstall"] = "changed-use"
			return
		}
		opts["--"+f.Name] = v
	})
	if err != nil {
		return "", nil, nil, err
	}
	for _, k := range []string{"--jobs", "--backtrack"} {
		if v, ok := opts[k]; ok {
			if n, e := strconv.Atoi(v); e != nil || n < 0 {
				return "", nil, nil, fmt.Errorf("invalid value %q for %s", v, k)
			}
		}
	}
	if v, ok := opts["--load-average"]; ok {
		if f, e := strconv.ParseFloat(v, 64); e != nil || f < 0 {
			return "", nil, nil, fmt.Errorf("invalid value %q for --load-average", v)
		}
	}
	if v, ok := opts["--order-policy"]; ok {
		if _, ok := ParseOrderPolicy(v); !ok {
			return "", nil, nil, fmt.Errorf("invalid --order-policy %q", v)
		}
	}
	if myaction == "" && opts["--select"] == "n" {
		opts["--oneshot"] = "true"
	}
	return myaction, opts, pf.Args(), nil
}

// findBadAtoms returns the arguments that are neither sets nor valid
// package atoms.
func findBadAtoms(args []string) []string {
	var invalid []string
	for _, x := range args {
		if strings.HasPrefix(x, "@") {
			continue
		}
		if !isValidPackageAtom(x) {
			invalid = append(invalid, x)
		}
	}
	return invalid
}

func emergeHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "   "+output.Colorize("BOLD", "emerge")+" [ options ] [ action ] [ ebuild | @set | atom ] [ ... ]")
	fmt.Fprintln(w, "   "+output.Colorize("BOLD", "emerge")+" [ options ] [ action ] < @system | @world >")
	fmt.Fprintln(w, "   "+output.Colorize("BOLD", "emerge")+" < --unmerge | -C > [ options ] < atom | @set > [ ... ]")
	fmt.Fprintln(w, "   "+output.Colorize("BOLD", "emerge")+" < --depclean | -c > [ options ] [ atom ] [ ... ]")
	fmt.Fprintln(w, "   "+output.Colorize("BOLD", "emerge")+" < --help | -h | --version | --list-sets >")
	fmt.Fprintln(w)
	newFlagSet(w).PrintDefaults()
}

// EmergeMain is the command line entry point. It returns the exit status.
func EmergeMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	myaction, myopts, myfiles, err := ParseOpts(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "\n!!! %s\n\n", err)
		return 1
	}

	if myopts["--color"] == "n" {
		output.NoColor()
	}
	switch {
	case myutil.Inmss(myopts, "--debug"):
		msg.SetNoiseLimit(2)
	case myutil.Inmss(myopts, "--quiet"):
		msg.SetNoiseLimit(-1)
	case myutil.Inmss(myopts, "--verbose"):
		msg.SetNoiseLimit(1)
	}

	switch myaction {
	case "help":
		emergeHelp(stdout)
		return 0
	case "moo":
		fmt.Fprintf(stdout, COWSAY_MOO, runtime.GOOS)
		return 0
	case "version":
		fmt.Fprintf(stdout, "emergo %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		return 0
	}

	if invalid := findBadAtoms(myfiles); len(invalid) > 0 {
		for _, b := range invalid {
			fmt.Fprintf(stderr, "!!! '%s' is not a valid package atom.\n", b)
		}
		fmt.Fprintln(stderr, "!!! Please check ebuild(5) for full details.")
		return 1
	}

	settings, err := config.Load(myopts["--config"])
	if err != nil {
		fmt.Fprintf(stderr, "!!! %s\n", err)
		return 1
	}
	if r, ok := myopts["--root"]; ok {
		settings.Root = r
	}

	syscall.Umask(022)

	e, err := LoadEmergeConfig(settings, myaction, myfiles, myopts)
	if err != nil {
		fmt.Fprintf(stderr, "!!! %s\n", err)
		return 1
	}
	defer e.Close()
	e.In, e.Out, e.Err = stdin, stdout, stderr
	return RunAction(ctx, e)
}

