package emerge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/config"
	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/myutil"
	"github.com/ppphp/emergo/pkg/output"
	"github.com/ppphp/emergo/pkg/sets"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
)

// EmergeConfig is everything one emerge invocation works with.
type EmergeConfig struct {
	Action     string
	Args       []string
	Opts       map[string]string
	Settings   *config.Settings
	Roots      map[string]*RootConfig
	TargetRoot string
	Mergers    map[string]Merger

	In  io.Reader
	Out io.Writer
	Err io.Writer

	closers []io.Closer
}

// LoadEmergeConfig opens the databases of the target root described by
// settings.
func LoadEmergeConfig(settings *config.Settings, action string, args []string, opts map[string]string) (*EmergeConfig, error) {
	e := &EmergeConfig{
		Action:   action,
		Args:     args,
		Opts:     opts,
		Settings: settings,
		In:       os.Stdin,
		Out:      os.Stdout,
		Err:      os.Stderr,
	}
	dc := settings.DbapiConfig()
	vardb := dbapi.NewVarDbapi(dc)
	setconfig, world := sets.NewSetConfig(dc.EROOT(), settings.System)
	rc := NewRootConfig(dc, vardb, setconfig, world)
	rc.Mtimedb = util.NewMtimeDB(filepath.Join(dc.EROOT(), dbapi.CachePath, "mtimedb"))

	log := msg.WithFields(logrus.Fields{"root": rc.Root})
	for _, r := range settings.Repos {
		switch r.Kind {
		case "binary":
			b := dbapi.NewBinDbapi(r.Location)
			if err := b.Populate(); err != nil {
				log.WithError(err).WithField("repo", r.Name).Warn("skipping binary repository")
				continue
			}
			rc.AddSource(TypeBinary, b)
		default:
			po, err := settings.PortOptions(r)
			if err != nil {
				e.Close()
				return nil, err
			}
			p, err := dbapi.NewPortDbapi(r.Name, r.Location, po)
			if err != nil {
				e.Close()
				return nil, fmt.Errorf("repository %s: %w", r.Name, err)
			}
			e.closers = append(e.closers, p)
			rc.AddSource(TypeEbuild, p)
		}
	}

	var exec dbapi.Executor = &dbapi.ImageExecutor{ImageRoot: settings.ImageDir}
	if settings.Builder != "" {
		exec = &dbapi.CommandExecutor{Command: settings.Builder}
	}
	e.Roots = map[string]*RootConfig{rc.Root: rc}
	e.TargetRoot = rc.Root
	e.Mergers = map[string]Merger{rc.Root: &VdbMerger{
		Root:  rc,
		Vardb: vardb,
		Exec:  exec,
		Out:   output.NewEOutput(myutil.Inmss(opts, "--quiet")),
	}}
	return e, nil
}

// Close releases the repository caches.
func (e *EmergeConfig) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *EmergeConfig) has(opt string) bool {
	return myutil.Inmss(e.Opts, opt)
}

func (e *EmergeConfig) target() *RootConfig {
	return e.Roots[e.TargetRoot]
}

func (e *EmergeConfig) eoutput() *output.EOutput {
	out := output.NewEOutput(e.has("--quiet"))
	out.SetWriters(e.Out, e.Err)
	return out
}

func (e *EmergeConfig) displayOptions() DisplayOptions {
	return DisplayOptions{
		Verbose:      e.has("--verbose"),
		Tree:         e.has("--tree"),
		Quiet:        e.has("--quiet"),
		Alphabetical: e.has("--alphabetical"),
	}
}

func (e *EmergeConfig) schedulerOptions() SchedulerOptions {
	o := SchedulerOptions{
		Jobs:      1,
		KeepGoing: e.has("--keep-going"),
		Oneshot:   e.has("--oneshot"),
		OnlyDeps:  e.has("--onlydeps"),
		Resume:    e.has("--resume"),
	}
	if e.Settings != nil {
		o.Jobs, o.LoadAverage = e.Settings.Jobs, e.Settings.LoadAverage
	}
	if v, ok := e.Opts["--jobs"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			o.Jobs = n
		}
	}
	if v, ok := e.Opts["--load-average"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			o.LoadAverage = f
		}
	}
	return o
}

// confirm shows the --ask prompt. It returns false when the user declined
// or the input ended.
func (e *EmergeConfig) confirm(prompt string) bool {
	if !e.has("--ask") {
		return true
	}
	q := NewUserQuery(e.In, e.Out, e.has("--alert"))
	answer, err := q.Query(prompt, e.has("--ask-enter-invalid"))
	if err != nil || answer != "Yes" {
		fmt.Fprint(e.Out, "\nQuitting.\n\n")
		return false
	}
	return true
}

// RunAction carries out e.Action and returns the exit status.
func RunAction(ctx context.Context, e *EmergeConfig) int {
	switch e.Action {
	case "list-sets":
		return e.actionListSets()
	case "deselect":
		return e.actionDeselect()
	case "unmerge", "depclean":
		return e.actionUninstall(ctx)
	}
	if e.has("--resume") {
		return e.actionResume(ctx)
	}
	return e.actionBuild(ctx)
}

func (e *EmergeConfig) actionListSets() int {
	rc := e.target()
	if rc == nil || rc.SetConfig == nil {
		return 1
	}
	for _, name := range rc.SetConfig.Names() {
		fmt.Fprintln(e.Out, name)
	}
	return 0
}

// actionDeselect removes the atoms matching the arguments from the world
// file. With no arguments nothing happens.
func (e *EmergeConfig) actionDeselect() int {
	rc := e.target()
	out := e.eoutput()
	if rc == nil || rc.World == nil {
		out.Eerror("no world file for " + e.TargetRoot)
		return 1
	}
	if err := rc.World.Lock(); err != nil {
		out.Eerror(err.Error())
		return 1
	}
	defer rc.World.Unlock()
	world, ok := rc.SetConfig.Get("selected")
	if !ok {
		return 1
	}
	for _, arg := range e.Args {
		if world.Contains(arg) {
			if e.has("--pretend") {
				fmt.Fprintf(e.Out, ">>> Would remove %s from \"world\" favorites file...\n", output.Colorize("INFORM", arg))
				continue
			}
			if err := world.Remove(arg); err != nil {
				out.Eerror(err.Error())
				return 1
			}
			fmt.Fprintf(e.Out, ">>> Removing %s from \"world\" favorites file...\n", output.Colorize("INFORM", arg))
		}
	}
	return 0
}

func (e *EmergeConfig) actionBuild(ctx context.Context) int {
	if len(e.Args) == 0 {
		fmt.Fprintln(e.Err, "emerge: please tell me what to do.")
		return 1
	}
	out := e.eoutput()
	params := CreateDepgraphParams(e.Opts, "")
	if !e.has("--quiet") {
		fmt.Fprint(e.Out, "\nCalculating dependencies... ")
	}
	d, ok, err := Backtrack(e.Roots, e.TargetRoot, params, e.Args)
	if err != nil {
		if d != nil {
			d.DisplayProblems(e.Err)
		}
		out.Eerror(err.Error())
		return 1
	}
	if !ok {
		if !e.has("--quiet") {
			fmt.Fprintln(e.Out)
		}
		d.DisplayProblems(e.Err)
		return 1
	}
	tasks, err := d.AltList()
	if err != nil {
		d.DisplayProblems(e.Err)
		return 1
	}
	if !e.has("--quiet") {
		fmt.Fprintln(e.Out, " done!")
	}
	mergelist, _ := d.MergeList()
	return e.runMergeList(ctx, d, tasks, mergelist, d.Favorites(), d.SchedulerGraph(), false)
}

func (e *EmergeConfig) actionResume(ctx context.Context) int {
	out := e.eoutput()
	rc := e.target()
	if rc == nil || rc.Mtimedb == nil || rc.Mtimedb.Resume == nil {
		out.Eerror("emerge: It seems we have nothing to resume...")
		return 0
	}
	if rc.Mtimedb.Resume.Oneshot {
		e.Opts["--oneshot"] = "true"
	}
	favorites := rc.Mtimedb.Resume.Favorites
	d, mergelist, err := ResumeDepgraph(e.Roots, e.TargetRoot, CreateDepgraphParams(e.Opts, ""))
	if err != nil {
		if d != nil {
			d.DisplayProblems(e.Err)
		}
		out.Eerror("The resume list could not be used: " + err.Error())
		return 1
	}
	tasks := make([]Task, 0, len(mergelist))
	for _, p := range mergelist {
		tasks = append(tasks, p)
	}
	return e.runMergeList(ctx, d, tasks, mergelist, favorites, d.SchedulerGraph(), false)
}

func (e *EmergeConfig) actionUninstall(ctx context.Context) int {
	out := e.eoutput()
	action := "remove"
	if e.Action == "depclean" {
		action = "depclean"
	}
	params := CreateDepgraphParams(e.Opts, action)
	var (
		list []*Package
		err  error
	)
	if e.Action == "unmerge" {
		if len(e.Args) == 0 {
			out.Eerror("emerge: --unmerge requires at least one atom or set")
			return 1
		}
		list, err = CalcUnmergeList(e.Roots, e.TargetRoot, params, e.Args)
	} else {
		list, err = CalcDepclean(e.Roots, e.TargetRoot, params, e.Args)
	}
	if err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok && errors.Is(err, exception.ErrUnresolvedBlocker) {
			for _, p := range joined.Unwrap() {
				out.Eerror(p.Error())
			}
			out.Eerror("Use --nodeps to remove the packages anyway.")
		} else {
			out.Eerror(err.Error())
		}
		return 1
	}
	if len(list) == 0 {
		if !e.has("--quiet") {
			fmt.Fprintln(e.Out, ">>> No packages selected for removal by "+e.Action)
		}
		return 0
	}
	tasks := make([]Task, 0, len(list))
	for _, p := range list {
		tasks = append(tasks, p)
	}
	return e.runMergeList(ctx, nil, tasks, list, nil, nil, true)
}

// runMergeList shows the tasks, asks for confirmation and runs them.
func (e *EmergeConfig) runMergeList(ctx context.Context, d *Depgraph, tasks []Task, mergelist []*Package,
	favorites []string, graph *util.Digraph[*Package, Priority], cleanWorld bool) int {
	pretend := e.has("--pretend")
	if pretend || e.has("--ask") || e.has("--tree") || e.has("--verbose") {
		if !e.has("--quiet") {
			fmt.Fprint(e.Out, "\nThese are the packages that would be "+verb(cleanWorld)+", in order:\n\n")
		}
		NewDisplay(d, e.Out, e.displayOptions()).Print(tasks)
	}
	if pretend {
		return 0
	}
	if !e.confirm("Would you like to " + verbInfinitive(cleanWorld) + " these packages?") {
		return 0
	}
	opts := e.schedulerOptions()
	opts.CleanWorld = cleanWorld
	if cleanWorld {
		opts.Jobs = 1
	}
	s, err := NewScheduler(e.Roots, e.TargetRoot, e.Mergers, mergelist, graph, favorites, opts)
	if err != nil {
		e.eoutput().Eerror(err.Error())
		return 1
	}
	if err := s.Merge(ctx); err != nil {
		out := e.eoutput()
		for pkg, ferr := range s.Failed() {
			out.Eerror(fmt.Sprintf("%s: %s", pkg.CpvStr(), ferr))
		}
		for _, p := range s.Dropped() {
			out.Ewarn("dropped " + p.CpvStr() + " because a dependency failed")
		}
		if len(s.Failed()) == 0 {
			out.Eerror(err.Error())
		}
		return 1
	}
	return 0
}

func verb(uninstall bool) string {
	if uninstall {
		return "unmerged"
	}
	return "merged"
}

func verbInfinitive(uninstall bool) string {
	if uninstall {
		return "unmerge"
	}
	return "merge"
}
