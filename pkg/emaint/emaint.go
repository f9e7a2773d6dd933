// Package emaint implements the maintenance tasks run by the emaint
// command: each module can check for a class of problems and fix them.
package emaint

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/config"
	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/sets"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
)

// Version is recorded in the mtimedb when a module rewrites it.
const Version = "emaint"

// Env is what the modules work on.
type Env struct {
	Vardb    *dbapi.VarDbapi
	World    *sets.WorldSelectedSet
	Mtimedb  *util.MtimeDB
	Bintrees []*dbapi.BinDbapi
}

// NewEnv opens the databases of the root settings describes. Binary
// repositories that fail to load are skipped with a warning.
func NewEnv(settings *config.Settings) *Env {
	dc := settings.DbapiConfig()
	_, world := sets.NewSetConfig(dc.EROOT(), settings.System)
	e := &Env{
		Vardb:   dbapi.NewVarDbapi(dc),
		World:   world,
		Mtimedb: util.NewMtimeDB(filepath.Join(dc.EROOT(), dbapi.CachePath, "mtimedb")),
	}
	for _, r := range settings.Repos {
		if r.Kind != "binary" {
			continue
		}
		b := dbapi.NewBinDbapi(r.Location)
		if err := b.Populate(); err != nil {
			msg.WithFields(logrus.Fields{"repo": r.Name}).WithError(err).Warn("skipping binary repository")
			continue
		}
		e.Bintrees = append(e.Bintrees, b)
	}
	return e
}

// Module is one maintenance task. Check and Fix return one line per
// problem found or fixed.
type Module interface {
	Name() string
	Description() string
	Check(e *Env) ([]string, error)
	Fix(e *Env) ([]string, error)
}

var modules = map[string]Module{}

func register(m Module) { modules[m.Name()] = m }

func init() {
	register(binhostHandler{})
	register(cleanResumeHandler{})
	register(mergesHandler{})
	register(worldHandler{})
}

// Modules returns the registered modules by name.
func Modules() []Module {
	names := make([]string, 0, len(modules))
	for n := range modules {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Module, len(names))
	for i, n := range names {
		out[i] = modules[n]
	}
	return out
}

func Get(name string) (Module, bool) {
	m, ok := modules[name]
	return m, ok
}

// Run applies check or fix of m.
func Run(e *Env, m Module, fix bool) ([]string, error) {
	log := msg.WithFields(logrus.Fields{"module": m.Name(), "fix": fix})
	var lines []string
	var err error
	if fix {
		lines, err = m.Fix(e)
	} else {
		lines, err = m.Check(e)
	}
	if err != nil {
		log.WithError(err).Error("module failed")
		return lines, fmt.Errorf("%s: %w", m.Name(), err)
	}
	log.WithField("problems", len(lines)).Debug("module done")
	return lines, nil
}
