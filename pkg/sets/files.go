package sets

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/locks"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
)

const (
	// SetPrefix introduces a set name in arguments and world_sets.
	SetPrefix = "@"

	WorldFile     = "var/lib/portage/world"
	WorldSetsFile = "var/lib/portage/world_sets"
)

// WorldSelectedSet is the set of packages and sets the user asked for
// explicitly. Atoms live in the world file, set names in world_sets.
type WorldSelectedSet struct {
	*PackageSet

	filename     string
	setsFilename string
	lock         *locks.Lock
	log          *logrus.Entry
}

func NewWorldSelectedSet(eroot string) *WorldSelectedSet {
	w := &WorldSelectedSet{
		PackageSet:   newPackageSet("selected", "Set of packages and subsets that were merged explicitly", true),
		filename:     filepath.Join(eroot, WorldFile),
		setsFilename: filepath.Join(eroot, WorldSetsFile),
	}
	w.log = msg.WithFields(logrus.Fields{"file": w.filename})
	w.operations = Operations
	w.load = w.loadFiles
	w.write = w.writeFiles
	return w
}

func (w *WorldSelectedSet) loadFiles() ([]string, error) {
	atoms, err := util.GrabFile(w.filename)
	if err != nil {
		return nil, err
	}
	var items []string
	for _, a := range atoms {
		if strings.HasPrefix(a, SetPrefix) {
			// set names belong in world_sets
			w.log.WithField("entry", a).Warn("set name in world file")
			continue
		}
		items = append(items, a)
	}
	names, err := util.GrabFile(w.setsFilename)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if !strings.HasPrefix(n, SetPrefix) {
			n = SetPrefix + n
		}
		items = append(items, n)
	}
	return items, nil
}

func (w *WorldSelectedSet) writeFiles(p *PackageSet) error {
	var atoms []string
	for _, a := range p.Atoms() {
		atoms = append(atoms, a.Value)
	}
	if _, err := util.EnsureDirs(filepath.Dir(w.filename), 0755); err != nil {
		return err
	}
	if err := util.WriteAtomic(w.filename, []byte(joinLines(atoms))); err != nil {
		return err
	}
	return util.WriteAtomic(w.setsFilename, []byte(joinLines(p.NonAtoms())))
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Lock takes the world file lock. Updates made while it is held are read
// back first so concurrent writers do not lose entries.
func (w *WorldSelectedSet) Lock() error {
	if w.lock != nil {
		return fmt.Errorf("%s: already locked", w.filename)
	}
	if _, err := util.EnsureDirs(filepath.Dir(w.filename), 0755); err != nil {
		return err
	}
	l, err := locks.Lockfile(w.filename, true, false, "", 0)
	if err != nil {
		return err
	}
	w.lock = l
	w.Reload()
	return nil
}

func (w *WorldSelectedSet) Unlock() error {
	if w.lock == nil {
		return nil
	}
	err := w.lock.Unlock()
	w.lock = nil
	return err
}

// SetConfig resolves set names to sets.
type SetConfig struct {
	sets map[string]*PackageSet
}

// NewSetConfig registers the selected, system and world sets for eroot.
// World is the union of selected and system.
func NewSetConfig(eroot string, systemAtoms []string) (*SetConfig, *WorldSelectedSet) {
	selected := NewWorldSelectedSet(eroot)
	system := NewStaticSet("system", "System packages of the active profile", systemAtoms)
	world := NewStaticSet("world", "Selected and system packages", []string{SetPrefix + "selected", SetPrefix + "system"})
	c := &SetConfig{sets: map[string]*PackageSet{}}
	c.Add(selected.PackageSet)
	c.Add(system)
	c.Add(world)
	return c, selected
}

func (c *SetConfig) Add(p *PackageSet) {
	c.sets[p.Name] = p
}

func (c *SetConfig) Get(name string) (*PackageSet, bool) {
	p, ok := c.sets[strings.TrimPrefix(name, SetPrefix)]
	return p, ok
}

// Names returns the registered set names.
func (c *SetConfig) Names() []string {
	return sortedKeys(c.sets)
}

func sortedKeys(m map[string]*PackageSet) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Expand returns the atoms of name and of every set it references.
func (c *SetConfig) Expand(name string) ([]string, error) {
	e := &setExpansion{seen: map[string]bool{}, visiting: map[string]bool{}}
	if err := c.expand(e, name, nil); err != nil {
		return nil, err
	}
	return e.out, nil
}

type setExpansion struct {
	out      []string
	seen     map[string]bool
	visiting map[string]bool
}

func (c *SetConfig) expand(e *setExpansion, name string, chain []string) error {
	name = strings.TrimPrefix(name, SetPrefix)
	if e.visiting[name] {
		return fmt.Errorf("set %s references itself: %s", name, strings.Join(append(chain, name), " -> "))
	}
	p, ok := c.sets[name]
	if !ok {
		return fmt.Errorf("unknown set: %s%s", SetPrefix, name)
	}
	e.visiting[name] = true
	defer delete(e.visiting, name)
	for _, a := range p.Atoms() {
		if !e.seen[a.Value] {
			e.seen[a.Value] = true
			e.out = append(e.out, a.Value)
		}
	}
	for _, ref := range p.NonAtoms() {
		if !strings.HasPrefix(ref, SetPrefix) {
			continue
		}
		if err := c.expand(e, ref, append(chain, name)); err != nil {
			return err
		}
	}
	return nil
}
