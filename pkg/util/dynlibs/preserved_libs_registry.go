package dynlibs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/locks"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
	"github.com/ppphp/emergo/pkg/versions"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// plibEntry serializes as the [cpv, counter, paths] triple.
type plibEntry struct {
	Cpv     string
	Counter string
	Paths   []string
}

func (e plibEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Cpv, e.Counter, e.Paths})
}

func (e *plibEntry) UnmarshalJSON(b []byte) error {
	var raw []jsoniter.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return exception.InvalidData("preserved libs entry has %d fields", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Cpv); err != nil {
		return err
	}
	var counter interface{}
	if err := json.Unmarshal(raw[1], &counter); err != nil {
		return err
	}
	e.Counter = strings.TrimSpace(fmt.Sprint(counter))
	return json.Unmarshal(raw[2], &e.Paths)
}

// PreservedLibsRegistry records libraries kept on disk after their owner
// was replaced or removed, keyed by "cp:slot" of the former owner.
type PreservedLibsRegistry struct {
	root, filename string
	data           map[string]*plibEntry
	dataOrig       []byte
	lock           *locks.Lock
}

func NewPreservedLibsRegistry(root, filename string) *PreservedLibsRegistry {
	return &PreservedLibsRegistry{root: root, filename: filename}
}

func (p *PreservedLibsRegistry) Lock() error {
	if p.lock != nil {
		return fmt.Errorf("preserved libs registry already locked")
	}
	if _, err := util.EnsureDirs(filepath.Dir(p.filename), 0755); err != nil {
		return err
	}
	l, err := locks.Lockfile(p.filename, true, false, "", 0)
	if err != nil {
		return err
	}
	p.lock = l
	return nil
}

func (p *PreservedLibsRegistry) Unlock() error {
	if p.lock == nil {
		return fmt.Errorf("preserved libs registry not locked")
	}
	err := p.lock.Unlock()
	p.lock = nil
	return err
}

// Load reads the registry and drops paths that no longer exist. A corrupt
// file is reported and treated as empty.
func (p *PreservedLibsRegistry) Load() error {
	p.data = map[string]*plibEntry{}
	content, err := os.ReadFile(p.filename)
	if err != nil {
		if os.IsPermission(err) {
			return exception.PermissionDenied(p.filename)
		}
		if !os.IsNotExist(err) {
			return err
		}
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &p.data); err != nil {
			msg.WriteMsgLevel(fmt.Sprintf("!!! Error loading '%s': %s\n", p.filename, err), 40, -1)
			p.data = map[string]*plibEntry{}
		}
	}
	p.dataOrig, _ = json.Marshal(p.data)
	p.PruneNonExisting()
	return nil
}

// Store writes the registry if it changed since Load.
func (p *PreservedLibsRegistry) Store() error {
	if os.Getenv("SANDBOX_ON") == "1" {
		return nil
	}
	cur, err := json.Marshal(p.data)
	if err != nil {
		return err
	}
	if bytes.Equal(cur, p.dataOrig) {
		return nil
	}
	out, err := json.MarshalIndent(p.data, "", "    ")
	if err != nil {
		return err
	}
	if err := util.WriteAtomic(p.filename, out); err != nil {
		msg.WriteMsgLevel(fmt.Sprintf("!!! %s %s\n", err, p.filename), 40, -1)
		return err
	}
	p.dataOrig = cur
	return nil
}

func (p *PreservedLibsRegistry) ensureLoaded() {
	if p.data == nil {
		if err := p.Load(); err != nil {
			msg.WriteMsgLevel(fmt.Sprintf("!!! %s\n", err), 40, -1)
			p.data = map[string]*plibEntry{}
		}
	}
}

// Register records paths as preserved for cpv. Registering no paths for
// the same cpv and counter removes the entry.
func (p *PreservedLibsRegistry) Register(cpv, slot, counter string, paths []string) {
	p.ensureLoaded()
	cps := versions.CpvGetKey(cpv) + ":" + slot
	counter = strings.TrimSpace(counter)
	if len(paths) == 0 {
		if e, ok := p.data[cps]; ok && e.Cpv == cpv && strings.TrimSpace(e.Counter) == counter {
			delete(p.data, cps)
		}
		return
	}
	p.data[cps] = &plibEntry{Cpv: cpv, Counter: counter, Paths: util.UniqueSorted(paths)}
}

func (p *PreservedLibsRegistry) Unregister(cpv, slot, counter string) {
	p.Register(cpv, slot, counter, nil)
}

// PruneNonExisting keeps regular files that still exist and symlinks that
// point at one of them.
func (p *PreservedLibsRegistry) PruneNonExisting() {
	for cps, e := range p.data {
		var paths []string
		hardlinks := map[string]bool{}
		symlinks := map[string]string{}
		for _, f := range e.Paths {
			fAbs := util.JoinRoot(p.root, f)
			lst, err := os.Lstat(fAbs)
			if err != nil {
				continue
			}
			if lst.Mode()&os.ModeSymlink != 0 {
				target, err := os.Readlink(fAbs)
				if err != nil {
					continue
				}
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(f), target)
				}
				symlinks[f] = util.NormalizePath(target)
			} else if lst.Mode().IsRegular() {
				hardlinks[f] = true
				paths = append(paths, f)
			}
		}
		for f, target := range symlinks {
			if hardlinks[target] {
				paths = append(paths, f)
			}
		}
		if len(paths) > 0 {
			sort.Strings(paths)
			e.Paths = paths
		} else {
			delete(p.data, cps)
		}
	}
}

func (p *PreservedLibsRegistry) HasEntries() bool {
	p.ensureLoaded()
	return len(p.data) > 0
}

// GetPreservedLibs maps each owning cpv to its preserved paths.
func (p *PreservedLibsRegistry) GetPreservedLibs() map[string][]string {
	p.ensureLoaded()
	rValue := map[string][]string{}
	for _, e := range p.data {
		rValue[e.Cpv] = append(rValue[e.Cpv], e.Paths...)
	}
	return rValue
}

// Entry returns the slot and counter cpv is registered under.
func (p *PreservedLibsRegistry) Entry(cpv string) (slot, counter string, ok bool) {
	p.ensureLoaded()
	for cps, e := range p.data {
		if e.Cpv != cpv {
			continue
		}
		i := strings.Index(cps, ":")
		if i < 0 {
			continue
		}
		return cps[i+1:], e.Counter, true
	}
	return "", "", false
}
