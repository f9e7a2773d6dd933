package dbapi

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sys/unix"

	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/locks"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/dynlibs"
	"github.com/ppphp/emergo/pkg/util/msg"
	"github.com/ppphp/emergo/pkg/versions"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	auxCacheVersion    = 1
	ownersCacheVersion = 1
)

var (
	excludedDirsRe = regexp.MustCompile(`^(\..*|` + mergingPrefix + `.*|CVS|lost\+found)$`)
	auxMultiLineRe = regexp.MustCompile(`^(CONTENTS|NEEDED\.ELF\.2|PROVIDES|REQUIRES|environment)$`)

	// auxCacheKeys are kept in the metadata cache; other keys are read
	// from the package directory on every lookup.
	auxCacheKeys = map[string]bool{
		"BDEPEND": true, "BUILD_ID": true, "BUILD_TIME": true, "CHOST": true,
		"COUNTER": true, "DEFINED_PHASES": true, "DEPEND": true,
		"DESCRIPTION": true, "EAPI": true, "HOMEPAGE": true, "IDEPEND": true,
		"IUSE": true, "KEYWORDS": true, "LICENSE": true, "PDEPEND": true,
		"PROPERTIES": true, "PROVIDES": true, "RDEPEND": true, "REQUIRES": true,
		"repository": true, "RESTRICT": true, "SLOT": true, "USE": true,
	}
)

type auxCachePackage struct {
	Mtime    int64             `json:"mtime"`
	Metadata map[string]string `json:"metadata"`
}

type ownersCacheData struct {
	Version   int                        `json:"version"`
	BaseNames map[string]map[string]bool `json:"base_names"`
}

type auxCache struct {
	Version   int                         `json:"version"`
	Timestamp int64                       `json:"timestamp"`
	Packages  map[string]*auxCachePackage `json:"packages"`
	Owners    *ownersCacheData            `json:"owners"`

	modified map[string]bool
}

type cpCacheEntry struct {
	mtime int64
	pkgs  []*versions.PkgStr
}

// lockHolder identifies one transaction to the in-process side of the
// database locks. Nested acquisitions by the same holder do not block;
// every other holder waits until the count drops to zero.
type lockHolder struct{ _ byte }

func newLockHolder() *lockHolder { return &lockHolder{} }

type heldLock struct {
	holder *lockHolder
	count  int
	obj    *locks.Lock
}

// acquireHeld claims l for h, waiting on cond while another holder has it.
// It reports whether the claim is new, in which case the caller takes the
// file lock without holding mu.
func acquireHeld(l *heldLock, cond *sync.Cond, h *lockHolder) bool {
	for l.count > 0 && (h == nil || l.holder != h) {
		cond.Wait()
	}
	l.count++
	if l.count > 1 {
		return false
	}
	l.holder = h
	return true
}

// releaseHeld drops one level of l and reports whether it became free.
func releaseHeld(l *heldLock) bool {
	if l.count == 0 {
		return false
	}
	l.count--
	if l.count > 0 {
		return false
	}
	if l.obj != nil {
		l.obj.Unlock()
		l.obj = nil
	}
	l.holder = nil
	return true
}

// VarDbapi is the installed-package database: one directory per cpv under
// var/db/pkg holding CONTENTS, COUNTER and one file per metadata key.
type VarDbapi struct {
	settings *Config

	eroot              string
	dbroot             string
	counterPath        string
	auxCacheFilename   string
	cacheDeltaFilename string
	confMemFile        string

	lockMu    sync.Mutex
	lockCond  *sync.Cond
	vdbLock   heldLock
	fsHeld    heldLock
	slotLocks map[string]*heldLock

	cacheMu           sync.Mutex
	cpcache           map[string]cpCacheEntry
	auxCacheObj       *auxCache
	auxCacheThreshold int
	cachedCounter     int64

	cacheDelta   *VdbMetadataDelta
	plibRegistry *dynlibs.PreservedLibsRegistry
	linkmap      *dynlibs.LinkageMap
	owners       *OwnersDB
}

func NewVarDbapi(settings *Config) *VarDbapi {
	v := &VarDbapi{
		settings:          settings,
		eroot:             settings.EROOT(),
		slotLocks:         map[string]*heldLock{},
		cpcache:           map[string]cpCacheEntry{},
		auxCacheThreshold: 5,
		cachedCounter:     math.MinInt64,
	}
	v.lockCond = sync.NewCond(&v.lockMu)
	v.dbroot = filepath.Join(v.eroot, VdbPath)
	v.counterPath = filepath.Join(v.eroot, CachePath, "counter")
	v.auxCacheFilename = filepath.Join(v.eroot, CachePath, auxCacheFile)
	v.cacheDeltaFilename = filepath.Join(v.eroot, CachePath, deltaCacheFile)
	v.confMemFile = filepath.Join(v.eroot, PrivatePath, configMemory)
	v.cacheDelta = NewVdbMetadataDelta(v)
	v.plibRegistry = dynlibs.NewPreservedLibsRegistry(settings.Root, filepath.Join(v.eroot, PrivatePath, plibsFile))
	v.linkmap = dynlibs.NewLinkageMap(v, v.plibRegistry, settings.Root)
	v.owners = newOwnersDB(v)
	return v
}

func (v *VarDbapi) Settings() *Config { return v.settings }

func (v *VarDbapi) PlibRegistry() *dynlibs.PreservedLibsRegistry { return v.plibRegistry }

func (v *VarDbapi) Linkmap() *dynlibs.LinkageMap { return v.linkmap }

func (v *VarDbapi) Owners() *OwnersDB { return v.owners }

func (v *VarDbapi) CacheDelta() *VdbMetadataDelta { return v.cacheDelta }

// Writable reports whether the database directory can be written.
func (v *VarDbapi) Writable() bool {
	return unix.Access(util.FirstExisting(v.dbroot), unix.W_OK) == nil
}

// Getpath returns the record directory of cpv, or a file inside it.
func (v *VarDbapi) Getpath(cpv, filename string) string {
	p := filepath.Join(v.dbroot, cpv)
	if filename != "" {
		p = filepath.Join(p, filename)
	}
	return p
}

// Lock takes the global database lock. Calls from different goroutines
// exclude each other; Dblink transactions nest through their holder.
func (v *VarDbapi) Lock() error {
	return v.lockFor(nil)
}

// takeFileLock finishes a fresh claim of l by taking its file lock. On
// failure the claim is dropped again.
func (v *VarDbapi) takeFileLock(l *heldLock, take func() (*locks.Lock, error)) error {
	obj, err := take()
	v.lockMu.Lock()
	defer v.lockMu.Unlock()
	if err != nil {
		l.count, l.holder = 0, nil
		v.lockCond.Broadcast()
		return err
	}
	l.obj = obj
	return nil
}

func (v *VarDbapi) lockFor(h *lockHolder) error {
	v.lockMu.Lock()
	fresh := acquireHeld(&v.vdbLock, v.lockCond, h)
	v.lockMu.Unlock()
	if !fresh {
		return nil
	}
	return v.takeFileLock(&v.vdbLock, func() (*locks.Lock, error) {
		if _, err := util.EnsureDirs(v.dbroot, 0755); err != nil {
			return nil, err
		}
		return locks.Lockdir(v.dbroot, 0)
	})
}

func (v *VarDbapi) Unlock() {
	v.lockMu.Lock()
	defer v.lockMu.Unlock()
	if v.vdbLock.count == 0 {
		panic("vdb not locked")
	}
	if releaseHeld(&v.vdbLock) {
		v.lockCond.Broadcast()
	}
}

// WithLock runs fn while holding the global database lock.
func (v *VarDbapi) WithLock(fn func() error) error {
	return v.withLockFor(nil, fn)
}

func (v *VarDbapi) withLockFor(h *lockHolder, fn func() error) error {
	if err := v.lockFor(h); err != nil {
		return err
	}
	defer v.Unlock()
	return fn()
}

// fsLock serializes writers of the config memory and the preserved libs
// registry.
func (v *VarDbapi) fsLock(h *lockHolder) error {
	v.lockMu.Lock()
	fresh := acquireHeld(&v.fsHeld, v.lockCond, h)
	v.lockMu.Unlock()
	if !fresh {
		return nil
	}
	return v.takeFileLock(&v.fsHeld, func() (*locks.Lock, error) {
		if _, err := util.EnsureDirs(filepath.Dir(v.confMemFile), 0755); err != nil {
			return nil, err
		}
		return locks.Lockfile(v.confMemFile, true, false, "", 0)
	})
}

func (v *VarDbapi) fsUnlock() {
	v.lockMu.Lock()
	defer v.lockMu.Unlock()
	if releaseHeld(&v.fsHeld) {
		v.lockCond.Broadcast()
	}
}

func (v *VarDbapi) slotLock(h *lockHolder, slotAtom string) error {
	v.lockMu.Lock()
	sl := v.slotLocks[slotAtom]
	if sl == nil {
		sl = &heldLock{}
		v.slotLocks[slotAtom] = sl
	}
	fresh := acquireHeld(sl, v.lockCond, h)
	v.lockMu.Unlock()
	if !fresh {
		return nil
	}
	return v.takeFileLock(sl, func() (*locks.Lock, error) {
		lockPath := v.Getpath(slotAtom, "")
		if _, err := util.EnsureDirs(filepath.Dir(lockPath), 0755); err != nil {
			return nil, err
		}
		return locks.Lockfile(lockPath, true, false, "", 0)
	})
}

func (v *VarDbapi) slotUnlock(slotAtom string) {
	v.lockMu.Lock()
	defer v.lockMu.Unlock()
	sl := v.slotLocks[slotAtom]
	if sl == nil || sl.count == 0 {
		panic("slot not locked: " + slotAtom)
	}
	// Entries stay in the map; waiters keep a pointer to them.
	if releaseHeld(sl) {
		v.lockCond.Broadcast()
	}
}

// SlotLocks locks every "cp:slot" in slotAtoms, in sorted order, and
// returns the matching release function.
func (v *VarDbapi) SlotLocks(slotAtoms []string) (func(), error) {
	return v.slotLocksFor(nil, slotAtoms)
}

func (v *VarDbapi) slotLocksFor(h *lockHolder, slotAtoms []string) (func(), error) {
	atoms := util.UniqueSorted(slotAtoms)
	var held []string
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			v.slotUnlock(held[i])
		}
	}
	for _, a := range atoms {
		if err := v.slotLock(h, a); err != nil {
			release()
			return nil, err
		}
		held = append(held, a)
	}
	return release, nil
}

func (v *VarDbapi) bumpMtime(cpv string) {
	catDir := filepath.Join(v.dbroot, versions.CatSplit(cpv)[0])
	now := unix.NsecToTimespec(time.Now().UnixNano())
	for _, x := range []string{catDir, v.dbroot} {
		if err := unix.UtimesNano(x, []unix.Timespec{now, now}); err != nil {
			util.EnsureDirs(x, 0755)
		}
	}
}

func (v *VarDbapi) CpvExists(cpv string) bool {
	st, err := os.Stat(v.Getpath(cpv, ""))
	return err == nil && st.IsDir()
}

// CpvCounter returns the COUNTER of cpv, or 0 when unreadable.
func (v *VarDbapi) CpvCounter(cpv string) int64 {
	values, err := v.AuxGet(cpv, []string{"COUNTER"})
	if err != nil {
		return 0
	}
	c, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
	if err != nil {
		msg.WriteMsgLevel(fmt.Sprintf("!!! COUNTER file is corrupt for %s\n", cpv), 40, -1)
		return 0
	}
	return c
}

func listDirNames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (v *VarDbapi) CpList(cp string) []*versions.PkgStr {
	split := versions.CatSplit(cp)
	if len(split) != 2 {
		return nil
	}
	catDir := filepath.Join(v.dbroot, split[0])
	st, err := os.Stat(catDir)
	if err != nil {
		return nil
	}
	mtime := st.ModTime().UnixNano()

	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	if c, ok := v.cpcache[cp]; ok && c.mtime == mtime {
		return append([]*versions.PkgStr{}, c.pkgs...)
	}
	var pkgs []*versions.PkgStr
	for _, x := range listDirNames(catDir) {
		if excludedDirsRe.MatchString(x) {
			continue
		}
		ps, ok := versions.PkgSplit(x)
		if !ok {
			msg.WriteMsg(fmt.Sprintf("\nInvalid ebuild name: %s\n", filepath.Join(catDir, x)), -1, nil)
			continue
		}
		if ps[0] != split[1] {
			continue
		}
		cpv := split[0] + "/" + x
		md, err := v.auxGetMap(cpv, PkgStrKeys)
		if err != nil {
			continue
		}
		p, err := newPkgStr(cpv, md, nil)
		if err != nil {
			continue
		}
		pkgs = append(pkgs, p)
	}
	sortPkgStrs(pkgs)
	v.cpcache[cp] = cpCacheEntry{mtime: mtime, pkgs: pkgs}
	return append([]*versions.PkgStr{}, pkgs...)
}

// CpvAll lists every installed cpv, skipping in-progress merge records.
func (v *VarDbapi) CpvAll() []string {
	var cpvs []string
	for _, cat := range listDirNames(v.dbroot) {
		if excludedDirsRe.MatchString(cat) {
			continue
		}
		catDir := filepath.Join(v.dbroot, cat)
		if st, err := os.Stat(catDir); err != nil || !st.IsDir() {
			continue
		}
		for _, x := range listDirNames(catDir) {
			if excludedDirsRe.MatchString(x) {
				continue
			}
			cpv := cat + "/" + x
			if _, ok := versions.CatPkgSplit(cpv); !ok {
				continue
			}
			if st, err := os.Stat(filepath.Join(catDir, x)); err != nil || !st.IsDir() {
				continue
			}
			cpvs = append(cpvs, cpv)
		}
	}
	versions.SortCpvs(cpvs)
	return cpvs
}

// MergingRecords returns the cpvs whose merge was interrupted, leaving a
// -MERGING- record behind.
func (v *VarDbapi) MergingRecords() []string {
	var cpvs []string
	for _, cat := range listDirNames(v.dbroot) {
		if strings.HasPrefix(cat, ".") {
			continue
		}
		for _, x := range listDirNames(filepath.Join(v.dbroot, cat)) {
			if strings.HasPrefix(x, mergingPrefix) {
				cpvs = append(cpvs, cat+"/"+strings.TrimPrefix(x, mergingPrefix))
			}
		}
	}
	versions.SortCpvs(cpvs)
	return cpvs
}

// RemoveMergingRecord deletes the -MERGING- record of cpv under the vdb
// lock.
func (v *VarDbapi) RemoveMergingRecord(cpv string) error {
	split := versions.CatSplit(cpv)
	if len(split) != 2 {
		return fmt.Errorf("invalid cpv %q", cpv)
	}
	return v.WithLock(func() error {
		err := os.RemoveAll(filepath.Join(v.dbroot, split[0], mergingPrefix+split[1]))
		v.bumpMtime(cpv)
		return err
	})
}

func (v *VarDbapi) CpAll() []string {
	seen := map[string]bool{}
	for _, cpv := range v.CpvAll() {
		seen[versions.CpvGetKey(cpv)] = true
	}
	cps := make([]string, 0, len(seen))
	for cp := range seen {
		cps = append(cps, cp)
	}
	sort.Strings(cps)
	return cps
}

func (v *VarDbapi) Match(atom *dep.Atom) []*versions.PkgStr {
	return dep.MatchFromList(atom, v.CpList(atom.Cp))
}

func (v *VarDbapi) auxCache() *auxCache {
	if v.auxCacheObj == nil {
		v.auxCacheInit()
	}
	return v.auxCacheObj
}

func newAuxCache() *auxCache {
	return &auxCache{
		Version:  auxCacheVersion,
		Packages: map[string]*auxCachePackage{},
		Owners:   &ownersCacheData{Version: ownersCacheVersion, BaseNames: map[string]map[string]bool{}},
		modified: map[string]bool{},
	}
}

func (v *VarDbapi) auxCacheInit() {
	ac := newAuxCache()
	content, err := os.ReadFile(v.auxCacheFilename)
	if err == nil {
		loaded := &auxCache{}
		if err := json.Unmarshal(content, loaded); err != nil {
			msg.WriteMsg(fmt.Sprintf("!!! Error loading '%s': %s\n", v.auxCacheFilename, err), -1, nil)
		} else if loaded.Version == auxCacheVersion && loaded.Packages != nil {
			ac.Packages = loaded.Packages
			ac.Timestamp = loaded.Timestamp
			if o := loaded.Owners; o != nil && o.Version == ownersCacheVersion && len(o.BaseNames) > 0 {
				ac.Owners = o
			}
		}
	} else if !os.IsNotExist(err) && !os.IsPermission(err) {
		msg.WriteMsg(fmt.Sprintf("!!! Error loading '%s': %s\n", v.auxCacheFilename, err), -1, nil)
	}
	v.auxCacheObj = ac

	if delta := v.cacheDelta.Load(); delta != nil && delta.Timestamp == ac.Timestamp {
		v.cacheDelta.applyDelta(delta)
	}
}

// FlushCache writes the metadata cache when enough entries changed since
// the last write, and starts a fresh delta log.
func (v *VarDbapi) FlushCache() {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	v.flushCache()
}

func (v *VarDbapi) flushCache() {
	ac := v.auxCacheObj
	if ac == nil || len(ac.modified) < v.auxCacheThreshold || !v.Writable() {
		return
	}
	valid := map[string]bool{}
	for _, cpv := range v.CpvAll() {
		valid[cpv] = true
	}
	for cpv := range ac.Packages {
		if !valid[cpv] {
			delete(ac.Packages, cpv)
		}
	}
	ac.Timestamp = time.Now().UnixNano()
	out, err := json.Marshal(ac)
	if err != nil {
		msg.WriteMsgLevel(fmt.Sprintf("!!! %s\n", err), 40, -1)
		return
	}
	if _, err := util.EnsureDirs(filepath.Dir(v.auxCacheFilename), 0755); err != nil {
		return
	}
	if err := util.WriteAtomic(v.auxCacheFilename, out); err != nil {
		msg.WriteMsgLevel(fmt.Sprintf("!!! %s\n", err), 40, -1)
		return
	}
	if err := v.cacheDelta.Initialize(ac.Timestamp); err != nil {
		msg.WriteMsgLevel(fmt.Sprintf("!!! %s\n", err), 40, -1)
	}
	ac.modified = map[string]bool{}
}

// AuxGet returns the values of keys for the installed cpv. The pseudo key
// "_mtime_" yields the record directory mtime in nanoseconds.
func (v *VarDbapi) AuxGet(cpv string, keys []string) ([]string, error) {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	return v.auxGet(cpv, keys)
}

func (v *VarDbapi) auxGetMap(cpv string, keys []string) (map[string]string, error) {
	values, err := v.auxGet(cpv, keys)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(keys))
	for i, k := range keys {
		m[k] = values[i]
	}
	return m, nil
}

func (v *VarDbapi) auxGet(cpv string, keys []string) ([]string, error) {
	pkgDir := v.Getpath(cpv, "")
	st, err := os.Stat(pkgDir)
	if err != nil || !st.IsDir() {
		return nil, notFound(cpv)
	}
	mtime := st.ModTime().UnixNano()

	needCache := false
	for _, k := range keys {
		if auxCacheKeys[k] {
			needCache = true
			break
		}
	}
	var cached map[string]string
	if needCache {
		ac := v.auxCache()
		if pkg := ac.Packages[cpv]; pkg != nil && pkg.Mtime == mtime && pkg.Metadata != nil {
			cached = pkg.Metadata
		} else {
			cached = map[string]string{}
			for k := range auxCacheKeys {
				cached[k] = readAuxFile(pkgDir, k)
			}
			ac.Packages[cpv] = &auxCachePackage{Mtime: mtime, Metadata: cached}
			ac.modified[cpv] = true
		}
	}

	r := make([]string, len(keys))
	for i, k := range keys {
		switch {
		case k == "_mtime_":
			r[i] = strconv.FormatInt(mtime, 10)
		case auxCacheKeys[k]:
			r[i] = cached[k]
		default:
			r[i] = readAuxFile(pkgDir, k)
		}
	}
	return r, nil
}

func readAuxFile(pkgDir, key string) string {
	b, err := os.ReadFile(filepath.Join(pkgDir, key))
	if err != nil {
		if key == "EAPI" {
			return "0"
		}
		return ""
	}
	s := string(b)
	if !auxMultiLineRe.MatchString(key) {
		s = strings.Join(strings.Fields(s), " ")
	}
	if key == "EAPI" && s == "" {
		s = "0"
	}
	return s
}

// AuxUpdate rewrites metadata files of cpv. An empty value removes the key.
func (v *VarDbapi) AuxUpdate(cpv string, values map[string]string) error {
	if !v.CpvExists(cpv) {
		return notFound(cpv)
	}
	for k, val := range values {
		p := v.Getpath(cpv, k)
		if val == "" {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		if err := util.WriteAtomic(p, []byte(val+"\n")); err != nil {
			return err
		}
	}
	v.bumpMtime(cpv)
	v.clearPkgCache(cpv)
	return nil
}

// CounterTick allocates the next global COUNTER value and persists it.
func (v *VarDbapi) CounterTick() (int64, error) {
	return v.counterTick(nil)
}

func (v *VarDbapi) counterTick(h *lockHolder) (int64, error) {
	if err := v.lockFor(h); err != nil {
		return 0, err
	}
	defer v.Unlock()

	counter := v.getCounterTickCore()
	if _, err := util.EnsureDirs(filepath.Dir(v.counterPath), 0755); err != nil {
		return 0, err
	}
	if err := util.WriteAtomic(v.counterPath, []byte(strconv.FormatInt(counter, 10))); err != nil {
		return 0, err
	}
	v.cacheMu.Lock()
	v.cachedCounter = counter
	v.flushCache()
	v.cacheMu.Unlock()
	return counter, nil
}

// getCounterTickCore returns the value the next CounterTick hands out. The
// installed packages are scanned whenever the counter file disagrees with
// the last value this process wrote, so a missing or corrupt file never
// makes the counter go backwards.
func (v *VarDbapi) getCounterTickCore() int64 {
	counter := int64(-1)
	c, err := os.ReadFile(v.counterPath)
	if err == nil {
		line := strings.TrimSpace(strings.SplitN(string(c), "\n", 2)[0])
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			msg.WriteMsg(fmt.Sprintf("!!! COUNTER file is corrupt: '%s'\n", v.counterPath), -1, nil)
			msg.WriteMsg(fmt.Sprintf("!!! %s\n", err), -1, nil)
		} else {
			counter = n
		}
	} else if !os.IsNotExist(err) {
		msg.WriteMsg(fmt.Sprintf("!!! Unable to read COUNTER file: '%s'\n", v.counterPath), -1, nil)
		msg.WriteMsg(fmt.Sprintf("!!! %s\n", err), -1, nil)
	}

	maxCounter := counter
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	if v.cachedCounter != counter {
		for _, cpv := range v.CpvAll() {
			values, err := v.auxGet(cpv, []string{"COUNTER"})
			if err != nil {
				continue
			}
			n, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
			if err != nil {
				continue
			}
			if n > maxCounter {
				maxCounter = n
			}
		}
	}
	return maxCounter + 1
}

// Dblink returns a merge handle for the installed cpv.
func (v *VarDbapi) Dblink(cpv string) *Dblink {
	split := versions.CatSplit(cpv)
	return NewDblink(split[0], split[1], v, nil)
}

func (v *VarDbapi) clearPkgCache(cpv string) {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	delete(v.cpcache, versions.CpvGetKey(cpv))
}

func (v *VarDbapi) add(d *Dblink) {
	v.clearPkgCache(d.Cpv())
}

func (v *VarDbapi) remove(d *Dblink) {
	v.clearPkgCache(d.Cpv())
}

// RemoveFromContents drops paths from the CONTENTS of pkg together with
// their NEEDED.ELF.2 lines. Paths are relative to the target root when
// relative is set and absolute otherwise.
func (v *VarDbapi) RemoveFromContents(pkg *Dblink, paths []string, relative bool) error {
	rootLen := len(rootPrefix(v.settings.Root))
	newContents := pkg.Contents().Copy()
	removed := 0
	for _, filename := range paths {
		filename = util.NormalizePath(filename)
		rel := filename
		if !relative {
			rel = filename[rootLen:]
		}
		if key := pkg.matchContents(rel); key != "" {
			delete(newContents, key)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}

	neededFilename := filepath.Join(pkg.dbdir, dynlibs.NeededAuxKey)
	var newNeeded []*dynlibs.NeededEntry
	if b, err := os.ReadFile(neededFilename); err == nil {
		newNeeded = []*dynlibs.NeededEntry{}
		for _, l := range strings.Split(string(b), "\n") {
			if l == "" {
				continue
			}
			entry, err := dynlibs.ParseNeededEntry(neededFilename, l)
			if err != nil {
				msg.WriteMsgLevel(fmt.Sprintf("\n%s\n\n", err), 40, -1)
				continue
			}
			if _, ok := newContents[util.JoinRoot(v.settings.Root, entry.Filename)]; ok {
				newNeeded = append(newNeeded, entry)
			}
		}
	}
	return v.writeContentsToContentsFile(pkg, newContents, newNeeded)
}

func (v *VarDbapi) writeContentsToContentsFile(pkg *Dblink, newContents Contents, newNeeded []*dynlibs.NeededEntry) error {
	v.bumpMtime(pkg.Cpv())
	if newNeeded != nil {
		var b strings.Builder
		for _, entry := range newNeeded {
			b.WriteString(entry.String() + "\n")
		}
		if err := util.WriteAtomic(filepath.Join(pkg.dbdir, dynlibs.NeededAuxKey), []byte(b.String())); err != nil {
			return err
		}
	}
	f, err := util.NewAtomicOfstream(filepath.Join(pkg.dbdir, "CONTENTS"), true)
	if err != nil {
		return err
	}
	if err := WriteContents(newContents, v.settings.Root, f); err != nil {
		f.Abort()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	v.bumpMtime(pkg.Cpv())
	pkg.clearContentsCache()
	return nil
}
