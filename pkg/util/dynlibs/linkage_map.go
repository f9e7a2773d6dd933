package dynlibs

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
)

// NeededDB is the installed-package view a LinkageMap is built from.
type NeededDB interface {
	CpvAll() []string
	AuxGet(cpv string, keys []string) ([]string, error)
}

// objectKey identifies a file by device and inode so that hardlinks and
// symlinked directories collapse into one object. Files that do not exist
// fall back to their normalized path.
type objectKey struct {
	dev, ino uint64
	path     string
}

func (k objectKey) fileExists() bool {
	return k.path == ""
}

type objProperties struct {
	arch, soname, owner string
	needed, runpaths    []string
	altPaths            map[string]bool
}

type sonameNode struct {
	providers map[objectKey]bool
	consumers map[objectKey]bool
}

func newSonameNode() *sonameNode {
	return &sonameNode{providers: map[objectKey]bool{}, consumers: map[objectKey]bool{}}
}

// LinkageMap indexes which installed objects provide and consume which
// sonames, per multilib category.
type LinkageMap struct {
	dbapi NeededDB
	plibs *PreservedLibsRegistry
	root  string

	libs          map[string]map[string]*sonameNode
	objProperties map[objectKey]*objProperties
	objKeyCache   map[string]objectKey
	pathKeyCache  map[string]objectKey
	defpath       map[string]bool
}

func NewLinkageMap(dbapi NeededDB, plibs *PreservedLibsRegistry, root string) *LinkageMap {
	l := &LinkageMap{dbapi: dbapi, plibs: plibs, root: root}
	l.clearCache()
	return l
}

func (l *LinkageMap) clearCache() {
	l.libs = map[string]map[string]*sonameNode{}
	l.objProperties = map[objectKey]*objProperties{}
	l.objKeyCache = map[string]objectKey{}
	l.pathKeyCache = map[string]objectKey{}
	l.defpath = map[string]bool{}
}

func (l *LinkageMap) generateKey(obj string) objectKey {
	absPath := util.JoinRoot(l.root, obj)
	st, err := os.Stat(absPath)
	if err != nil {
		if rp, err := filepath.EvalSymlinks(absPath); err == nil {
			return objectKey{path: rp}
		}
		return objectKey{path: absPath}
	}
	sys := st.Sys().(*syscall.Stat_t)
	return objectKey{dev: uint64(sys.Dev), ino: uint64(sys.Ino)}
}

func (l *LinkageMap) pathKey(path string) objectKey {
	key, ok := l.pathKeyCache[path]
	if !ok {
		key = l.generateKey(path)
		l.pathKeyCache[path] = key
	}
	return key
}

func (l *LinkageMap) objKey(path string) objectKey {
	key, ok := l.objKeyCache[path]
	if !ok {
		key = l.generateKey(path)
		l.objKeyCache[path] = key
	}
	return key
}

type neededLine struct {
	owner, location, line string
}

// Rebuild re-reads NEEDED data of every installed package except
// excludePkgs. includeFile adds extra records, and preservePaths names
// libraries about to be preserved that have no record of their own.
func (l *LinkageMap) Rebuild(excludePkgs []string, includeFile string, preservePaths []string) error {
	l.clearCache()
	for _, k := range l.libPaths() {
		l.defpath[k] = true
	}
	excluded := map[string]bool{}
	for _, k := range excludePkgs {
		excluded[k] = true
	}

	var lines []neededLine
	if includeFile != "" {
		extra, err := util.GrabFile(includeFile)
		if err != nil {
			return err
		}
		for _, line := range extra {
			lines = append(lines, neededLine{"", includeFile, line})
		}
	}
	for _, cpv := range l.dbapi.CpvAll() {
		if excluded[cpv] {
			continue
		}
		v, err := l.dbapi.AuxGet(cpv, []string{NeededAuxKey})
		if err != nil {
			return err
		}
		for _, line := range strings.Split(v[0], "\n") {
			lines = append(lines, neededLine{cpv, cpv + "/" + NeededAuxKey, line})
		}
	}

	plibs := map[string]string{}
	for _, x := range preservePaths {
		plibs[x] = ""
	}
	if l.plibs != nil && l.plibs.HasEntries() {
		for cpv, items := range l.plibs.GetPreservedLibs() {
			if excluded[cpv] {
				continue
			}
			for _, x := range items {
				plibs[x] = cpv
			}
		}
	}
	plibPaths := make([]string, 0, len(plibs))
	for x := range plibs {
		plibPaths = append(plibPaths, x)
	}
	sort.Strings(plibPaths)
	for _, x := range plibPaths {
		owner := plibs[x]
		entry, err := scanElf(util.JoinRoot(l.root, x))
		if err != nil {
			lines = append(lines, neededLine{owner, "plibs", strings.Join([]string{"", x, "", "", ""}, ";")})
			continue
		}
		entry.Filename = x
		lines = append(lines, neededLine{owner, "scanelf", entry.String()})
	}

	ownerEntries := map[string][]*NeededEntry{}
	var owners []string
	for _, nl := range lines {
		line := strings.TrimRight(nl.line, "\n")
		if line == "" {
			continue
		}
		if strings.Contains(line, "\x00") {
			msg.WriteMsgLevel(fmt.Sprintf("\nLine contains null byte(s) in %s: %s\n\n", nl.location, line), 40, -1)
			continue
		}
		entry, err := ParseNeededEntry(nl.location, line)
		if err != nil {
			msg.WriteMsgLevel(fmt.Sprintf("\n%s\n\n", err), 40, -1)
			continue
		}
		if entry.MultilibCategory == "" {
			entry.MultilibCategory = approxMultilibCategory(entry.Arch)
		}
		entry.Filename = util.NormalizePath(entry.Filename)
		origin := filepath.Dir(entry.Filename)
		runpaths := map[string]bool{}
		var ordered []string
		for _, x := range entry.Runpaths {
			p := util.NormalizePath(expandOrigin(x, origin))
			if !runpaths[p] {
				runpaths[p] = true
				ordered = append(ordered, p)
			}
		}
		entry.Runpaths = ordered
		if _, ok := ownerEntries[nl.owner]; !ok {
			owners = append(owners, nl.owner)
		}
		ownerEntries[nl.owner] = append(ownerEntries[nl.owner], entry)
	}

	// A package linking against its own library finds it even without a
	// runpath, e.g. through LD_LIBRARY_PATH set by a wrapper.
	for owner, entries := range ownerEntries {
		if owner == "" {
			continue
		}
		providers := map[[2]string]*NeededEntry{}
		for _, entry := range entries {
			if entry.Soname != "" {
				providers[[2]string{entry.MultilibCategory, entry.Soname}] = entry
			}
		}
		for _, entry := range entries {
			for _, soname := range entry.Needed {
				provider, ok := providers[[2]string{entry.MultilibCategory, soname}]
				if !ok {
					continue
				}
				dir := filepath.Dir(provider.Filename)
				if !contains(entry.Runpaths, dir) {
					entry.Runpaths = append(entry.Runpaths, dir)
				}
			}
		}
	}

	for _, owner := range owners {
		for _, entry := range ownerEntries[owner] {
			arch := entry.MultilibCategory
			obj := entry.Filename
			key := l.objKey(obj)
			props, indexed := l.objProperties[key]
			if !indexed {
				props = &objProperties{
					arch:     arch,
					soname:   entry.Soname,
					owner:    owner,
					needed:   util.UniqueSorted(entry.Needed),
					runpaths: entry.Runpaths,
					altPaths: map[string]bool{},
				}
				l.objProperties[key] = props
			}
			props.altPaths[obj] = true
			if indexed {
				continue
			}
			archMap, ok := l.libs[arch]
			if !ok {
				archMap = map[string]*sonameNode{}
				l.libs[arch] = archMap
			}
			if entry.Soname != "" {
				node, ok := archMap[entry.Soname]
				if !ok {
					node = newSonameNode()
					archMap[entry.Soname] = node
				}
				node.providers[key] = true
			}
			for _, soname := range props.needed {
				node, ok := archMap[soname]
				if !ok {
					node = newSonameNode()
					archMap[soname] = node
				}
				node.consumers[key] = true
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// libPaths is the default search path: /lib, /usr/lib and whatever
// ld.so.conf under the root adds.
func (l *LinkageMap) libPaths() []string {
	paths := readLdSoConf(util.JoinRoot(l.root, "/etc/ld.so.conf"), l.root, map[string]bool{})
	return append(paths, "/lib", "/usr/lib")
}

func readLdSoConf(path, root string, seen map[string]bool) []string {
	if seen[path] {
		return nil
	}
	seen[path] = true
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "include ") {
			pattern := strings.TrimSpace(strings.TrimPrefix(line, "include "))
			if !filepath.IsAbs(pattern) {
				pattern = filepath.Join(filepath.Dir(path), pattern)
			} else {
				pattern = util.JoinRoot(root, pattern)
			}
			matches, _ := filepath.Glob(pattern)
			sort.Strings(matches)
			for _, m := range matches {
				out = append(out, readLdSoConf(m, root, seen)...)
			}
			continue
		}
		out = append(out, util.NormalizePath(line))
	}
	return out
}

func (l *LinkageMap) ensureBuilt() error {
	if len(l.libs) == 0 {
		return l.Rebuild(nil, "", nil)
	}
	return nil
}

func (l *LinkageMap) propsFor(obj string) (objectKey, *objProperties, error) {
	key := l.objKey(obj)
	props, ok := l.objProperties[key]
	if !ok {
		return key, nil, fmt.Errorf("%s not in object list", obj)
	}
	return key, props, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FindProviders maps each soname obj needs to the objects that satisfy it
// through obj's runpaths or the default search path.
func (l *LinkageMap) FindProviders(obj string) (map[string][]string, error) {
	if err := l.ensureBuilt(); err != nil {
		return nil, err
	}
	_, props, err := l.propsFor(obj)
	if err != nil {
		return nil, err
	}
	return l.findProviders(props), nil
}

func (l *LinkageMap) findProviders(props *objProperties) map[string][]string {
	pathKeys := map[objectKey]bool{}
	for _, x := range props.runpaths {
		pathKeys[l.pathKey(x)] = true
	}
	for x := range l.defpath {
		pathKeys[l.pathKey(x)] = true
	}
	rValue := map[string][]string{}
	for _, soname := range props.needed {
		found := map[string]bool{}
		if node, ok := l.libs[props.arch][soname]; ok {
			for providerKey := range node.providers {
				for provider := range l.objProperties[providerKey].altPaths {
					if pathKeys[l.pathKey(filepath.Dir(provider))] {
						found[provider] = true
					}
				}
			}
		}
		rValue[soname] = sortedKeys(found)
	}
	return rValue
}

// FindConsumers lists the objects that load obj. When obj is not what its
// soname symlink resolves to, nothing loads it. A consumer that another
// non-excluded provider of the same soname already satisfies is not
// counted unless greedy is set.
func (l *LinkageMap) FindConsumers(obj string, excludeProviders []func(string) bool, greedy bool) ([]string, error) {
	if err := l.ensureBuilt(); err != nil {
		return nil, err
	}
	objKey, props, err := l.propsFor(obj)
	if err != nil {
		return nil, err
	}
	if props.soname != "" {
		sonameLink := util.JoinRoot(l.root, filepath.Join(filepath.Dir(obj), props.soname))
		sonameSt, err1 := os.Stat(sonameLink)
		objSt, err2 := os.Stat(util.JoinRoot(l.root, obj))
		if err1 == nil && err2 == nil && !os.SameFile(sonameSt, objSt) {
			return nil, nil
		}
	}

	node := l.libs[props.arch][props.soname]
	if node == nil {
		return nil, nil
	}
	defpathKeys := map[objectKey]bool{}
	for x := range l.defpath {
		defpathKeys[l.pathKey(x)] = true
	}
	consumerPathKeys := func(c *objProperties) map[objectKey]bool {
		keys := map[objectKey]bool{}
		for k := range defpathKeys {
			keys[k] = true
		}
		for _, x := range c.runpaths {
			keys[l.pathKey(x)] = true
		}
		return keys
	}

	satisfied := map[objectKey]bool{}
	if excludeProviders != nil || !greedy {
		relevantDirKeys := map[objectKey]bool{}
		for providerKey := range node.providers {
			if !greedy && providerKey == objKey {
				continue
			}
			for p := range l.objProperties[providerKey].altPaths {
				excludedProvider := false
				for _, isOwner := range excludeProviders {
					if isOwner(p) {
						excludedProvider = true
						break
					}
				}
				if !excludedProvider {
					relevantDirKeys[l.pathKey(filepath.Dir(p))] = true
				}
			}
		}
		if len(relevantDirKeys) > 0 {
			for consumerKey := range node.consumers {
				for k := range consumerPathKeys(l.objProperties[consumerKey]) {
					if relevantDirKeys[k] {
						satisfied[consumerKey] = true
						break
					}
				}
			}
		}
	}

	objsDirKeys := map[objectKey]bool{}
	for x := range props.altPaths {
		objsDirKeys[l.pathKey(filepath.Dir(x))] = true
	}
	rValue := map[string]bool{}
	for consumerKey := range node.consumers {
		if satisfied[consumerKey] {
			continue
		}
		consumer := l.objProperties[consumerKey]
		for k := range consumerPathKeys(consumer) {
			if objsDirKeys[k] {
				for p := range consumer.altPaths {
					rValue[p] = true
				}
				break
			}
		}
	}
	return sortedKeys(rValue), nil
}

// ListProviders runs FindProviders for every known object.
func (l *LinkageMap) ListProviders() (map[string]map[string][]string, error) {
	if err := l.ensureBuilt(); err != nil {
		return nil, err
	}
	rValue := map[string]map[string][]string{}
	for _, props := range l.objProperties {
		providers := l.findProviders(props)
		for p := range props.altPaths {
			rValue[p] = providers
		}
	}
	return rValue, nil
}

// ListBrokenBinaries maps each object to the sonames it needs that no
// provider satisfies.
func (l *LinkageMap) ListBrokenBinaries() (map[string][]string, error) {
	providers, err := l.ListProviders()
	if err != nil {
		return nil, err
	}
	rValue := map[string][]string{}
	for obj, sonames := range providers {
		for soname, libs := range sonames {
			if len(libs) == 0 {
				rValue[obj] = append(rValue[obj], soname)
			}
		}
		sort.Strings(rValue[obj])
	}
	for obj, v := range rValue {
		if len(v) == 0 {
			delete(rValue, obj)
		}
	}
	return rValue, nil
}

// IsMasterLink reports whether obj is the unversioned development link of
// a library, such as libfoo.so for libfoo.so.1.
func (l *LinkageMap) IsMasterLink(obj string) (bool, error) {
	_, props, err := l.propsFor(obj)
	if err != nil {
		return false, err
	}
	basename := filepath.Base(obj)
	soname := props.soname
	return len(basename) < len(soname) && strings.HasSuffix(basename, ".so") &&
		strings.HasPrefix(soname, basename[:len(basename)-3]), nil
}

// ListLibraryObjects returns every path that provides a soname.
func (l *LinkageMap) ListLibraryObjects() ([]string, error) {
	if err := l.ensureBuilt(); err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, archMap := range l.libs {
		for _, node := range archMap {
			for key := range node.providers {
				for p := range l.objProperties[key].altPaths {
					out[p] = true
				}
			}
		}
	}
	return sortedKeys(out), nil
}

func (l *LinkageMap) GetOwners(obj string) ([]string, error) {
	if err := l.ensureBuilt(); err != nil {
		return nil, err
	}
	_, props, err := l.propsFor(obj)
	if err != nil {
		return nil, err
	}
	if props.owner == "" {
		return nil, nil
	}
	return []string{props.owner}, nil
}

func (l *LinkageMap) GetSoname(obj string) (string, error) {
	if err := l.ensureBuilt(); err != nil {
		return "", err
	}
	_, props, err := l.propsFor(obj)
	if err != nil {
		return "", err
	}
	return props.soname, nil
}

// ObjKey identifies the file behind obj, so that paths reaching the same
// file through hardlinks or symlinked directories compare equal.
func (l *LinkageMap) ObjKey(obj string) string {
	k := l.objKey(obj)
	if k.fileExists() {
		return fmt.Sprintf("%d:%d", k.dev, k.ino)
	}
	return k.path
}

// Contains reports whether obj has linkage data.
func (l *LinkageMap) Contains(obj string) bool {
	_, ok := l.objProperties[l.objKey(obj)]
	return ok
}

// scanElf reads the dynamic section of an ELF object directly, for
// preserved libraries whose owning record is gone.
func scanElf(path string) (*NeededEntry, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	e := &NeededEntry{Filename: path, Arch: strings.TrimPrefix(f.Machine.String(), "EM_")}
	if s, err := f.DynString(elf.DT_SONAME); err == nil && len(s) > 0 {
		e.Soname = s[0]
	} else if f.Type == elf.ET_DYN {
		e.Soname = filepath.Base(path)
	}
	if needed, err := f.ImportedLibraries(); err == nil {
		e.Needed = needed
	}
	runpath, _ := f.DynString(elf.DT_RUNPATH)
	if len(runpath) == 0 {
		runpath, _ = f.DynString(elf.DT_RPATH)
	}
	for _, r := range runpath {
		for _, p := range strings.Split(r, ":") {
			if p != "" {
				e.Runpaths = append(e.Runpaths, p)
			}
		}
	}
	e.MultilibCategory = multilibCategory(f)
	return e, nil
}

func multilibCategory(f *elf.File) string {
	bits := "32"
	if f.Class == elf.ELFCLASS64 {
		bits = "64"
	}
	switch f.Machine {
	case elf.EM_X86_64:
		if bits == "32" {
			return "x86_x32"
		}
		return "x86_64"
	case elf.EM_386:
		return "x86_32"
	case elf.EM_AARCH64, elf.EM_ARM:
		return "arm_" + bits
	case elf.EM_PPC, elf.EM_PPC64:
		return "ppc_" + bits
	case elf.EM_RISCV:
		return "riscv_" + bits
	case elf.EM_S390:
		return "s390_" + bits
	case elf.EM_SPARC, elf.EM_SPARCV9:
		return "sparc_" + bits
	case elf.EM_MIPS:
		return "mips_" + bits
	}
	return strings.ToLower(strings.TrimPrefix(f.Machine.String(), "EM_")) + "_" + bits
}
