package dbapi

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/dynlibs"
)

// libGraph tracks consumer -> provider relations between library files.
// Nodes are keyed by file identity and remember every path they were
// reached through.
type libGraph struct {
	linkmap  *dynlibs.LinkageMap
	graph    *util.Digraph[string, int]
	altPaths map[string]map[string]bool
	pathNode map[string]string
}

func newLibGraph(linkmap *dynlibs.LinkageMap) *libGraph {
	return &libGraph{
		linkmap:  linkmap,
		graph:    util.NewDigraph[string, int](func(a, b int) bool { return a < b }),
		altPaths: map[string]map[string]bool{},
		pathNode: map[string]string{},
	}
}

func (g *libGraph) node(path string) string {
	if n, ok := g.pathNode[path]; ok {
		return n
	}
	n := g.linkmap.ObjKey(path)
	if g.altPaths[n] == nil {
		g.altPaths[n] = map[string]bool{}
	}
	g.altPaths[n][path] = true
	g.pathNode[path] = n
	return n
}

func (g *libGraph) paths(node string) []string {
	out := make([]string, 0, len(g.altPaths[node]))
	for p := range g.altPaths[node] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// nodeExists is false for nodes keyed by path, which means the file is gone.
func nodeExists(node string) bool {
	return !strings.HasPrefix(node, "/")
}

func (d *Dblink) withPlibRegistry(fn func(reg *dynlibs.PreservedLibsRegistry) error) error {
	if err := d.vardb.fsLock(d.holder); err != nil {
		return err
	}
	defer d.vardb.fsUnlock()
	reg := d.vardb.plibRegistry
	if err := reg.Lock(); err != nil {
		return err
	}
	defer reg.Unlock()
	return fn(reg)
}

func (d *Dblink) linkmapRebuild(excludePkgs []string, includeFile string, preservePaths []string) {
	if d.linkmapBroken {
		return
	}
	if !d.settings.HasFeature("preserve-libs") && !d.vardb.plibRegistry.HasEntries() {
		return
	}
	if err := d.vardb.linkmap.Rebuild(excludePkgs, includeFile, preservePaths); err != nil {
		d.linkmapBroken = true
		d.display(fmt.Sprintf("!!! Disabling preserve-libs due to error: %s\n", err), 40, -1)
	}
}

// findLibsToPreserve returns the root-relative paths of libraries owned by
// the replaced instance (or by d itself when unmerging) that other
// packages still link against.
func (d *Dblink) findLibsToPreserve(unmerge bool) map[string]bool {
	preservePaths := map[string]bool{}
	if d.linkmapBroken || !d.preserveLibs || (!unmerge && d.installedInstance == nil) {
		return preservePaths
	}
	linkmap := d.vardb.linkmap
	installed := d.installedInstance
	if unmerge {
		installed = d
	}
	root := d.settings.Root
	rootLen := len(rootPrefix(root))

	g := newLibGraph(linkmap)
	consumerMap := map[string][]string{}
	providers := map[string]bool{}
	for _, fAbs := range installed.Contents().Keys() {
		f := fAbs[rootLen:]
		if !linkmap.Contains(f) {
			continue
		}
		consumers, err := linkmap.FindConsumers(f, []func(string) bool{installed.IsOwner}, false)
		if err != nil || len(consumers) == 0 {
			continue
		}
		n := g.node(f)
		g.graph.AddNode(n)
		providers[n] = true
		consumerMap[n] = consumers
	}

	for _, p := range sortedMapKeys(consumerMap) {
		for _, c := range consumerMap[p] {
			cn := g.node(c)
			if installed.IsOwner(c) && !providers[cn] {
				// Not a provider, so it goes away with the package.
				continue
			}
			g.graph.Add(p, cn, 0)
		}
	}

	preserveNodes := map[string]bool{}
	for _, consumer := range g.graph.RootNodes(nil) {
		if providers[consumer] {
			continue
		}
		stack := g.graph.ChildNodes(consumer, nil)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if preserveNodes[p] {
				continue
			}
			preserveNodes[p] = true
			stack = append(stack, g.graph.ChildNodes(p, nil)...)
		}
	}

	for n := range preserveNodes {
		paths := g.paths(n)
		soname, _ := linkmap.GetSoname(paths[0])
		var hardlinks, sonameLinks []string
		replacementHardlink, replacementSonameLink := false, false
		for _, f := range paths {
			st, err := os.Lstat(util.JoinRoot(root, f))
			if err != nil {
				continue
			}
			if st.Mode().IsRegular() {
				hardlinks = append(hardlinks, f)
				if !unmerge && d.IsOwner(f) {
					replacementHardlink = true
					if filepath.Base(f) == soname {
						replacementSonameLink = true
					}
				}
			} else if filepath.Base(f) == soname {
				sonameLinks = append(sonameLinks, f)
				if !unmerge && d.IsOwner(f) {
					replacementSonameLink = true
				}
			}
		}
		if replacementHardlink && replacementSonameLink {
			continue
		}
		if len(hardlinks) > 0 {
			for _, f := range hardlinks {
				preservePaths[f] = true
			}
			for _, f := range sonameLinks {
				preservePaths[f] = true
			}
		}
	}
	return preservePaths
}

// addPreserveLibsToContents copies the entries of preserved libraries from
// the replaced instance into the new CONTENTS. Paths without an entry are
// dropped from preservePaths.
func (d *Dblink) addPreserveLibsToContents(preservePaths map[string]bool) error {
	root := d.settings.Root
	rootPre := rootPrefix(root)
	newContents := d.Contents().Copy()
	oldContents := d.installedInstance.Contents()
	for _, f := range sortedMapKeys(preservePaths) {
		fAbs := util.JoinRoot(root, f)
		e, ok := oldContents[fAbs]
		if !ok {
			d.display(fmt.Sprintf("!!! File '%s' will not be preserved due to missing contents entry\n", fAbs), 40, -1)
			delete(preservePaths, f)
			continue
		}
		newContents[fAbs] = e
		d.display(fmt.Sprintf(">>> needed    %s %s\n", e.Type, fAbs), 20, -1)
		for parent := filepath.Dir(fAbs); len(parent) > len(rootPre)+1; parent = filepath.Dir(parent) {
			newContents[parent] = ContentsEntry{Type: ContentsDir}
		}
	}
	out, err := util.NewAtomicOfstream(filepath.Join(d.dbtmpdir, "CONTENTS"), true)
	if err != nil {
		return err
	}
	if err := WriteContents(newContents, root, out); err != nil {
		out.Abort()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	d.clearContentsCache()
	return nil
}

// findUnusedPreservedLibs maps owning cpvs to preserved libraries nothing
// links against anymore. Consumers that d is about to remove do not count
// when unmergeNoReplacement is set.
func (d *Dblink) findUnusedPreservedLibs(unmergeNoReplacement bool) map[string][]string {
	reg := d.vardb.plibRegistry
	if d.linkmapBroken || !reg.HasEntries() {
		return nil
	}
	linkmap := d.vardb.linkmap
	plibDict := reg.GetPreservedLibs()
	g := newLibGraph(linkmap)
	preservedNodes := map[string]bool{}
	preservedPaths := map[string]bool{}
	pathCpv := map[string]string{}

	for _, cpv := range sortedMapKeys(plibDict) {
		for _, f := range plibDict[cpv] {
			pathCpv[f] = cpv
			n := g.node(f)
			if !nodeExists(n) {
				continue
			}
			g.graph.AddNode(n)
			preservedPaths[f] = true
			preservedNodes[n] = true
			consumers, err := linkmap.FindConsumers(f, nil, false)
			if err != nil {
				continue
			}
			for _, c := range consumers {
				cn := g.node(c)
				if !nodeExists(cn) {
					continue
				}
				g.graph.Add(n, cn, 0)
			}
		}
	}

	// Drop consumers that another, non-preserved provider of the same
	// soname already satisfies. This catches libraries that only moved.
	providerCache := map[string]map[string][]string{}
	for _, n := range sortedMapKeys(preservedNodes) {
		soname, _ := linkmap.GetSoname(g.paths(n)[0])
		for _, cn := range g.graph.ParentNodes(n, nil) {
			if preservedNodes[cn] {
				continue
			}
			if unmergeNoReplacement {
				willBeUnmerged := true
				for _, p := range g.paths(cn) {
					if !d.IsOwner(p) {
						willBeUnmerged = false
						break
					}
				}
				if willBeUnmerged {
					g.graph.RemoveEdge(n, cn)
					continue
				}
			}
			provs, ok := providerCache[cn]
			if !ok {
				provs, _ = linkmap.FindProviders(g.paths(cn)[0])
				providerCache[cn] = provs
			}
			for _, provider := range provs[soname] {
				if preservedPaths[provider] {
					continue
				}
				pn := g.node(provider)
				if !nodeExists(pn) || preservedNodes[pn] {
					continue
				}
				g.graph.RemoveEdge(n, cn)
				break
			}
		}
	}

	cpvLibMap := map[string][]string{}
	for !g.graph.IsEmpty() {
		var rootNodes []string
		for _, n := range g.graph.RootNodes(nil) {
			if preservedNodes[n] {
				rootNodes = append(rootNodes, n)
			}
		}
		if len(rootNodes) == 0 {
			break
		}
		g.graph.DifferenceUpdate(rootNodes)
		unlink := map[string]bool{}
		for _, n := range rootNodes {
			for p := range g.altPaths[n] {
				unlink[p] = true
			}
		}
		for _, obj := range sortedMapKeys(unlink) {
			cpv, ok := pathCpv[obj]
			if !ok {
				d.display(fmt.Sprintf("!!! symlink to lib is preserved, but not the lib itself:\n!!! '%s'\n", obj), 40, -1)
				continue
			}
			cpvLibMap[cpv] = append(cpvLibMap[cpv], obj)
		}
	}
	return cpvLibMap
}

func (d *Dblink) removePreservedLibs(cpvLibMap map[string][]string) {
	root := d.settings.Root
	files := map[string]bool{}
	for _, paths := range cpvLibMap {
		for _, p := range paths {
			files[p] = true
		}
	}
	parentDirs := map[string]bool{}
	for _, f := range sortedMapKeys(files) {
		obj := util.JoinRoot(root, f)
		parentDirs[filepath.Dir(obj)] = true
		objType := "obj"
		if st, err := os.Lstat(obj); err == nil && st.Mode()&os.ModeSymlink != 0 {
			objType = "sym"
		}
		if err := os.Remove(obj); err == nil {
			d.display(fmt.Sprintf("<<< !needed   %s %s\n", objType, obj), 20, -1)
		} else if !os.IsNotExist(err) {
			d.log.WithError(err).Warn("cannot remove preserved library")
		}
	}
	for x := range parentDirs {
		for {
			if err := os.Remove(x); err != nil {
				break
			}
			prev := x
			x = filepath.Dir(x)
			if x == prev {
				break
			}
		}
	}
	d.vardb.plibRegistry.PruneNonExisting()
}

// prunePlibRegistry drops preserved libraries nothing links against
// anymore. When unmerging without a replacement (preservePaths nil), the
// libraries of d that are still in use are preserved first.
func (d *Dblink) prunePlibRegistry(unmerge bool, needed string, preservePaths map[string]bool) {
	if d.linkmapBroken {
		return
	}
	err := d.withPlibRegistry(func(reg *dynlibs.PreservedLibsRegistry) error {
		if err := reg.Load(); err != nil {
			return err
		}
		withReplacement := unmerge && preservePaths != nil
		var exclude []string
		if withReplacement {
			exclude = []string{d.Cpv()}
		}
		d.linkmapRebuild(exclude, needed, sortedMapKeys(preservePaths))

		if unmerge {
			counter := strconv.FormatInt(d.vardb.CpvCounter(d.Cpv()), 10)
			slot := d.getString("SLOT")
			reg.Unregister(d.Cpv(), slot, counter)
			if !withReplacement {
				unmergePreserve := d.findLibsToPreserve(true)
				if len(unmergePreserve) > 0 {
					contents := d.Contents()
					paths := sortedMapKeys(unmergePreserve)
					for _, p := range paths {
						if k := d.matchContents(p); k != "" {
							d.display(fmt.Sprintf(">>> needed   %s %s\n", contents[k].Type, k), 20, -1)
						}
					}
					reg.Register(d.Cpv(), slot, counter, paths)
					if err := d.vardb.RemoveFromContents(d, paths, true); err != nil {
						return err
					}
				}
			}
		}

		cpvLibMap := d.findUnusedPreservedLibs(unmerge && !withReplacement)
		if len(cpvLibMap) > 0 {
			d.removePreservedLibs(cpvLibMap)
			if err := d.vardb.withLockFor(d.holder, func() error {
				for _, cpv := range sortedMapKeys(cpvLibMap) {
					if !d.vardb.CpvExists(cpv) {
						continue
					}
					if err := d.vardb.RemoveFromContents(d.vardb.Dblink(cpv), cpvLibMap[cpv], true); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return reg.Store()
	})
	if err != nil {
		d.log.WithError(err).Warn("cannot update preserved libs registry")
	}
}
