package dbapi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/cache"
	"github.com/ppphp/emergo/pkg/checksum"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
	"github.com/ppphp/emergo/pkg/versions"
)

// SupportedEAPIs are the metadata formats the resolver understands.
var SupportedEAPIs = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8"}

// nonCategoryDirs are top-level repository directories that never hold
// packages.
var nonCategoryDirs = map[string]bool{
	"eclass": true, "licenses": true, "metadata": true, "profiles": true,
	"scripts": true, "distfiles": true, "packages": true, ".git": true,
}

// PortOptions configures visibility and caching of an ebuild repository.
type PortOptions struct {
	// Use holds the global USE state; a flag mapped to false is disabled
	// explicitly and overrides an IUSE default.
	Use            map[string]bool
	AcceptEAPI     []string
	AcceptKeywords []string
	PackageMask    []*dep.Atom
	// DepCacheKind and DepCacheDir select an optional writable cache that
	// validated entries of the pregenerated cache are copied into.
	DepCacheKind string
	DepCacheDir  string
}

// PortDbapi is an ebuild repository. Package metadata comes from the
// pregenerated metadata/md5-cache, validated against the digest of each
// ebuild; ebuilds without a valid entry are masked.
type PortDbapi struct {
	Name     string
	Location string

	opts       PortOptions
	acceptEAPI map[string]bool
	auxdb      cache.Database
	depcache   cache.Database

	mu       sync.Mutex
	frozen   bool
	cpCache  map[string][]*versions.PkgStr
	auxCache map[string]cache.Entry
	log      *logrus.Entry
}

// NewPortDbapi opens the repository at location. An empty name is read
// from profiles/repo_name.
func NewPortDbapi(name, location string, opts PortOptions) (*PortDbapi, error) {
	location = util.NormalizePath(location)
	if st, err := os.Stat(location); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("repository location %s: %w", location, os.ErrNotExist)
	}
	if name == "" {
		if lines, _ := util.GrabFile(filepath.Join(location, "profiles", "repo_name")); len(lines) > 0 {
			name = lines[0]
		} else {
			name = filepath.Base(location)
		}
	}
	auxdb, err := cache.NewFlatHashDatabase(filepath.Join(location, "metadata"), "md5-cache", true)
	if err != nil {
		return nil, err
	}
	p := &PortDbapi{
		Name:       name,
		Location:   location,
		opts:       opts,
		acceptEAPI: map[string]bool{},
		auxdb:      auxdb,
		cpCache:    map[string][]*versions.PkgStr{},
		auxCache:   map[string]cache.Entry{},
		log:        msg.WithFields(logrus.Fields{"repo": name}),
	}
	eapis := opts.AcceptEAPI
	if len(eapis) == 0 {
		eapis = SupportedEAPIs
	}
	for _, e := range eapis {
		p.acceptEAPI[e] = true
	}
	if opts.DepCacheKind != "" && opts.DepCacheDir != "" {
		p.depcache, err = cache.Open(opts.DepCacheKind, opts.DepCacheDir, name, false)
		if err != nil {
			p.log.WithError(err).Warn("dependency cache disabled")
			p.depcache = nil
		}
	}
	return p, nil
}

// Close releases the dependency cache.
func (p *PortDbapi) Close() error {
	if p.depcache != nil {
		return p.depcache.Close()
	}
	return nil
}

// Freeze keeps query results cached until Melt.
func (p *PortDbapi) Freeze() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frozen = true
}

func (p *PortDbapi) Melt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frozen = false
	p.cpCache = map[string][]*versions.PkgStr{}
	p.auxCache = map[string]cache.Entry{}
}

// Findname returns the ebuild path of cpv.
func (p *PortDbapi) Findname(cpv string) string {
	split := versions.CatSplit(cpv)
	if len(split) != 2 {
		return ""
	}
	pkgsplit, ok := versions.PkgSplit(split[1])
	if !ok {
		return ""
	}
	return filepath.Join(p.Location, split[0], pkgsplit[0], split[1]+".ebuild")
}

func (p *PortDbapi) categories() []string {
	if lines, _ := util.GrabFile(filepath.Join(p.Location, "profiles", "categories")); len(lines) > 0 {
		sort.Strings(lines)
		return lines
	}
	entries, err := os.ReadDir(p.Location)
	if err != nil {
		return nil
	}
	var cats []string
	for _, e := range entries {
		if e.IsDir() && !nonCategoryDirs[e.Name()] && !strings.HasPrefix(e.Name(), ".") {
			cats = append(cats, e.Name())
		}
	}
	return cats
}

func (p *PortDbapi) CpAll() []string {
	var cps []string
	for _, cat := range p.categories() {
		entries, err := os.ReadDir(filepath.Join(p.Location, cat))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			cp := cat + "/" + e.Name()
			if dep.IsValidAtom(cp, false) {
				cps = append(cps, cp)
			}
		}
	}
	sort.Strings(cps)
	return cps
}

func (p *PortDbapi) CpvAll() []string {
	var cpvs []string
	for _, cp := range p.CpAll() {
		for _, pkg := range p.CpList(cp) {
			cpvs = append(cpvs, pkg.Cpv)
		}
	}
	return cpvs
}

// CpList lists the ebuilds of cp in ascending version order. Entries
// whose metadata cannot be loaded are still listed with slot 0 so that
// visibility checks can report why they are masked.
func (p *PortDbapi) CpList(cp string) []*versions.PkgStr {
	p.mu.Lock()
	if p.frozen {
		if l, ok := p.cpCache[cp]; ok {
			p.mu.Unlock()
			return append([]*versions.PkgStr{}, l...)
		}
	}
	p.mu.Unlock()

	split := versions.CatSplit(cp)
	if len(split) != 2 {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(p.Location, cp))
	if err != nil {
		return nil
	}
	var out []*versions.PkgStr
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".ebuild") {
			continue
		}
		pf := strings.TrimSuffix(name, ".ebuild")
		ps, ok := versions.PkgSplit(pf)
		if !ok || ps[0] != split[1] {
			p.log.WithField("file", name).Debug("invalid ebuild name")
			continue
		}
		cpv := split[0] + "/" + pf
		md, err := p.auxGetMap(cpv, PkgStrKeys)
		if err != nil {
			md = map[string]string{"SLOT": "0"}
		}
		md["repository"] = p.Name
		pkg, err := newPkgStr(cpv, md, EffectiveUse(md["IUSE"], p.opts.Use))
		if err != nil {
			continue
		}
		out = append(out, pkg)
	}
	sortPkgStrs(out)

	p.mu.Lock()
	if p.frozen {
		p.cpCache[cp] = out
	}
	p.mu.Unlock()
	return append([]*versions.PkgStr{}, out...)
}

func (p *PortDbapi) CpvExists(cpv string) bool {
	_, err := os.Stat(p.Findname(cpv))
	return err == nil
}

// pullValidCache returns the metadata of cpv if the recorded ebuild digest
// matches the ebuild on disk.
func (p *PortDbapi) pullValidCache(cpv string) (cache.Entry, error) {
	ebuild := p.Findname(cpv)
	st, err := os.Stat(ebuild)
	if err != nil {
		return nil, notFound(cpv)
	}
	md5sum, err := checksum.PerformMd5(ebuild)
	if err != nil {
		return nil, err
	}
	mtime := st.ModTime().Unix()
	if p.depcache != nil {
		if e, err := p.depcache.Get(cpv); err == nil && e.Validate(md5sum, mtime) {
			return e, nil
		}
	}
	e, err := p.auxdb.Get(cpv)
	if err != nil {
		if errors.Is(err, cache.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s: no metadata cache entry: %w", cpv, ErrPackageNotFound)
		}
		return nil, err
	}
	if !e.Validate(md5sum, mtime) {
		return nil, fmt.Errorf("%s: stale metadata cache entry", cpv)
	}
	if p.depcache != nil {
		if err := p.depcache.Set(cpv, e); err != nil {
			p.log.WithError(err).WithField("cpv", cpv).Debug("cannot update dependency cache")
		}
	}
	return e, nil
}

func (p *PortDbapi) entry(cpv string) (cache.Entry, error) {
	p.mu.Lock()
	if e, ok := p.auxCache[cpv]; ok {
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()
	e, err := p.pullValidCache(cpv)
	if err != nil {
		return nil, err
	}
	if e["EAPI"] == "" {
		e["EAPI"] = "0"
	}
	p.mu.Lock()
	if p.frozen {
		p.auxCache[cpv] = e
	}
	p.mu.Unlock()
	return e, nil
}

func (p *PortDbapi) auxGetMap(cpv string, keys []string) (map[string]string, error) {
	e, err := p.entry(cpv)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		switch k {
		case "repository":
			m[k] = p.Name
		case "USE":
			m[k] = SortedUse(EffectiveUse(e["IUSE"], p.opts.Use))
		default:
			m[k] = e[k]
		}
	}
	return m, nil
}

// AuxGet returns metadata values of cpv. USE is computed from IUSE and
// the configured flags.
func (p *PortDbapi) AuxGet(cpv string, keys []string) ([]string, error) {
	m, err := p.auxGetMap(cpv, keys)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out, nil
}

// Match returns every ebuild matching atom, masked or not.
func (p *PortDbapi) Match(atom *dep.Atom) []*versions.PkgStr {
	if atom.Repo != "" && atom.Repo != p.Name {
		return nil
	}
	return dep.MatchFromList(atom, p.CpList(atom.Cp))
}

// MatchVisible returns the matching ebuilds that are not masked.
func (p *PortDbapi) MatchVisible(atom *dep.Atom) []*versions.PkgStr {
	var out []*versions.PkgStr
	for _, pkg := range p.Match(atom) {
		if len(p.MaskReasons(pkg)) == 0 {
			out = append(out, pkg)
		}
	}
	return out
}

// MaskReasons explains why pkg is not visible. An empty result means the
// package may be selected.
func (p *PortDbapi) MaskReasons(pkg *versions.PkgStr) []string {
	md, err := p.auxGetMap(pkg.Cpv, []string{"EAPI", "KEYWORDS"})
	if err != nil {
		return []string{"corruption: " + err.Error()}
	}
	var reasons []string
	if !p.acceptEAPI[md["EAPI"]] {
		reasons = append(reasons, fmt.Sprintf("EAPI %s", md["EAPI"]))
	}
	for _, a := range p.opts.PackageMask {
		if len(dep.MatchFromList(a, []*versions.PkgStr{pkg})) > 0 {
			reasons = append(reasons, "package.mask")
			break
		}
	}
	if len(p.opts.AcceptKeywords) > 0 && !keywordsAccepted(strings.Fields(md["KEYWORDS"]), p.opts.AcceptKeywords) {
		reasons = append(reasons, "missing keyword")
	}
	return reasons
}

func keywordsAccepted(keywords, accept []string) bool {
	acc := map[string]bool{}
	for _, a := range accept {
		acc[a] = true
	}
	if acc["**"] {
		return true
	}
	for _, k := range keywords {
		if strings.HasPrefix(k, "-") {
			continue
		}
		if acc[k] {
			return true
		}
		if strings.HasPrefix(k, "~") && acc["~*"] {
			return true
		}
		if !strings.HasPrefix(k, "~") && acc["*"] {
			return true
		}
	}
	return false
}
