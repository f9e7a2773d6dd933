package dbapi

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/checksum"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
	"github.com/ppphp/emergo/pkg/versions"
	"github.com/ppphp/emergo/pkg/xpak"
)

const pkgIndexVersion = 0

var (
	pkgIndexHashes      = []string{"MD5", "SHA1"}
	pkgIndexInherited   = []string{"CHOST", "repository"}
	pkgIndexUseEvalKeys = []string{"BDEPEND", "DEPEND", "LICENSE", "RDEPEND", "PDEPEND", "PROPERTIES", "RESTRICT"}
	pkgIndexTranslated  = [][2]string{{"DESCRIPTION", "DESC"}, {"_mtime_", "MTIME"}, {"repository", "REPO"}}
	pkgIndexDefaults    = map[string]string{
		"BDEPEND": "", "BUILD_ID": "", "BUILD_TIME": "", "DEFINED_PHASES": "",
		"DEPEND": "", "EAPI": "0", "IUSE": "", "KEYWORDS": "", "LICENSE": "",
		"PATH": "", "PDEPEND": "", "PROPERTIES": "", "RDEPEND": "",
		"RESTRICT": "", "SLOT": "0", "USE": "",
	}
)

// PackageIndex is the parsed form of a binary repository's Packages file:
// a header stanza followed by one stanza per package.
type PackageIndex struct {
	Header   map[string]string
	Packages []map[string]string
}

func NewPackageIndex() *PackageIndex {
	return &PackageIndex{Header: map[string]string{}}
}

func readStanza(s *bufio.Scanner) (map[string]string, bool) {
	d := map[string]string{}
	for s.Scan() {
		line := strings.TrimRight(s.Text(), "\n")
		if line == "" {
			if len(d) > 0 {
				return d, true
			}
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		d[parts[0]] = strings.TrimSpace(parts[1])
	}
	return d, len(d) > 0
}

// Read parses r. Keys abbreviated in the file are expanded, and keys
// inherited from the header or left at their default are filled in.
func (p *PackageIndex) Read(r io.Reader) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 4*1024*1024)
	header, ok := readStanza(s)
	if !ok {
		return s.Err()
	}
	p.Header = header
	for {
		d, ok := readStanza(s)
		if !ok {
			break
		}
		for _, t := range pkgIndexTranslated {
			if v, ok := d[t[1]]; ok {
				d[t[0]] = v
				delete(d, t[1])
			}
		}
		for _, k := range pkgIndexInherited {
			if _, ok := d[k]; !ok {
				if v, ok := p.Header[k]; ok {
					d[k] = v
				}
			}
		}
		for k, v := range pkgIndexDefaults {
			if _, ok := d[k]; !ok {
				d[k] = v
			}
		}
		if d["CPV"] == "" {
			continue
		}
		p.Packages = append(p.Packages, d)
	}
	return s.Err()
}

// Write renders the index, dropping values equal to their default or to
// the header value they inherit.
func (p *PackageIndex) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	p.Header["PACKAGES"] = strconv.Itoa(len(p.Packages))
	writeStanza(bw, p.Header)
	pkgs := append([]map[string]string{}, p.Packages...)
	sort.SliceStable(pkgs, func(i, j int) bool { return pkgs[i]["CPV"] < pkgs[j]["CPV"] })
	for _, m := range pkgs {
		d := map[string]string{}
		for k, v := range m {
			d[k] = v
		}
		for _, k := range pkgIndexInherited {
			if v, ok := p.Header[k]; ok && d[k] == v {
				delete(d, k)
			}
		}
		for k, v := range pkgIndexDefaults {
			if dv, ok := d[k]; ok && dv == v {
				delete(d, k)
			}
		}
		for _, t := range pkgIndexTranslated {
			if v, ok := d[t[0]]; ok {
				d[t[1]] = v
				delete(d, t[0])
			}
		}
		writeStanza(bw, d)
	}
	return bw.Flush()
}

func writeStanza(w *bufio.Writer, d map[string]string) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if d[k] == "" {
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", k, d[k])
	}
	w.WriteString("\n")
}

// BinDbapi is a local binary package repository described by its Packages
// index.
type BinDbapi struct {
	PkgDir    string
	indexFile string

	mu        sync.Mutex
	populated bool
	index     *PackageIndex
	cpvMap    map[string]map[string]string
	cpMap     map[string][]*versions.PkgStr
	log       *logrus.Entry
}

func NewBinDbapi(pkgdir string) *BinDbapi {
	pkgdir = util.NormalizePath(pkgdir)
	return &BinDbapi{
		PkgDir:    pkgdir,
		indexFile: filepath.Join(pkgdir, "Packages"),
		index:     NewPackageIndex(),
		cpvMap:    map[string]map[string]string{},
		cpMap:     map[string][]*versions.PkgStr{},
		log:       msg.WithFields(logrus.Fields{"pkgdir": pkgdir}),
	}
}

// Getname is the path of the package file of cpv.
func (b *BinDbapi) Getname(cpv string) string {
	b.mu.Lock()
	md := b.cpvMap[cpv]
	b.mu.Unlock()
	if md != nil && md["PATH"] != "" {
		return filepath.Join(b.PkgDir, md["PATH"])
	}
	return filepath.Join(b.PkgDir, cpv+".tbz2")
}

// Populate loads the Packages index. Entries whose package file is gone
// are skipped.
func (b *BinDbapi) Populate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.populated {
		return nil
	}
	index := NewPackageIndex()
	f, err := os.Open(b.indexFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err == nil {
		err = index.Read(f)
		f.Close()
		if err != nil {
			return exception.InvalidData("%s: %s", b.indexFile, err)
		}
	}
	if v, err := strconv.Atoi(index.Header["VERSION"]); err == nil && v > pkgIndexVersion {
		b.log.WithField("version", v).Warn("Packages index version is newer than supported")
	}
	b.index = index
	b.cpvMap = map[string]map[string]string{}
	b.cpMap = map[string][]*versions.PkgStr{}
	for _, d := range index.Packages {
		path := filepath.Join(b.PkgDir, d["CPV"]+".tbz2")
		if d["PATH"] != "" {
			path = filepath.Join(b.PkgDir, d["PATH"])
		}
		if _, err := os.Stat(path); err != nil {
			b.log.WithField("cpv", d["CPV"]).Debug("package file missing")
			continue
		}
		if err := b.addLocked(d); err != nil {
			b.log.WithField("cpv", d["CPV"]).WithError(err).Warn("invalid index entry")
		}
	}
	b.populated = true
	return nil
}

// evalUseFlags reduces the USE conditionals of the dependency keys with
// the flags the package was built with.
func evalUseFlags(md map[string]string) error {
	use := map[string]bool{}
	for _, f := range strings.Fields(md["USE"]) {
		use[f] = true
	}
	for _, k := range pkgIndexUseEvalKeys {
		if md[k] == "" || !strings.HasSuffix(k, "DEPEND") {
			continue
		}
		n, err := dep.UseReduce(md[k], use)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		md[k] = n.String()
	}
	return nil
}

func (b *BinDbapi) addLocked(d map[string]string) error {
	md := make(map[string]string, len(d))
	for k, v := range d {
		md[k] = v
	}
	if err := evalUseFlags(md); err != nil {
		return err
	}
	cpv := md["CPV"]
	p, err := newPkgStr(cpv, md, nil)
	if err != nil {
		return err
	}
	if old, ok := b.cpvMap[cpv]; ok && old != nil {
		list := b.cpMap[p.Cp]
		for i, x := range list {
			if x.Cpv == cpv {
				b.cpMap[p.Cp] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	b.cpvMap[cpv] = md
	b.cpMap[p.Cp] = append(b.cpMap[p.Cp], p)
	sortPkgStrs(b.cpMap[p.Cp])
	return nil
}

// Inject adds the package file at filename to the repository and rewrites
// the index. metadata holds the keys recorded at build time.
func (b *BinDbapi) Inject(cpv, filename string, metadata map[string]string) error {
	if err := b.Populate(); err != nil {
		return err
	}
	st, err := os.Stat(filename)
	if err != nil {
		return err
	}
	d := map[string]string{}
	for k, v := range metadata {
		d[k] = v
	}
	sums, err := checksum.PerformMultipleChecksums(filename, pkgIndexHashes)
	if err != nil {
		return err
	}
	for k, v := range sums {
		d[k] = v
	}
	d["CPV"] = cpv
	d["SIZE"] = strconv.FormatInt(st.Size(), 10)
	d["_mtime_"] = strconv.FormatInt(st.ModTime().Unix(), 10)
	if rel, err := filepath.Rel(b.PkgDir, filename); err == nil && rel != cpv+".tbz2" && !strings.HasPrefix(rel, "..") {
		d["PATH"] = rel
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var kept []map[string]string
	for _, p := range b.index.Packages {
		if p["CPV"] != cpv {
			kept = append(kept, p)
		}
	}
	b.index.Packages = append(kept, d)
	if err := b.addLocked(d); err != nil {
		return err
	}
	return b.writeIndexLocked()
}

func (b *BinDbapi) writeIndexLocked() error {
	b.index.Header["VERSION"] = strconv.Itoa(pkgIndexVersion)
	b.index.Header["TIMESTAMP"] = strconv.FormatInt(time.Now().Unix(), 10)
	if _, err := util.EnsureDirs(b.PkgDir, 0755); err != nil {
		return err
	}
	out, err := util.NewAtomicOfstream(b.indexFile, true)
	if err != nil {
		return err
	}
	if err := b.index.Write(out); err != nil {
		out.Abort()
		return err
	}
	return out.Close()
}

// ReadXpak takes the index metadata of a package file from its xpak
// segment.
func ReadXpak(filename string) (map[string]string, error) {
	md, err := xpak.NewTbz2(filename).Metadata()
	if err != nil {
		return nil, err
	}
	if md["CATEGORY"] == "" || md["PF"] == "" {
		return nil, exception.InvalidData("%s: no CATEGORY or PF in xpak metadata", filename)
	}
	out := map[string]string{}
	for k, v := range pkgIndexDefaults {
		if x, ok := md[k]; ok {
			out[k] = strings.Join(strings.Fields(x), " ")
		} else if v != "" {
			out[k] = v
		}
	}
	if r := md["repository"]; r != "" {
		out["repository"] = r
	}
	out["CPV"] = md["CATEGORY"] + "/" + md["PF"]
	return out, nil
}

// Unindexed returns the package files below PkgDir whose xpak metadata
// names a cpv the index does not list, keyed by path.
func (b *BinDbapi) Unindexed() (map[string]map[string]string, error) {
	if err := b.Populate(); err != nil {
		return nil, err
	}
	out := map[string]map[string]string{}
	err := filepath.Walk(b.PkgDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !(strings.HasSuffix(path, ".tbz2") || strings.HasSuffix(path, ".xpak")) {
			return nil
		}
		md, err := ReadXpak(path)
		if err != nil {
			b.log.WithField("path", path).WithError(err).Warn("skipping package file")
			return nil
		}
		if !b.CpvExists(md["CPV"]) {
			out[path] = md
		}
		return nil
	})
	return out, err
}

// Scan injects the package files Unindexed finds and returns their cpvs.
func (b *BinDbapi) Scan() ([]string, error) {
	files, err := b.Unindexed()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var added []string
	for _, p := range paths {
		cpv := files[p]["CPV"]
		if err := b.Inject(cpv, p, files[p]); err != nil {
			return added, err
		}
		added = append(added, cpv)
	}
	return added, nil
}

// TotalSize sums the SIZE of the given packages.
func (b *BinDbapi) TotalSize(cpvs []string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total uint64
	for _, cpv := range cpvs {
		if n, err := strconv.ParseUint(b.cpvMap[cpv]["SIZE"], 10, 64); err == nil {
			total += n
		}
	}
	return total
}

func (b *BinDbapi) CpList(cp string) []*versions.PkgStr {
	b.Populate()
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*versions.PkgStr{}, b.cpMap[cp]...)
}

func (b *BinDbapi) CpAll() []string {
	b.Populate()
	b.mu.Lock()
	defer b.mu.Unlock()
	cps := make([]string, 0, len(b.cpMap))
	for cp := range b.cpMap {
		cps = append(cps, cp)
	}
	sort.Strings(cps)
	return cps
}

func (b *BinDbapi) CpvAll() []string {
	var out []string
	for _, cp := range b.CpAll() {
		for _, p := range b.CpList(cp) {
			out = append(out, p.Cpv)
		}
	}
	return out
}

func (b *BinDbapi) CpvExists(cpv string) bool {
	b.Populate()
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.cpvMap[cpv]
	return ok
}

func (b *BinDbapi) AuxGet(cpv string, keys []string) ([]string, error) {
	b.Populate()
	b.mu.Lock()
	defer b.mu.Unlock()
	md, ok := b.cpvMap[cpv]
	if !ok {
		return nil, notFound(cpv)
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = md[k]
	}
	return out, nil
}

func (b *BinDbapi) Match(atom *dep.Atom) []*versions.PkgStr {
	return dep.MatchFromList(atom, b.CpList(atom.Cp))
}
