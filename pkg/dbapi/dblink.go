package dbapi

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
	"github.com/ppphp/emergo/pkg/versions"
)

type inodeKey [2]uint64

func inodeOf(fi os.FileInfo) inodeKey {
	st := fi.Sys().(*syscall.Stat_t)
	return inodeKey{uint64(st.Dev), uint64(st.Ino)}
}

// Dblink is the merge handle of one installed (or about to be installed)
// package record.
type Dblink struct {
	Cat, Pkg string

	vardb    *VarDbapi
	settings *Config
	eroot    string

	dbroot   string
	dbcatdir string
	dbpkgdir string
	dbtmpdir string
	dbdir    string

	blockers []string

	contentsCache     Contents
	contentsBasenames map[string]bool
	contentsInodes    map[inodeKey][]string

	protectObj        *util.ConfigProtect
	installedInstance *Dblink
	preserveLibs      bool
	linkmapBroken     bool

	holder *lockHolder
	log    *logrus.Entry
}

// NewDblink returns the handle for cat/pkg. blockers lists installed cpvs
// the package blocks; their files may be taken over during a merge.
func NewDblink(cat, pkg string, vardb *VarDbapi, blockers []string) *Dblink {
	d := &Dblink{
		Cat:          cat,
		Pkg:          pkg,
		vardb:        vardb,
		settings:     vardb.settings,
		eroot:        vardb.eroot,
		blockers:     blockers,
		preserveLibs: vardb.settings.HasFeature("preserve-libs"),
		holder:       newLockHolder(),
	}
	d.dbroot = vardb.dbroot
	d.dbcatdir = filepath.Join(d.dbroot, cat)
	d.dbpkgdir = filepath.Join(d.dbcatdir, pkg)
	d.dbtmpdir = filepath.Join(d.dbcatdir, mergingPrefix+pkg)
	d.dbdir = d.dbpkgdir
	d.log = msg.WithFields(logrus.Fields{"cpv": d.Cpv()})
	return d
}

// adopt makes o part of d's transaction, so the locks d holds are
// reentrant for o.
func (d *Dblink) adopt(o *Dblink) *Dblink {
	o.holder = d.holder
	return o
}

func (d *Dblink) Cpv() string { return d.Cat + "/" + d.Pkg }

// Path is the record directory currently in use.
func (d *Dblink) Path() string { return d.dbdir }

func (d *Dblink) Exists() bool {
	st, err := os.Stat(d.dbdir)
	return err == nil && st.IsDir()
}

func (d *Dblink) LockDB() error { return d.vardb.lockFor(d.holder) }

func (d *Dblink) UnlockDB() { d.vardb.Unlock() }

// removeRecord deletes a record directory; tests replace it.
var removeRecord = os.RemoveAll

// Delete removes the record directory.
func (d *Dblink) Delete() error {
	if err := d.LockDB(); err != nil {
		return err
	}
	defer d.UnlockDB()
	if _, err := os.Lstat(d.dbdir); os.IsNotExist(err) {
		return nil
	}
	if err := removeRecord(d.dbdir); err != nil {
		return err
	}
	os.Remove(d.dbcatdir)
	d.vardb.remove(d)
	d.clearContentsCache()
	return nil
}

func (d *Dblink) getFile(name string) string {
	b, err := os.ReadFile(filepath.Join(d.dbdir, name))
	if err != nil {
		return ""
	}
	return string(b)
}

func (d *Dblink) getString(name string) string {
	return strings.Join(strings.Fields(d.getFile(name)), " ")
}

// pkgStr describes the package with the slot recorded in the record, or
// the one given when set.
func (d *Dblink) pkgStr(slot string) (*versions.PkgStr, error) {
	if slot == "" {
		slot = d.getString("SLOT")
	}
	return versions.NewPkgStr(d.Cpv(), slot, d.getString("repository"))
}

func (d *Dblink) clearContentsCache() {
	d.contentsCache = nil
	d.contentsBasenames = nil
	d.contentsInodes = nil
}

// Contents returns the parsed CONTENTS of the record, cached until the
// record changes.
func (d *Dblink) Contents() Contents {
	if d.contentsCache != nil {
		return d.contentsCache
	}
	c, errs := ReadContents(filepath.Join(d.dbdir, "CONTENTS"), d.settings.Root)
	for _, err := range errs {
		msg.WriteMsg(fmt.Sprintf("!!! %s: %s\n", filepath.Join(d.dbdir, "CONTENTS"), err), -1, nil)
	}
	d.contentsCache = c
	return c
}

// matchContents returns the CONTENTS key for filename, given relative to
// the target root. Paths reached through a symlinked parent directory match
// the entry recorded under the real directory.
func (d *Dblink) matchContents(filename string) string {
	destfile := util.JoinRoot(d.settings.Root, filename)
	contents := d.Contents()
	if _, ok := contents[destfile]; ok {
		return destfile
	}

	if d.contentsBasenames == nil {
		d.contentsBasenames = map[string]bool{}
		for k := range contents {
			d.contentsBasenames[filepath.Base(k)] = true
		}
	}
	basename := filepath.Base(destfile)
	if !d.contentsBasenames[basename] {
		return ""
	}

	if d.contentsInodes == nil {
		d.contentsInodes = map[inodeKey][]string{}
		parents := map[string]bool{}
		for k := range contents {
			parents[filepath.Dir(k)] = true
		}
		for p := range parents {
			st, err := os.Stat(p)
			if err != nil {
				continue
			}
			key := inodeOf(st)
			d.contentsInodes[key] = append(d.contentsInodes[key], p)
		}
		for k := range d.contentsInodes {
			sort.Strings(d.contentsInodes[k])
		}
	}
	st, err := os.Stat(filepath.Dir(destfile))
	if err != nil {
		return ""
	}
	for _, p := range d.contentsInodes[inodeOf(st)] {
		candidate := filepath.Join(p, basename)
		if _, ok := contents[candidate]; ok {
			return candidate
		}
	}
	return ""
}

// IsOwner reports whether filename, relative to the target root, is listed
// in the CONTENTS of this package.
func (d *Dblink) IsOwner(filename string) bool {
	return d.matchContents(filename) != ""
}

func (d *Dblink) protect() *util.ConfigProtect {
	if d.protectObj == nil {
		d.protectObj = util.NewConfigProtect(d.eroot, d.settings.ConfigProtect, d.settings.ConfigProtectMask, false)
	}
	return d.protectObj
}

// IsProtected reports whether obj, including the root prefix, is under
// CONFIG_PROTECT.
func (d *Dblink) IsProtected(obj string) bool {
	return d.protect().IsProtected(obj)
}

func (d *Dblink) updateProtect() {
	d.protect().UpdateProtect()
}

// slotLocked runs fn holding the slot locks of this package and its
// blockers when parallel-install is enabled.
func (d *Dblink) slotLocked(fn func() error) error {
	if !d.settings.HasFeature("parallel-install") {
		return fn()
	}
	slotAtoms := []string{}
	for _, cpv := range append([]string{d.Cpv()}, d.blockers...) {
		p, err := d.vardb.Dblink(cpv).pkgStr("")
		if err != nil || p.Slot == "" {
			continue
		}
		slotAtoms = append(slotAtoms, p.Cp+":"+p.Slot)
	}
	release, err := d.vardb.slotLocksFor(d.holder, slotAtoms)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (d *Dblink) display(s string, level, noise int) {
	msg.WriteMsgLevel(s, level, noise)
}

func (d *Dblink) showUnmerge(zing, desc, fileType, fileName string) {
	d.display(fmt.Sprintf("%s %s %s %s\n", zing, fmt.Sprintf("%-8s", desc), fileType, fileName), 20, 0)
}

func (d *Dblink) eerror(lines []string) {
	for _, l := range lines {
		d.display(" * "+l+"\n", 40, -1)
	}
}

// readConfMem loads the config memory: one "path digest" pair per line.
func readConfMem(path string) map[string]string {
	m := map[string]string{}
	lines, err := util.GrabFile(path)
	if err != nil {
		return m
	}
	for _, l := range lines {
		f := strings.Fields(l)
		if len(f) >= 2 {
			m[f[0]] = f[1]
		}
	}
	return m
}

func writeConfMem(path string, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if _, err := util.EnsureDirs(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := util.NewAtomicOfstream(path, true)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, k := range keys {
		fmt.Fprintf(w, "%s %s\n", k, m[k])
	}
	if err := w.Flush(); err != nil {
		f.Abort()
		return err
	}
	return f.Close()
}

// Merge installs the image under srcroot, with metadata files from
// inforoot, as cat/pkg.
func Merge(cat, pkg, srcroot, inforoot string, vardb *VarDbapi, blockers []string) error {
	if !vardb.Writable() {
		return fmt.Errorf("%s: package database is not writable", vardb.dbroot)
	}
	return NewDblink(cat, pkg, vardb, blockers).Merge(srcroot, inforoot)
}

// Unmerge removes the installed cat/pkg and its record.
func Unmerge(cat, pkg string, vardb *VarDbapi) error {
	d := NewDblink(cat, pkg, vardb, nil)
	if !d.Exists() {
		return notFound(d.Cpv())
	}
	if err := d.Unmerge(nil, "", nil); err != nil {
		return err
	}
	return d.Delete()
}
