package dbapi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ppphp/emergo/pkg/checksum"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/output"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/dynlibs"
	"github.com/ppphp/emergo/pkg/versions"
)

// Merge installs the image under srcroot into the target root. Metadata
// files found in inforoot are copied into the new record. Nothing is left
// behind when it fails before the record is committed.
func (d *Dblink) Merge(srcroot, inforoot string) error {
	return d.slotLocked(func() error {
		if !d.settings.HasFeature("parallel-install") {
			if err := d.LockDB(); err != nil {
				return err
			}
			defer d.UnlockDB()
		}
		d.vardb.bumpMtime(d.Cpv())
		defer d.vardb.bumpMtime(d.Cpv())
		err := d.treewalk(srcroot, inforoot)
		if err != nil {
			d.log.WithError(err).Error("merge failed")
		}
		return err
	})
}

type collisionResult struct {
	collisions        []string
	symlinkCollisions []string
	dirsRO            []string
	internal          map[string][]string
	plibCollisions    map[string][]string
}

func (d *Dblink) treewalk(srcroot, inforoot string) error {
	srcroot = strings.TrimRight(util.NormalizePath(srcroot), "/") + "/"
	destroot := d.settings.Root
	if st, err := os.Stat(srcroot); err != nil || !st.IsDir() {
		return exception.FileNotFound(srcroot)
	}

	slotFields := strings.Fields(readFileString(filepath.Join(inforoot, "SLOT")))
	if len(slotFields) == 0 {
		return exception.InvalidData("%s: SLOT is undefined", d.Cpv())
	}
	self, err := versions.NewPkgStr(d.Cpv(), slotFields[0], readFileString(filepath.Join(inforoot, "repository")))
	if err != nil {
		return err
	}
	slotAtom := self.Cp + ":" + self.Slot

	othersInSlot, err := d.othersInSlot(self, slotAtom)
	if err != nil {
		return err
	}

	if strings.Contains(" "+readFileString(filepath.Join(inforoot, "RESTRICT"))+" ", " preserve-libs ") {
		d.preserveLibs = false
	}
	for _, o := range othersInSlot {
		if strings.Contains(" "+o.getString("RESTRICT")+" ", " preserve-libs ") {
			d.preserveLibs = false
		}
	}
	if !d.preserveLibs {
		for _, o := range othersInSlot {
			o.preserveLibs = false
		}
	}

	maxCounter := int64(-1)
	for _, o := range othersInSlot {
		if c := d.vardb.CpvCounter(o.Cpv()); c > maxCounter {
			maxCounter = c
			d.installedInstance = o
		}
	}

	installMask := strings.TrimSpace(d.settings.InstallMask + " " + readFileString(filepath.Join(inforoot, "INSTALL_MASK")))
	if installMask != "" {
		util.InstallMaskDir(srcroot, util.NewInstallMask(installMask), func(err error) {
			d.display(fmt.Sprintf("!!! %s\n", err), 30, -1)
		})
	}

	fileList, linkList, withNewlines, err := walkImage(srcroot)
	if err != nil {
		return err
	}
	if len(withNewlines) > 0 {
		lines := []string{"This package installs one or more files containing line ending characters:", ""}
		for _, f := range withNewlines {
			lines = append(lines, "\t/"+strings.NewReplacer("\n", "\\n", "\r", "\\r").Replace(f))
		}
		lines = append(lines, "", fmt.Sprintf("package %s NOT merged", d.Cpv()), "")
		d.eerror(lines)
		return exception.InvalidData("%s: image paths contain line endings", d.Cpv())
	}

	var blockers []*Dblink
	for _, b := range d.blockers {
		if bl := d.adopt(d.vardb.Dblink(b)); bl.Exists() {
			blockers = append(blockers, bl)
		}
	}

	res := d.collisionProtect(srcroot, append(append([]*Dblink{}, othersInSlot...), blockers...), fileList, linkList)

	if ro := util.GetRoChecker()(res.dirsRO); len(ro) > 0 {
		lines := []string{"One or more files installed to this package are set to be installed to read-only filesystems. Please mount the following filesystems as read-write and retry.", ""}
		for _, x := range ro {
			lines = append(lines, "\t"+x)
		}
		d.eerror(append(lines, ""))
		return &exception.ReadOnlyTargetError{Paths: ro}
	}

	if len(res.internal) > 0 {
		lines := []string{fmt.Sprintf("Package '%s' has internal collisions between non-identical files:", d.Cpv()), ""}
		for _, real := range sortedMapKeys(res.internal) {
			lines = append(lines, "\t/"+real+": "+strings.Join(res.internal[real], " "))
		}
		d.eerror(append(lines, ""))
	}

	if len(res.collisions) > 0 {
		if err := d.reportCollisions(res); err != nil {
			return err
		}
	}

	d.dbdir = d.dbtmpdir
	if err := d.Delete(); err != nil {
		return err
	}
	if _, err := util.EnsureDirs(d.dbtmpdir, 0755); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(d.dbtmpdir)
			d.dbdir = d.dbpkgdir
		}
	}()

	downgrade := false
	if d.installedInstance != nil {
		if c, err := versions.VerCmp(self.Version, versions.CpvGetVersion(d.installedInstance.Cpv())); err == nil && c < 0 {
			downgrade = true
		}
	}

	d.display(fmt.Sprintf(">>> Merging %s to %s\n", d.Cpv(), destroot), 20, 0)

	if err := copyInfoFiles(inforoot, d.dbtmpdir); err != nil {
		return err
	}
	counter, err := d.vardb.counterTick(d.holder)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(d.dbtmpdir, "COUNTER"), []byte(strconv.FormatInt(counter, 10)), 0644); err != nil {
		return err
	}

	d.updateProtect()

	if err := d.withPlibRegistry(func(reg *dynlibs.PreservedLibsRegistry) error {
		// Drops registry entries for libraries removed by hand, which
		// can no longer be told apart once the new files are merged.
		if err := reg.Load(); err != nil {
			return err
		}
		if err := reg.Store(); err != nil {
			return err
		}
		cfg := readConfMem(d.vardb.confMemFile)
		return d.mergeContents(srcroot, cfg, d.settings.NoConfMem || downgrade)
	}); err != nil {
		return err
	}

	for _, o := range othersInSlot {
		o.clearContentsCache()
	}
	d.clearContentsCache()

	preservePaths := map[string]bool{}
	needed := ""
	if !d.linkmapBroken {
		if err := d.withPlibRegistry(func(reg *dynlibs.PreservedLibsRegistry) error {
			if err := reg.Load(); err != nil {
				return err
			}
			needed = filepath.Join(inforoot, dynlibs.NeededAuxKey)
			d.linkmapRebuild(nil, needed, nil)
			preservePaths = d.findLibsToPreserve(false)
			return nil
		}); err != nil {
			return err
		}
		if len(preservePaths) > 0 {
			if err := d.addPreserveLibsToContents(preservePaths); err != nil {
				return err
			}
		}
	}

	autoclean := !d.settings.HasFeature("noclean") || len(preservePaths) > 0
	remaining := append(append([]*Dblink{}, othersInSlot...), d)
	for _, o := range othersInSlot {
		if !(autoclean || o.Cpv() == d.Cpv()) {
			continue
		}
		d.display(">>> Safely unmerging already-installed instance...\n", 20, 0)
		remaining = removeDblink(remaining, o)
		o.linkmapBroken = d.linkmapBroken
		if err := o.Unmerge(remaining, needed, preservePaths); err != nil {
			d.log.WithField("replaced", o.Cpv()).WithError(err).Error("unmerge failure")
		}
		// The old files are gone by now, so the new record is committed
		// even when the stale one cannot be removed.
		if err := o.Delete(); err != nil {
			d.log.WithField("replaced", o.Cpv()).WithError(err).Error("cannot remove replaced package record")
			d.display(fmt.Sprintf("!!! Unable to remove the record of %s: %s\n", o.Cpv(), err), 40, -1)
		}
		d.display(">>> Original instance of package unmerged safely.\n", 20, 0)
	}
	if len(remaining) > 1 {
		d.display(output.Colorize("WARN", "WARNING:")+" AUTOCLEAN is disabled.  This can cause serious problems due to overlapping packages.\n", 30, -1)
	}

	// The rename below is the commit point.
	if err := d.LockDB(); err != nil {
		return err
	}
	d.dbdir = d.dbpkgdir
	if err := d.Delete(); err != nil {
		d.UnlockDB()
		d.dbdir = d.dbtmpdir
		return err
	}
	if err := os.Rename(d.dbtmpdir, d.dbpkgdir); err != nil {
		d.UnlockDB()
		d.dbdir = d.dbtmpdir
		return err
	}
	committed = true
	if err := d.vardb.CacheDelta().recordEvent(d.holder, "add", self, counter); err != nil {
		d.log.WithError(err).Warn("cannot record vdb delta")
	}
	d.UnlockDB()

	d.clearContentsCache()
	contents := d.Contents()
	if len(blockers) > 0 {
		if err := d.LockDB(); err != nil {
			return err
		}
		for _, b := range blockers {
			if err := d.vardb.RemoveFromContents(b, contents.Keys(), false); err != nil {
				d.log.WithField("blocker", b.Cpv()).WithError(err).Warn("cannot update CONTENTS")
			}
		}
		d.UnlockDB()
	}

	if err := d.withPlibRegistry(func(reg *dynlibs.PreservedLibsRegistry) error {
		if err := reg.Load(); err != nil {
			return err
		}
		if len(preservePaths) > 0 {
			reg.Register(d.Cpv(), self.Slot, strconv.FormatInt(counter, 10), sortedMapKeys(preservePaths))
		}
		plibDict := reg.GetPreservedLibs()
		for _, cpv := range sortedMapKeys(res.plibCollisions) {
			paths := res.plibCollisions[cpv]
			if _, ok := plibDict[cpv]; !ok {
				continue
			}
			var slot, cnt string
			hasVdbEntry := false
			if cpv != d.Cpv() && d.vardb.CpvExists(cpv) {
				owner := d.vardb.Dblink(cpv)
				if p, err := owner.pkgStr(""); err == nil {
					slot = p.Slot
					cnt = strconv.FormatInt(d.vardb.CpvCounter(cpv), 10)
					hasVdbEntry = true
					if err := d.vardb.RemoveFromContents(owner, paths, true); err != nil {
						return err
					}
				}
			}
			if !hasVdbEntry {
				var ok bool
				if slot, cnt, ok = reg.Entry(cpv); !ok {
					continue
				}
			}
			drop := map[string]bool{}
			for _, p := range paths {
				drop[p] = true
			}
			var keep []string
			for _, p := range plibDict[cpv] {
				if !drop[p] {
					keep = append(keep, p)
				}
			}
			reg.Register(cpv, slot, cnt, keep)
		}
		return reg.Store()
	}); err != nil {
		return err
	}

	d.vardb.add(d)
	d.display(fmt.Sprintf(">>> %s merged.\n", d.Cpv()), 20, 0)
	d.log.WithField("counter", counter).Info("merged")

	d.prunePlibRegistry(false, "", nil)
	return nil
}

func (d *Dblink) othersInSlot(self *versions.PkgStr, slotAtom string) ([]*Dblink, error) {
	if err := d.LockDB(); err != nil {
		return nil, err
	}
	defer d.UnlockDB()
	atom, err := dep.NewAtom(slotAtom)
	if err != nil {
		return nil, err
	}
	var others []*Dblink
	seenSelf := false
	for _, m := range d.vardb.Match(atom) {
		if m.Cp != self.Cp {
			continue
		}
		if m.Cpv == self.Cpv {
			seenSelf = true
		}
		others = append(others, d.adopt(d.vardb.Dblink(m.Cpv)))
	}
	if !seenSelf && d.vardb.CpvExists(self.Cpv) {
		others = append(others, d.adopt(d.vardb.Dblink(self.Cpv)))
	}
	return others, nil
}

func removeDblink(list []*Dblink, x *Dblink) []*Dblink {
	out := list[:0:0]
	for _, d := range list {
		if d != x {
			out = append(out, d)
		}
	}
	return out
}

func readFileString(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyInfoFiles(inforoot, dbdir string) error {
	entries, err := os.ReadDir(inforoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(inforoot, e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dbdir, e.Name()), b, 0644); err != nil {
			return err
		}
	}
	return nil
}

// walkImage lists regular files and symlinks of the image relative to
// srcroot. Symlinks to directories are not followed.
func walkImage(srcroot string) (files, links, withNewlines []string, err error) {
	err = filepath.Walk(srcroot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if len(path) <= len(srcroot) {
			return nil
		}
		rel := path[len(srcroot):]
		switch {
		case info.Mode().IsRegular():
			files = append(files, rel)
		case info.Mode()&os.ModeSymlink != 0:
			links = append(links, rel)
			if target, err := os.Readlink(path); err == nil && strings.ContainsAny(target, "\n\r") {
				withNewlines = append(withNewlines, rel)
				return nil
			}
		default:
			return nil
		}
		if strings.ContainsAny(rel, "\n\r") {
			withNewlines = append(withNewlines, rel)
		}
		return nil
	})
	sort.Strings(withNewlines)
	return files, links, withNewlines, err
}

func (d *Dblink) collisionProtect(srcroot string, pkgs []*Dblink, fileList, symlinkList []string) *collisionResult {
	destroot := d.settings.Root
	res := &collisionResult{internal: map[string][]string{}, plibCollisions: map[string][]string{}}

	var collisionIgnore []string
	for _, x := range d.settings.CollisionIgnore {
		if st, err := os.Stat(util.JoinRoot(d.eroot, x)); err == nil && st.IsDir() {
			x = util.NormalizePath(x) + "/*"
		}
		collisionIgnore = append(collisionIgnore, x)
	}

	plibCpvMap := map[string]string{}
	plibInodes := map[inodeKey][]string{}
	for cpv, paths := range d.vardb.plibRegistry.GetPreservedLibs() {
		for _, p := range paths {
			plibCpvMap[p] = cpv
			if st, err := os.Lstat(util.JoinRoot(destroot, p)); err == nil {
				k := inodeOf(st)
				plibInodes[k] = append(plibInodes[k], p)
			}
		}
	}
	plibSeen := map[string]map[string]bool{}

	d.display(fmt.Sprintf(" %s checking %d files for package collisions\n", output.Colorize("GOOD", "*"), len(fileList)+len(symlinkList)), 20, 0)

	realRelativePaths := map[string][]string{}
	dirs := map[string]bool{}
	dirsRO := map[string]bool{}
	collided := map[string]bool{}
	rootPre := rootPrefix(destroot)

	type item struct{ f, typ string }
	items := make([]item, 0, len(fileList)+len(symlinkList))
	for _, f := range fileList {
		items = append(items, item{f, "reg"})
	}
	for _, f := range symlinkList {
		items = append(items, item{f, "sym"})
	}

	for _, it := range items {
		f := it.f
		destPath := util.JoinRoot(destroot, f)

		if realDir, err := filepath.EvalSymlinks(filepath.Dir(destPath)); err == nil {
			real := filepath.Join(realDir, filepath.Base(destPath))
			if strings.HasPrefix(real, rootPre) {
				real = strings.TrimPrefix(real[len(rootPre):], "/")
			}
			realRelativePaths[real] = append(realRelativePaths[real], strings.TrimPrefix(f, "/"))
		}

		parent := filepath.Dir(destPath)
		if !dirs[parent] {
			for _, x := range util.IterParents(parent) {
				if dirs[x] {
					break
				}
				dirs[x] = true
				if st, err := os.Stat(x); err == nil && st.IsDir() {
					if unix.Access(x, unix.W_OK) != nil {
						dirsRO[x] = true
					}
					break
				}
			}
		}

		destLstat, err := os.Lstat(destPath)
		if err != nil {
			if errors.Is(err, syscall.ENOTDIR) {
				// A non-directory sits where the image expects a directory.
				parentPath := destPath
				var found os.FileInfo
				for len(parentPath) > len(rootPre)+1 {
					parentPath = filepath.Dir(parentPath)
					if st, err := os.Lstat(parentPath); err == nil {
						found = st
						break
					}
				}
				if found == nil {
					continue
				}
				f = "/" + strings.TrimPrefix(parentPath[len(rootPre):], "/")
				if !collided[f] {
					collided[f] = true
					res.collisions = append(res.collisions, f)
				}
			}
			continue
		}
		if !strings.HasPrefix(f, "/") {
			f = "/" + f
		}

		if destLstat.IsDir() && it.typ == "sym" {
			res.symlinkCollisions = append(res.symlinkCollisions, f)
			if !collided[f] {
				collided[f] = true
				res.collisions = append(res.collisions, f)
			}
			continue
		}

		if plibs := plibInodes[inodeOf(destLstat)]; len(plibs) > 0 {
			// The new package takes over preserved libraries it overwrites.
			for _, p := range plibs {
				cpv := plibCpvMap[p]
				if plibSeen[cpv] == nil {
					plibSeen[cpv] = map[string]bool{}
				}
				if !plibSeen[cpv][p] {
					plibSeen[cpv][p] = true
					res.plibCollisions[cpv] = append(res.plibCollisions[cpv], p)
				}
			}
			continue
		}

		isOwned := false
		for _, ver := range pkgs {
			if ver.IsOwner(f) {
				isOwned = true
				break
			}
		}
		fullPath := util.JoinRoot(destroot, f)
		if !isOwned && d.IsProtected(fullPath) {
			isOwned = true
		}
		if !isOwned {
			fMatch := fullPath[len(d.eroot)-1:]
			stopMerge := true
			for _, pattern := range collisionIgnore {
				if util.Fnmatch(fMatch, pattern) {
					stopMerge = false
					break
				}
			}
			if stopMerge && !collided[f] {
				collided[f] = true
				res.collisions = append(res.collisions, f)
			}
		}
	}

	for real, files := range realRelativePaths {
		if len(files) < 2 {
			continue
		}
		if !identicalImageFiles(srcroot, files) {
			res.internal[real] = files
		}
	}
	for x := range dirsRO {
		res.dirsRO = append(res.dirsRO, x)
	}
	sort.Strings(res.dirsRO)
	for cpv := range res.plibCollisions {
		sort.Strings(res.plibCollisions[cpv])
	}
	return res
}

// identicalImageFiles reports whether image files that land on the same
// target path carry the same content.
func identicalImageFiles(srcroot string, files []string) bool {
	var first string
	for i, f := range files {
		p := filepath.Join(srcroot, f)
		st, err := os.Lstat(p)
		if err != nil {
			return false
		}
		var sum string
		if st.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return false
			}
			sum = "sym:" + target
		} else {
			h, err := checksum.PerformMd5(p)
			if err != nil {
				return false
			}
			sum = "obj:" + h
		}
		if i == 0 {
			first = sum
		} else if sum != first {
			return false
		}
	}
	return true
}

func (d *Dblink) reportCollisions(res *collisionResult) error {
	collisionProtect := d.settings.HasFeature("collision-protect")
	protectOwned := d.settings.HasFeature("protect-owned")
	destroot := d.settings.Root

	lines := []string{"This package will overwrite one or more files that may belong to other packages (see list below).", "", "Detected file collision(s):", ""}
	for _, f := range res.collisions {
		lines = append(lines, "\t"+util.JoinRoot(destroot, f))
	}
	d.eerror(append(lines, ""))
	d.log.WithField("paths", res.collisions).Warn("file collisions")

	var owners map[string][]string
	if collisionProtect || protectOwned || len(res.symlinkCollisions) > 0 {
		d.eerror([]string{"Searching all installed packages for file collisions...", ""})
		if err := d.LockDB(); err != nil {
			return err
		}
		owners = d.vardb.Owners().GetOwners(res.collisions)
		d.UnlockDB()
		for _, cpv := range sortedMapKeys(owners) {
			lines := []string{cpv}
			for _, f := range owners[cpv] {
				lines = append(lines, "\t"+util.JoinRoot(destroot, f))
			}
			d.eerror(append(lines, ""))
		}
		if len(owners) == 0 {
			d.eerror([]string{"None of the installed packages claim the file(s).", ""})
		}
	}

	abort := true
	var m string
	switch {
	case len(res.symlinkCollisions) > 0:
		m = fmt.Sprintf("Package '%s' NOT merged since it has one or more collisions between symlinks and directories, which is explicitly forbidden by PMS section 13.4.", d.Cpv())
	case collisionProtect, protectOwned && len(owners) > 0:
		m = fmt.Sprintf("Package '%s' NOT merged due to file collisions.", d.Cpv())
	default:
		abort = false
		m = fmt.Sprintf("Package '%s' merged despite file collisions.", d.Cpv())
	}
	d.eerror([]string{m})
	if !abort {
		return nil
	}

	symlinks := map[string]bool{}
	for _, f := range res.symlinkCollisions {
		symlinks[f] = true
	}
	var paths []string
	for _, f := range res.collisions {
		if !symlinks[f] {
			paths = append(paths, f)
		}
	}
	return &exception.FileCollisionError{Cpv: d.Cpv(), Paths: paths, SymlinkDir: res.symlinkCollisions}
}

func newBackupPath(p string) string {
	for x := 0; ; x++ {
		backup := fmt.Sprintf("%s.backup.%04d", p, x)
		if _, err := os.Lstat(backup); err != nil {
			return backup
		}
	}
}

// mergeContents moves the image into place and writes the new CONTENTS.
// Symlinks whose target does not exist yet are retried after the rest of
// the image is in place.
func (d *Dblink) mergeContents(srcroot string, cfg map[string]string, ignoreConfMem bool) error {
	origCfg := make(map[string]string, len(cfg))
	for k, v := range cfg {
		origCfg[k] = v
	}
	out, err := util.NewAtomicOfstream(filepath.Join(d.dbtmpdir, "CONTENTS"), true)
	if err != nil {
		return err
	}
	prevMask := syscall.Umask(0)
	defer syscall.Umask(prevMask)

	entries, err := os.ReadDir(srcroot)
	if err != nil {
		out.Abort()
		return err
	}
	var stuff []string
	for _, e := range entries {
		stuff = append(stuff, e.Name())
	}

	secondhand, err := d.mergeme(srcroot, out, true, stuff, cfg, ignoreConfMem)
	for err == nil && len(secondhand) > 0 {
		lastLen := len(secondhand)
		secondhand, err = d.mergeme(srcroot, out, true, secondhand, cfg, ignoreConfMem)
		if len(secondhand) == lastLen {
			break
		}
	}
	if err == nil && len(secondhand) > 0 {
		_, err = d.mergeme(srcroot, out, false, secondhand, cfg, ignoreConfMem)
	}
	if err != nil {
		out.Abort()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	changed := len(cfg) != len(origCfg)
	for k, v := range cfg {
		if origCfg[k] != v {
			changed = true
			break
		}
	}
	if changed {
		return writeConfMem(d.vardb.confMemFile, cfg)
	}
	return nil
}

func (d *Dblink) fileHash(path, md5sum string) (string, error) {
	hashname := d.settings.contentHash()
	if hashname == "MD5" {
		return md5sum, nil
	}
	return checksum.PerformHex(path, hashname)
}

func (d *Dblink) mergeme(srcroot string, out io.Writer, deferMissing bool, stuff []string, cfg map[string]string, ignoreConfMem bool) ([]string, error) {
	destroot := strings.TrimRight(util.NormalizePath(d.settings.Root), "/") + "/"
	protectIfModified := d.settings.HasFeature("config-protect-if-modified") && d.installedInstance != nil
	movefileOpts := util.MovefileOptions{Xattr: d.settings.HasFeature("xattr"), XattrExclude: d.settings.XattrExclude}

	mergelist := append([]string{}, stuff...)
	var secondhand []string
	write := func(e ContentsEntry, path string) error {
		_, err := io.WriteString(out, e.Line(path)+"\n")
		return err
	}

	for len(mergelist) > 0 {
		rel := mergelist[len(mergelist)-1]
		mergelist = mergelist[:len(mergelist)-1]
		mysrc := filepath.Join(srcroot, rel)
		mydest := filepath.Join(destroot, rel)
		myrealdest := "/" + strings.TrimPrefix(rel, "/")

		mystat, err := os.Lstat(mysrc)
		if err != nil {
			return nil, err
		}
		mymode := mystat.Mode()
		isLink := mymode&os.ModeSymlink != 0
		isReg := mymode.IsRegular()

		var mymd5, myto, myhash string
		switch {
		case isReg:
			if mymd5, err = checksum.PerformMd5(mysrc); err != nil {
				return nil, err
			}
			if myhash, err = d.fileHash(mysrc, mymd5); err != nil {
				return nil, err
			}
		case isLink:
			if myto, err = os.Readlink(mysrc); err != nil {
				return nil, err
			}
			mymd5, _ = checksum.ChecksumStr(myto, "MD5")
		}

		protected := false
		if isReg || isLink {
			protected = d.IsProtected(mydest)
			if isReg && mystat.Size() == 0 && strings.HasPrefix(filepath.Base(mydest), ".keep") {
				protected = false
			}
		}

		var destMd5, destLink string
		var destMode os.FileMode
		dstat, derr := os.Lstat(mydest)
		destExists := derr == nil
		if destExists {
			destMode = dstat.Mode()
			if protected {
				if destMode&os.ModeSymlink != 0 {
					destLink, _ = os.Readlink(mydest)
					destMd5, _ = checksum.ChecksumStr(destLink, "MD5")
				} else if destMode.IsRegular() {
					destMd5, _ = checksum.PerformMd5(mydest)
				}
			}
		}

		moveMe := true
		if protected {
			mydest, protected, moveMe, err = d.protectFile(cfg, ignoreConfMem, protectIfModified, mymd5, myto, mydest, myrealdest, destExists, destMd5, destLink)
			if err != nil {
				return nil, err
			}
		}
		zing := "!!!"
		if !moveMe {
			zing = "---"
		}

		switch {
		case isLink:
			myabsto := myto
			if !filepath.IsAbs(myabsto) {
				myabsto = filepath.Join(filepath.Dir(mysrc), myto)
			}
			myabsto = strings.TrimPrefix(myabsto, srcroot)
			myabsto = strings.TrimLeft(myabsto, "/")
			myrealto := util.NormalizePath(filepath.Join(destroot, myabsto))
			if destExists && destMode.IsDir() && !protected {
				newdest := newBackupPath(mydest)
				d.eerror([]string{"", "Installation of a symlink is blocked by a directory:", fmt.Sprintf("  '%s'", mydest),
					"This symlink will be merged with a different name:", fmt.Sprintf("  '%s'", newdest), ""})
				mydest = newdest
			}
			if deferMissing {
				if _, err := os.Lstat(myrealto); err != nil {
					secondhand = append(secondhand, rel)
					continue
				}
			}
			mtime := mystat.ModTime()
			if moveMe {
				zing = ">>>"
				if mtime, err = util.Movefile(mysrc, mydest, movefileOpts); err != nil {
					d.display("!!! Failed to move file.\n", 40, -1)
					d.display(fmt.Sprintf("!!! %s -> %s\n", mydest, myto), 40, -1)
					return nil, err
				}
			}
			d.display(fmt.Sprintf("%s %s -> %s\n", zing, mydest, myto), 20, 0)
			if err := write(ContentsEntry{Type: ContentsSym, Target: myto, Mtime: mtime.Unix()}, myrealdest); err != nil {
				return nil, err
			}

		case mymode.IsDir():
			if err := d.mergeDir(mysrc, mydest, mystat, destExists, destMode); err != nil {
				return nil, err
			}
			if err := write(ContentsEntry{Type: ContentsDir}, myrealdest); err != nil {
				return nil, err
			}
			children, err := os.ReadDir(mysrc)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				mergelist = append(mergelist, filepath.Join(rel, c.Name()))
			}

		case isReg:
			if !protected && destExists && destMode.IsDir() {
				newdest := newBackupPath(mydest)
				d.eerror([]string{"", "Installation of a regular file is blocked by a directory:", fmt.Sprintf("  '%s'", mydest),
					"This file will be merged with a different name:", fmt.Sprintf("  '%s'", newdest), ""})
				mydest = newdest
			}
			mtime := mystat.ModTime()
			if moveMe {
				if mtime, err = util.Movefile(mysrc, mydest, movefileOpts); err != nil {
					return nil, err
				}
				zing = ">>>"
			}
			if err := write(ContentsEntry{Type: ContentsObj, Hash: myhash, Mtime: mtime.Unix()}, myrealdest); err != nil {
				return nil, err
			}
			d.display(fmt.Sprintf("%s %s\n", zing, mydest), 20, 0)

		default:
			zing = "!!!"
			if !destExists {
				if _, err := util.Movefile(mysrc, mydest, movefileOpts); err != nil {
					return nil, err
				}
				zing = ">>>"
			}
			typ := ContentsDev
			if mymode&os.ModeNamedPipe != 0 {
				typ = ContentsFif
			}
			if err := write(ContentsEntry{Type: typ}, myrealdest); err != nil {
				return nil, err
			}
			d.display(zing+" "+mydest+"\n", 20, 0)
		}
	}
	return secondhand, nil
}

func (d *Dblink) mergeDir(mysrc, mydest string, mystat os.FileInfo, destExists bool, destMode os.FileMode) error {
	perm := mystat.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
	sys := mystat.Sys().(*syscall.Stat_t)
	create := func() error {
		if err := os.Mkdir(mydest, perm.Perm()); err != nil && !os.IsExist(err) {
			return err
		}
		os.Chmod(mydest, perm)
		os.Lchown(mydest, int(sys.Uid), int(sys.Gid))
		d.display(fmt.Sprintf(">>> %s/\n", mydest), 20, 0)
		return nil
	}
	if !destExists {
		return create()
	}
	if destMode&os.ModeSymlink == 0 && unix.Access(mydest, unix.W_OK) != nil {
		d.display(fmt.Sprintf("\n!!! Cannot write to '%s'.\n", mydest), 40, -1)
		d.display("!!! Please check permissions and directories for broken symlinks.\n", 40, -1)
		return exception.PermissionDenied(mydest)
	}
	if destMode.IsDir() {
		d.display(fmt.Sprintf("--- %s/\n", mydest), 20, 0)
		return nil
	}
	if destMode&os.ModeSymlink != 0 {
		if st, err := os.Stat(mydest); err == nil && st.IsDir() {
			d.display(fmt.Sprintf("--- %s/\n", mydest), 20, 0)
			return nil
		}
	}
	backup := newBackupPath(mydest)
	d.eerror([]string{"", "Installation of a directory is blocked by a file:", fmt.Sprintf("  '%s'", mydest),
		"This file will be renamed to a different name:", fmt.Sprintf("  '%s'", backup), ""})
	if _, err := util.Movefile(mydest, backup, util.MovefileOptions{}); err != nil {
		return err
	}
	d.display(fmt.Sprintf("bak %s %s.backup\n", mydest, mydest), 30, -1)
	return create()
}

// protectFile decides how a file landing on a CONFIG_PROTECT path is
// merged. It returns the destination to write to, whether the file stays
// protected and whether it is moved at all.
func (d *Dblink) protectFile(cfg map[string]string, ignoreConfMem, protectIfModified bool, srcMd5, srcLink, dest, destReal string, destExists bool, destMd5, destLink string) (string, bool, bool, error) {
	moveMe, protected, force := true, true, false

	k := ""
	if d.installedInstance != nil {
		k = d.installedInstance.matchContents(destReal)
	}
	if k != "" {
		if !destExists {
			// Removed by the admin: offer the update instead of restoring it.
			force = true
		} else if protectIfModified {
			e := d.installedInstance.Contents()[k]
			switch e.Type {
			case ContentsObj:
				if h, err := d.fileHash(dest, destMd5); err == nil && h == e.Hash {
					protected = false
				}
			case ContentsSym:
				if e.Target == destLink {
					protected = false
				}
			}
		}
	}

	if protected && destExists {
		if srcMd5 == destMd5 {
			protected = false
		} else if rec, ok := cfg[destReal]; ok && srcMd5 == rec {
			// An identical update was already offered once.
			moveMe = ignoreConfMem
			protected = moveMe
		}
		if protected && (destLink != "" || srcLink != "") && destLink != srcLink {
			force = true
		}
		if moveMe {
			cfg[destReal] = srcMd5
		} else if rec, ok := cfg[destReal]; ok && destMd5 == rec {
			delete(cfg, destReal)
		}
	}

	if protected && moveMe {
		newMd5 := destLink
		if newMd5 == "" {
			newMd5 = srcMd5
		}
		var err error
		if dest, err = util.NewProtectFilename(dest, newMd5, force); err != nil {
			return "", false, false, err
		}
	}
	return dest, protected, moveMe, nil
}
