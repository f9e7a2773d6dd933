package dbapi

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ppphp/emergo/pkg/checksum"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/util"
)

var infodirCleanup = map[string]bool{"dir": true, "dir.old": true}

type unmergeDir struct {
	path  string
	inode inodeKey
}

// Unmerge removes the files of the installed package. othersInSlot are the
// packages that stay in the same slot; files they own are left alone.
// preservePaths is non-nil when a replacement is being merged and lists
// the libraries carried over to it.
func (d *Dblink) Unmerge(othersInSlot []*Dblink, needed string, preservePaths map[string]bool) error {
	self, err := d.pkgStr("")
	if err != nil {
		return err
	}
	if othersInSlot == nil {
		slotAtom := self.Cp
		if self.Slot != "" {
			slotAtom += ":" + self.Slot
		}
		atom, err := dep.NewAtom(slotAtom)
		if err != nil {
			return err
		}
		for _, m := range d.vardb.Match(atom) {
			if m.Cpv != d.Cpv() {
				othersInSlot = append(othersInSlot, d.adopt(d.vardb.Dblink(m.Cpv)))
			}
		}
	}

	return d.slotLocked(func() error {
		counter := d.vardb.CpvCounter(d.Cpv())
		d.log.WithField("replacement", preservePaths != nil).Info("unmerging")

		d.prunePlibRegistry(true, needed, preservePaths)
		d.vardb.bumpMtime(d.Cpv())

		if err := d.LockDB(); err != nil {
			return err
		}
		err := d.unmergePkgfiles(d.Contents(), othersInSlot)
		d.clearContentsCache()
		d.UnlockDB()
		if err != nil {
			return err
		}

		d.vardb.bumpMtime(d.Cpv())
		if err := d.vardb.CacheDelta().recordEvent(d.holder, "remove", self, counter); err != nil {
			d.log.WithError(err).Warn("cannot record vdb delta")
		}
		d.vardb.remove(d)
		return nil
	})
}

func (d *Dblink) unlink(path string, lst os.FileInfo) error {
	if lst.Mode()&(os.ModeSetuid|os.ModeSetgid) != 0 {
		os.Chmod(path, 0)
	}
	if lst.Mode()&os.ModeSymlink == 0 {
		// Leaves hardlinks to suid/sgid files harmless.
		os.Chmod(path, 0)
	}
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			d.eerror([]string{fmt.Sprintf("Could not chmod or unlink '%s': %s", path, err)})
		}
		return err
	}
	return nil
}

func (d *Dblink) elog(lines []string) {
	for _, l := range lines {
		d.display(" * "+l+"\n", 20, -1)
	}
}

// unmergePkgfiles removes the listed entries. Files modified since they
// were merged are left in place, as are files another package in the slot
// owns and paths matching UNINSTALL_IGNORE. Config-protected files go like
// any other when unmodified; protection only matters to unmerge-orphans.
func (d *Dblink) unmergePkgfiles(pkgfiles Contents, othersInSlot []*Dblink) error {
	root := d.settings.Root
	rootPre := rootPrefix(root)
	eroot := d.eroot
	cfgfiledict := readConfMem(d.vardb.confMemFile)
	var staleConfMem []string
	protectedSymlinks := map[inodeKey][]string{}
	unmergeOrphans := d.settings.HasFeature("unmerge-orphans")

	if len(pkgfiles) == 0 {
		return nil
	}
	d.updateProtect()

	mykeys := pkgfiles.Keys()
	sort.Sort(sort.Reverse(sort.StringSlice(mykeys)))
	var mydirs []unmergeDir
	seenDirs := map[string]bool{}

	infodirInodes := map[inodeKey]bool{}
	for _, infodir := range d.settings.InfoPath {
		if st, err := os.Stat(util.JoinRoot(root, infodir)); err == nil {
			infodirInodes[inodeOf(st)] = true
		}
	}

	for _, objkey := range mykeys {
		obj := util.NormalizePath(objkey)
		entry := pkgfiles[objkey]
		fileType := entry.Type

		if len(obj) <= len(eroot) || !strings.HasPrefix(obj, eroot) {
			d.showUnmerge("---", "!prefix", fileType, obj)
			continue
		}

		statobj, statErr := os.Stat(obj)
		lstatobj, err := os.Lstat(obj)
		if err != nil {
			d.showUnmerge("---", "!found", fileType, obj)
			continue
		}
		isLink := lstatobj.Mode()&os.ModeSymlink != 0
		targetIsDir := statErr == nil && statobj.IsDir()

		fMatch := obj[len(eroot)-1:]
		ignore := false
		for _, pattern := range d.settings.UninstallIgnore {
			if util.Fnmatch(fMatch, pattern) {
				ignore = true
				break
			}
		}
		if !ignore && isLink && (fMatch == "/lib" || fMatch == "/usr/lib" || fMatch == "/usr/local/lib") {
			ignore = true
		}
		if ignore {
			d.showUnmerge("---", "cfgpro", fileType, obj)
			continue
		}

		if strings.HasPrefix(obj, rootPre) {
			relativePath := obj[len(rootPre):]
			isOwned := false
			for _, o := range othersInSlot {
				if o.IsOwner(relativePath) {
					isOwned = true
					break
				}
			}
			if isOwned && isLink && (fileType == ContentsSym || fileType == ContentsDir) && targetIsDir {
				// The new owner lists a directory where this package had
				// a symlink to one, which leaves the symlink orphaned.
				for _, o := range othersInSlot {
					k := o.matchContents(relativePath)
					if k != "" && o.Contents()[k].Type == ContentsDir {
						key := inodeOf(statobj)
						protectedSymlinks[key] = append(protectedSymlinks[key], relativePath)
						break
					}
				}
			}
			if isOwned {
				d.showUnmerge("---", "replaced", fileType, obj)
				continue
			} else if _, ok := cfgfiledict[relativePath]; ok {
				staleConfMem = append(staleConfMem, relativePath)
			}
		}

		if unmergeOrphans && !lstatobj.IsDir() && !(isLink && targetIsDir) && !d.IsProtected(obj) {
			d.unlink(obj, lstatobj)
			d.showUnmerge("<<<", "", fileType, obj)
			continue
		}

		if fileType != ContentsDir && fileType != ContentsFif && fileType != ContentsDev && lstatobj.ModTime().Unix() != entry.Mtime {
			d.showUnmerge("---", "!mtime", fileType, obj)
			continue
		}

		switch {
		case fileType == ContentsDir && !isLink:
			if !lstatobj.IsDir() {
				d.showUnmerge("---", "!dir", fileType, obj)
				continue
			}
			if !seenDirs[obj] {
				seenDirs[obj] = true
				mydirs = append(mydirs, unmergeDir{obj, inodeOf(lstatobj)})
			}

		case fileType == ContentsSym || (fileType == ContentsDir && isLink):
			if !isLink {
				d.showUnmerge("---", "!sym", fileType, obj)
				continue
			}
			if targetIsDir && strings.HasPrefix(obj, rootPre) {
				relativePath := obj[len(rootPre):]
				if children, err := os.ReadDir(obj); err == nil && len(children) > 0 {
					allOwned := true
					for _, c := range children {
						child := filepath.Join(relativePath, c.Name())
						if !d.IsOwner(child) {
							allOwned = false
							break
						}
						clst, err := os.Lstat(util.JoinRoot(root, child))
						if err != nil {
							continue
						}
						if !clst.Mode().IsRegular() {
							allOwned = false
							break
						}
					}
					if !allOwned {
						key := inodeOf(statobj)
						protectedSymlinks[key] = append(protectedSymlinks[key], relativePath)
						d.showUnmerge("---", "!empty", fileType, obj)
						continue
					}
				}
			}
			if err := d.unlink(obj, lstatobj); err != nil && !os.IsNotExist(err) {
				d.showUnmerge("!!!", "", fileType, obj)
			} else {
				d.showUnmerge("<<<", "", fileType, obj)
			}

		case fileType == ContentsObj:
			if statErr != nil || !statobj.Mode().IsRegular() {
				d.showUnmerge("---", "!obj", fileType, obj)
				continue
			}
			sum, err := checksum.PerformHex(obj, d.settings.contentHash())
			if err != nil {
				d.showUnmerge("---", "!obj", fileType, obj)
				continue
			}
			if sum != strings.ToLower(entry.Hash) {
				d.showUnmerge("---", "!md5", fileType, obj)
				continue
			}
			d.unlink(obj, lstatobj)
			d.showUnmerge("<<<", "", fileType, obj)

		case fileType == ContentsFif:
			if lstatobj.Mode()&os.ModeNamedPipe == 0 {
				d.showUnmerge("---", "!fif", fileType, obj)
				continue
			}
			d.showUnmerge("---", "", fileType, obj)

		case fileType == ContentsDev:
			d.showUnmerge("---", "", fileType, obj)
		}
	}

	d.unmergeDirs(mydirs, infodirInodes, protectedSymlinks)

	if len(protectedSymlinks) > 0 {
		d.unmergeProtectedSymlinks(othersInSlot, infodirInodes, protectedSymlinks)
	}
	if len(protectedSymlinks) > 0 {
		lines := []string{
			"One or more symlinks to directories have been preserved in order to",
			"ensure that files installed via these symlinks remain accessible. This",
			"indicates that the mentioned symlink(s) may be obsolete remnants of an",
			"old install, and it may be appropriate to replace a given symlink with",
			"the directory that it points to.",
			"",
		}
		for _, f := range flattenSymlinks(protectedSymlinks) {
			lines = append(lines, "\t"+util.JoinRoot(root, f))
		}
		d.elog(append(lines, ""))
	}

	if len(staleConfMem) > 0 {
		for _, f := range staleConfMem {
			delete(cfgfiledict, f)
		}
		if err := writeConfMem(d.vardb.confMemFile, cfgfiledict); err != nil {
			return err
		}
	}
	return nil
}

func flattenSymlinks(m map[inodeKey][]string) []string {
	set := map[string]bool{}
	for _, paths := range m {
		for _, p := range paths {
			set[p] = true
		}
	}
	return sortedMapKeys(set)
}

// unmergeDirs removes the collected directories, deepest first, when they
// are empty. Removing a directory also removes the protected symlinks that
// pointed at it.
func (d *Dblink) unmergeDirs(dirs []unmergeDir, infodirInodes map[inodeKey]bool, protectedSymlinks map[inodeKey][]string) {
	root := d.settings.Root
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].path < dirs[j].path })
	revisit := map[string]inodeKey{}

	for len(dirs) > 0 {
		cur := dirs[len(dirs)-1]
		dirs = dirs[:len(dirs)-1]
		obj := cur.path

		if infodirInodes[cur.inode] || filepath.Base(obj) == "info" {
			if remaining, err := os.ReadDir(obj); err == nil && len(remaining) > 0 && len(remaining) <= len(infodirCleanup) {
				onlyIndex := true
				for _, r := range remaining {
					if !infodirCleanup[r.Name()] {
						onlyIndex = false
						break
					}
				}
				if onlyIndex {
					for _, r := range remaining {
						child := filepath.Join(obj, r.Name())
						if lst, err := os.Lstat(child); err == nil && lst.Mode().IsRegular() {
							if d.unlink(child, lst) == nil {
								d.showUnmerge("<<<", "", ContentsObj, child)
							} else {
								d.showUnmerge("!!!", "", ContentsObj, child)
							}
						}
					}
				}
			}
		}

		if err := os.Remove(obj); err != nil {
			if !os.IsNotExist(err) {
				d.showUnmerge("---", "!empty", ContentsDir, obj)
				revisit[obj] = cur.inode
			}
			continue
		}
		d.showUnmerge("<<<", "", ContentsDir, obj)

		syms, ok := protectedSymlinks[cur.inode]
		if !ok {
			continue
		}
		delete(protectedSymlinks, cur.inode)
		parents := map[string]bool{}
		for _, rel := range syms {
			sym := util.JoinRoot(root, rel)
			lst, err := os.Lstat(sym)
			if err == nil {
				err = d.unlink(sym, lst)
			}
			if err != nil {
				d.showUnmerge("!!!", "", ContentsSym, sym)
				continue
			}
			d.showUnmerge("<<<", "", ContentsSym, sym)
			parents[filepath.Dir(sym)] = true
		}
		var again []string
		for parent := range parents {
			for {
				if _, ok := revisit[parent]; !ok {
					break
				}
				again = append(again, parent)
				parent = filepath.Dir(parent)
				if parent == "/" {
					break
				}
			}
		}
		sort.Strings(again)
		for _, p := range util.UniqueSorted(again) {
			if inode, ok := revisit[p]; ok {
				dirs = append(dirs, unmergeDir{p, inode})
				delete(revisit, p)
			}
		}
	}
}

// unmergeProtectedSymlinks removes directory symlinks nothing else
// installed files through.
func (d *Dblink) unmergeProtectedSymlinks(othersInSlot []*Dblink, infodirInodes map[inodeKey]bool, protectedSymlinks map[inodeKey][]string) {
	root := d.settings.Root
	flat := flattenSymlinks(protectedSymlinks)
	for _, f := range flat {
		for _, o := range othersInSlot {
			if o.IsOwner(f) {
				return
			}
		}
	}

	lines := []string{"", "Directory symlink(s) may need protection:", ""}
	for _, f := range flat {
		lines = append(lines, "\t"+util.JoinRoot(root, f))
	}
	lines = append(lines, "",
		"Use the UNINSTALL_IGNORE variable to exempt specific symlinks",
		"from the following search.", "",
		"Searching all installed packages for files installed via above symlink(s)...", "")
	d.elog(lines)

	if err := d.LockDB(); err != nil {
		return
	}
	owners := d.vardb.Owners().GetOwners(flat)
	d.vardb.FlushCache()
	d.UnlockDB()
	delete(owners, d.Cpv())
	if len(owners) > 0 {
		return
	}

	d.elog([]string{"The above directory symlink(s) are all safe to remove. Removing them now...", ""})
	var dirs []unmergeDir
	seen := map[string]bool{}
	for _, syms := range protectedSymlinks {
		for _, rel := range syms {
			obj := util.JoinRoot(root, rel)
			for parent := filepath.Dir(obj); len(parent) > len(d.eroot); parent = filepath.Dir(parent) {
				lst, err := os.Lstat(parent)
				if err != nil {
					break
				}
				if !seen[parent] {
					seen[parent] = true
					dirs = append(dirs, unmergeDir{parent, inodeOf(lst)})
				}
			}
			lst, err := os.Lstat(obj)
			if err == nil {
				err = d.unlink(obj, lst)
			}
			if err != nil {
				d.showUnmerge("!!!", "", ContentsSym, obj)
			} else {
				d.showUnmerge("<<<", "", ContentsSym, obj)
			}
		}
	}
	for k := range protectedSymlinks {
		delete(protectedSymlinks, k)
	}
	d.unmergeDirs(dirs, infodirInodes, protectedSymlinks)
}
