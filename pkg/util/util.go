package util

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/ppphp/emergo/pkg/checksum"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/util/msg"
)

// GrabFile returns the non-comment, non-empty lines of a file, trimmed.
// A missing file yields nil.
func GrabFile(myFileName string) ([]string, error) {
	f, err := os.Open(myFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		if os.IsPermission(err) {
			return nil, exception.PermissionDenied(myFileName)
		}
		return nil, err
	}
	defer f.Close()
	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		l := s.Text()
		if i := strings.Index(l, "#"); i >= 0 {
			l = l[:i]
		}
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, s.Err()
}

// ConfigProtect answers whether a path falls under CONFIG_PROTECT without
// being excluded by CONFIG_PROTECT_MASK. The longest matching entry wins.
type ConfigProtect struct {
	myroot                string
	protectList, maskList []string
	protect, protectmask  []string
	caseInsensitive       bool
	dirs                  map[string]bool
}

func NewConfigProtect(myroot string, protectList, maskList []string, caseInsensitive bool) *ConfigProtect {
	c := &ConfigProtect{
		myroot:          myroot,
		protectList:     protectList,
		maskList:        maskList,
		caseInsensitive: caseInsensitive,
	}
	c.UpdateProtect()
	return c
}

func (c *ConfigProtect) rooted(x string) string {
	p := JoinRoot(c.myroot, x)
	if c.caseInsensitive {
		p = strings.ToLower(p)
	}
	return p
}

// UpdateProtect re-reads which entries are directories. An entry that does
// not exist yet is treated as a directory so that a fresh root is protected
// the same way as a populated one.
func (c *ConfigProtect) UpdateProtect() {
	c.protect = c.protect[:0]
	c.protectmask = c.protectmask[:0]
	c.dirs = map[string]bool{}
	classify := func(ppath string) {
		st, err := os.Stat(ppath)
		if err != nil || st.IsDir() {
			c.dirs[ppath] = true
		}
	}
	for _, x := range c.protectList {
		ppath := c.rooted(x)
		c.protect = append(c.protect, ppath)
		classify(ppath)
	}
	for _, x := range c.maskList {
		ppath := c.rooted(x)
		c.protectmask = append(c.protectmask, ppath)
		classify(ppath)
	}
}

func (c *ConfigProtect) covers(entry, obj string) bool {
	if !strings.HasPrefix(obj, entry) {
		return false
	}
	if c.dirs[entry] {
		return obj == entry || entry == "/" || strings.HasPrefix(obj, entry+"/")
	}
	return obj == entry
}

// IsProtected expects obj to already include the root prefix.
func (c *ConfigProtect) IsProtected(obj string) bool {
	masked, protected := 0, 0
	if c.caseInsensitive {
		obj = strings.ToLower(obj)
	}
	for _, ppath := range c.protect {
		if len(ppath) <= masked || !c.covers(ppath, obj) {
			continue
		}
		protected = len(ppath)
		for _, pmpath := range c.protectmask {
			if len(pmpath) >= protected && c.covers(pmpath, obj) {
				masked = len(pmpath)
			}
		}
	}
	return protected > masked
}

// NewProtectFilename picks the "._cfgNNNN_name" sibling an update to a
// protected myDest is written to. When the newest existing candidate already
// carries newMd5 it is reused instead of allocating another number. Without
// force, a myDest that does not exist is returned unchanged.
func NewProtectFilename(myDest, newMd5 string, force bool) (string, error) {
	if _, err := os.Lstat(myDest); !force && os.IsNotExist(err) {
		return myDest, nil
	}
	realFilename := filepath.Base(myDest)
	realDirname := filepath.Dir(myDest)
	entries, err := os.ReadDir(realDirname)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	protNum := -1
	lastPfile := ""
	for _, e := range entries {
		name := e.Name()
		if len(name) < 10 || !strings.HasPrefix(name, "._cfg") || name[9] != '_' || name[10:] != realFilename {
			continue
		}
		n, err := strconv.Atoi(name[5:9])
		if err != nil {
			continue
		}
		if n > protNum {
			protNum = n
			lastPfile = name
		}
	}
	newPfile := filepath.Join(realDirname, fmt.Sprintf("._cfg%04d_%s", protNum+1, realFilename))
	if lastPfile == "" || newMd5 == "" {
		return newPfile, nil
	}
	oldPfile := filepath.Join(realDirname, lastPfile)
	st, err := os.Lstat(oldPfile)
	if err != nil {
		return newPfile, nil
	}
	if st.Mode()&os.ModeSymlink != 0 {
		if link, err := os.Readlink(oldPfile); err == nil && link == newMd5 {
			return oldPfile, nil
		}
		return newPfile, nil
	}
	lastMd5, err := checksum.PerformMd5(oldPfile)
	if err == nil && lastMd5 == newMd5 {
		return oldPfile, nil
	}
	return newPfile, nil
}

// AtomicOfstream writes to a temporary sibling that replaces the real file
// on Close. Abort discards the temporary.
type AtomicOfstream struct {
	realName string
	file     *os.File
	aborted  bool
	closed   bool
}

func NewAtomicOfstream(filename string, followLinks bool) (*AtomicOfstream, error) {
	realName := filename
	if followLinks {
		if p, err := filepath.EvalSymlinks(filename); err == nil {
			realName = p
		}
	}
	tmpName := fmt.Sprintf("%s.%d", realName, os.Getpid())
	f, err := os.OpenFile(tmpName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, writeError(filename, err)
	}
	return &AtomicOfstream{realName: realName, file: f}, nil
}

func (a *AtomicOfstream) Write(s []byte) (int, error) {
	return a.file.Write(s)
}

func (a *AtomicOfstream) WriteString(s string) (int, error) {
	return a.file.WriteString(s)
}

// Close renames the temporary over the target, keeping the target's
// permission bits when it already existed.
func (a *AtomicOfstream) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	tmp := a.file.Name()
	if err := a.file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if a.aborted {
		return os.Remove(tmp)
	}
	if st, err := os.Stat(a.realName); err == nil {
		os.Chmod(tmp, st.Mode().Perm())
		if sys, ok := st.Sys().(*syscall.Stat_t); ok {
			os.Chown(tmp, int(sys.Uid), int(sys.Gid))
		}
	}
	if err := os.Rename(tmp, a.realName); err != nil {
		os.Remove(tmp)
		return writeError(a.realName, err)
	}
	return nil
}

func (a *AtomicOfstream) Abort() {
	if !a.aborted {
		a.aborted = true
		a.Close()
	}
}

// WriteAtomic replaces filePath with content in a single rename.
func WriteAtomic(filePath string, content []byte) error {
	f, err := NewAtomicOfstream(filePath, true)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Abort()
		return writeError(filePath, err)
	}
	return f.Close()
}

func writeError(path string, err error) error {
	switch {
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return exception.PermissionDenied(fmt.Sprintf("write_atomic('%s')", path))
	case errors.Is(err, syscall.EROFS):
		return &exception.ReadOnlyTargetError{Paths: []string{path}}
	case errors.Is(err, syscall.ENOENT):
		return exception.FileNotFound(path)
	}
	return err
}

// EnsureDirs creates dirPath and its parents. It reports whether anything
// was created.
func EnsureDirs(dirPath string, mode os.FileMode) (bool, error) {
	if st, err := os.Stat(dirPath); err == nil {
		if !st.IsDir() {
			return false, exception.InvalidLocation(dirPath)
		}
		return false, nil
	}
	if err := os.MkdirAll(dirPath, mode); err != nil {
		if os.IsPermission(err) {
			return false, exception.PermissionDenied(dirPath)
		}
		return false, err
	}
	return true, nil
}

// UniqueSorted returns the distinct values of a, sorted.
func UniqueSorted(a []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a))
	for _, x := range a {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}

// CheckWritable fails with ReadOnlyTarget when any of paths lives on a
// read-only mount.
func CheckWritable(paths []string) error {
	ro := GetRoChecker()(paths)
	if len(ro) == 0 {
		return nil
	}
	msg.WriteMsgLevel(fmt.Sprintf("!!! read-only filesystems: %s\n", strings.Join(ro, " ")), 40, -1)
	return &exception.ReadOnlyTargetError{Paths: ro}
}
