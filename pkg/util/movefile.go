package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"

	"github.com/ppphp/emergo/pkg/util/msg"
)

func applyStat(srcStat os.FileInfo, dest string) error {
	st := srcStat.Sys().(*syscall.Stat_t)
	if err := os.Lchown(dest, int(st.Uid), int(st.Gid)); err != nil && !os.IsPermission(err) {
		return err
	}
	return os.Chmod(dest, srcStat.Mode().Perm()|srcStat.Mode()&(os.ModeSetuid|os.ModeSetgid|os.ModeSticky))
}

var (
	xattrExcluderMu    sync.Mutex
	xattrExcluderCache = map[string]*xattrExcluder{}
)

func getXattrExcluder(pattern string) *xattrExcluder {
	xattrExcluderMu.Lock()
	defer xattrExcluderMu.Unlock()
	value, ok := xattrExcluderCache[pattern]
	if !ok {
		value = newXattrExcluder(pattern)
		xattrExcluderCache[pattern] = value
	}
	return value
}

type xattrExcluder struct {
	patternSplit []string
}

func newXattrExcluder(pattern string) *xattrExcluder {
	x := &xattrExcluder{}
	patterns := strings.Fields(pattern)
	if len(patterns) > 0 {
		sort.Strings(patterns)
		x.patternSplit = patterns
	}
	return x
}

func (x *xattrExcluder) excluded(attr string) bool {
	for _, p := range x.patternSplit {
		if m, _ := filepath.Match(p, attr); m {
			return true
		}
	}
	return false
}

// copyXattr copies extended attributes not matched by the exclude globs.
func copyXattr(src, dest, exclude string) error {
	attrs, err := xattr.LList(src)
	if err != nil {
		return nil
	}
	excluder := getXattrExcluder(exclude)
	for _, attr := range attrs {
		if excluder.excluded(attr) {
			continue
		}
		v, err := xattr.LGet(src, attr)
		if err == nil {
			err = xattr.LSet(dest, attr, v)
		}
		if err != nil {
			return fmt.Errorf("filesystem containing file '%s' does not support extended attribute '%s': %w", dest, attr, err)
		}
	}
	return nil
}

// MovefileOptions tunes Movefile. A zero NewMtime keeps the source mtime.
type MovefileOptions struct {
	NewMtime     time.Time
	Xattr        bool
	XattrExclude string
}

// Movefile moves src over dest, replacing a non-directory dest atomically
// via a temporary sibling. Symlinks, fifos and device nodes are recreated,
// regular files are renamed when possible and copied across filesystems.
// It returns the mtime the destination ended up with.
func Movefile(src, dest string, opts MovefileOptions) (time.Time, error) {
	sstat, err := os.Lstat(src)
	if err != nil {
		return time.Time{}, fmt.Errorf("!!! Stating source file failed... movefile(): %w", err)
	}
	if dstat, err := os.Lstat(dest); err == nil && dstat.IsDir() && !sstat.IsDir() {
		return time.Time{}, fmt.Errorf("!!! refusing to replace directory %s with a non-directory", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return time.Time{}, err
	}
	mtime := sstat.ModTime()
	if !opts.NewMtime.IsZero() {
		mtime = opts.NewMtime
	}
	tmp := dest + "#new"
	os.Remove(tmp)

	switch {
	case sstat.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return time.Time{}, err
		}
		if err := os.Symlink(target, tmp); err != nil {
			return time.Time{}, fmt.Errorf("!!! failed to properly create symlink: %s -> %s: %w", dest, target, err)
		}
		st := sstat.Sys().(*syscall.Stat_t)
		os.Lchown(tmp, int(st.Uid), int(st.Gid))
		ts := []unix.Timespec{unix.NsecToTimespec(mtime.UnixNano()), unix.NsecToTimespec(mtime.UnixNano())}
		unix.UtimesNanoAt(unix.AT_FDCWD, tmp, ts, unix.AT_SYMLINK_NOFOLLOW)
		if err := os.Rename(tmp, dest); err != nil {
			os.Remove(tmp)
			return time.Time{}, err
		}
		os.Remove(src)
		return mtime, nil
	case sstat.Mode()&(os.ModeNamedPipe|os.ModeDevice|os.ModeCharDevice) != 0:
		st := sstat.Sys().(*syscall.Stat_t)
		if err := unix.Mknod(tmp, st.Mode, int(st.Rdev)); err != nil {
			return time.Time{}, err
		}
		if err := applyStat(sstat, tmp); err != nil {
			os.Remove(tmp)
			return time.Time{}, err
		}
	case sstat.Mode().IsRegular():
		renamed := false
		if !opts.Xattr {
			if err := os.Rename(src, tmp); err == nil {
				renamed = true
			}
		}
		if !renamed {
			if err := copyRegular(src, tmp, sstat); err != nil {
				os.Remove(tmp)
				return time.Time{}, fmt.Errorf("!!! copy %s -> %s failed: %w", src, dest, err)
			}
			if opts.Xattr {
				if err := copyXattr(src, tmp, opts.XattrExclude); err != nil {
					os.Remove(tmp)
					return time.Time{}, err
				}
			}
		}
		if err := applyStat(sstat, tmp); err != nil {
			os.Remove(tmp)
			return time.Time{}, err
		}
	default:
		return time.Time{}, fmt.Errorf("!!! unsupported file type for %s", src)
	}

	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		msg.WriteMsg(fmt.Sprintf("!!! failed to set mtime of %s: %s\n", dest, err), -1, nil)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return time.Time{}, fmt.Errorf("!!! failed to move %s to %s: %w", src, dest, err)
	}
	os.Remove(src)
	st, err := os.Lstat(dest)
	if err != nil {
		return mtime, nil
	}
	return st.ModTime(), nil
}

func copyRegular(src, dest string, sstat os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, sstat.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
