package locks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/output"
	"github.com/ppphp/emergo/pkg/util/msg"
)

// Quiet suppresses the "waiting for lock" status line.
var Quiet = false

var (
	openFdsMu sync.Mutex
	openFds   = map[int]bool{}
)

// Lock is a held advisory lock. Release it with Unlock, typically deferred
// right after acquisition.
type Lock struct {
	Path       string
	fd         int
	unlinkFile bool
	released   bool
}

// Lockdir locks mydir through a ".<name>.portage_lockfile" sibling.
func Lockdir(mydir string, flags int) (*Lock, error) {
	return Lockfile(mydir, true, false, "", flags)
}

func lockfileName(mypath string) string {
	base, tail := filepath.Split(strings.TrimRight(mypath, "/"))
	return filepath.Join(base, "."+tail+".portage_lockfile")
}

// Lockfile takes an exclusive flock on mypath, or on a dedicated sibling
// lock file when wantNewLockfile is set. With unix.O_NONBLOCK in flags a
// busy lock fails with TryAgain instead of waiting.
func Lockfile(mypath string, wantNewLockfile, unlinkFile bool, waitingMsg string, flags int) (*Lock, error) {
	for {
		l, err := lockfileIteration(mypath, wantNewLockfile, unlinkFile, waitingMsg, flags)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		msg.WriteMsg("lockfile removed by previous lock holder, retrying\n", 1, nil)
	}
}

func lockfileIteration(mypath string, wantNewLockfile, unlinkFile bool, waitingMsg string, flags int) (*Lock, error) {
	if mypath == "" {
		return nil, exception.InvalidData("empty path given")
	}
	mypath = strings.TrimRight(mypath, "/")
	lockfilename := mypath
	if wantNewLockfile {
		lockfilename = lockfileName(mypath)
		unlinkFile = true
	}
	if st, err := os.Stat(filepath.Dir(lockfilename)); err != nil || !st.IsDir() {
		return nil, exception.InvalidLocation(filepath.Dir(lockfilename))
	}

	oldMask := unix.Umask(0)
	myfd, err := unix.Open(lockfilename, unix.O_CREAT|unix.O_RDWR, 0660)
	unix.Umask(oldMask)
	if err != nil {
		if err == unix.EACCES {
			return nil, exception.PermissionDenied(lockfilename)
		}
		return nil, fmt.Errorf("open %s: %w", lockfilename, err)
	}

	if err := flock(myfd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err != unix.EWOULDBLOCK && err != unix.EACCES && err != unix.ENOLCK {
			unix.Close(myfd)
			return nil, err
		}
		if flags&unix.O_NONBLOCK != 0 {
			unix.Close(myfd)
			return nil, exception.TryAgain(mypath)
		}
		var out *output.EOutput
		if !Quiet {
			out = output.NewEOutput(false)
			if waitingMsg == "" {
				waitingMsg = fmt.Sprintf("waiting for lock on %s", lockfilename)
			}
			out.Ebegin(waitingMsg)
		}
		if err := flock(myfd, unix.LOCK_EX); err != nil {
			if out != nil {
				out.Eend(1, err.Error())
			}
			unix.Close(myfd)
			return nil, err
		}
		if out != nil {
			out.Eend(0, "")
		}
	}

	if unlinkFile && lockfileWasRemoved(myfd, lockfilename) {
		unix.Close(myfd)
		return nil, nil
	}

	if i, err := unix.FcntlInt(uintptr(myfd), unix.F_GETFD, 0); err == nil {
		unix.FcntlInt(uintptr(myfd), unix.F_SETFD, i|unix.FD_CLOEXEC)
	}

	openFdsMu.Lock()
	openFds[myfd] = true
	openFdsMu.Unlock()
	msg.WriteMsg(fmt.Sprintf("locked %s fd=%d unlink=%v\n", lockfilename, myfd, unlinkFile), 2, nil)
	return &Lock{Path: lockfilename, fd: myfd, unlinkFile: unlinkFile}, nil
}

func flock(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if err != unix.EINTR {
			return err
		}
	}
}

// lockfileWasRemoved reports whether the path no longer refers to the
// inode we locked, which happens when the previous holder unlinked it.
func lockfileWasRemoved(fd int, path string) bool {
	var fst, pst unix.Stat_t
	if err := unix.Fstat(fd, &fst); err != nil {
		return true
	}
	if err := unix.Stat(path, &pst); err != nil {
		return true
	}
	return fst.Ino != pst.Ino || fst.Dev != pst.Dev
}

// Unlock releases the lock, unlinking the lock file when nobody else
// holds it. Calling it twice is a no-op.
func (l *Lock) Unlock() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	defer func() {
		unix.Close(l.fd)
		openFdsMu.Lock()
		delete(openFds, l.fd)
		openFdsMu.Unlock()
	}()
	if l.unlinkFile {
		var st unix.Stat_t
		if err := unix.Fstat(l.fd, &st); err == nil && st.Nlink == 1 && !lockfileWasRemoved(l.fd, l.Path) {
			if err := unix.Unlink(l.Path); err != nil && err != unix.ENOENT {
				msg.WriteMsg(fmt.Sprintf("failed to unlink lockfile %s: %s\n", l.Path, err), 1, nil)
			}
		}
	}
	if err := flock(l.fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock file '%s': %w", l.Path, err)
	}
	return nil
}

// CloseFds closes every lock descriptor still open, for use before exec.
func CloseFds() {
	openFdsMu.Lock()
	defer openFdsMu.Unlock()
	for fd := range openFds {
		unix.Close(fd)
		delete(openFds, fd)
	}
}
