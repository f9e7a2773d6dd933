package locks

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ppphp/emergo/pkg/exception"
)

func TestLockdir(t *testing.T) {
	Quiet = true
	dir := filepath.Join(t.TempDir(), "pkg")
	require.NoError(t, os.Mkdir(dir, 0755))

	l, err := Lockdir(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(dir), ".pkg.portage_lockfile"), l.Path)
	assert.FileExists(t, l.Path)

	_, err = Lockdir(dir, unix.O_NONBLOCK)
	assert.True(t, errors.Is(err, exception.ErrTryAgain))

	require.NoError(t, l.Unlock())
	require.NoError(t, l.Unlock())
	_, err = os.Stat(l.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestLockfileBlocksUntilReleased(t *testing.T) {
	Quiet = true
	path := filepath.Join(t.TempDir(), "counter")

	first, err := Lockfile(path, true, false, "", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := Lockfile(path, true, false, "", 0)
		if assert.NoError(t, err) {
			close(acquired)
			second.Unlock()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, first.Unlock())
	wg.Wait()
	<-acquired
}

func TestLockfileMissingParent(t *testing.T) {
	_, err := Lockfile(filepath.Join(t.TempDir(), "no", "such"), false, false, "", 0)
	assert.True(t, errors.Is(err, exception.ErrInvalidLocation))
}
