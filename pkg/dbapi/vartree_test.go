package dbapi

import (
	"context"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/emergo/pkg/util/dynlibs"
)

// holderCount tracks how many goroutines are inside a critical section.
type holderCount struct {
	mu       sync.Mutex
	cur, max int
}

func (h *holderCount) enter() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur++
	if h.cur > h.max {
		h.max = h.cur
	}
}

func (h *holderCount) leave() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur--
}

func TestLockExcludesGoroutines(t *testing.T) {
	vardb := newTestVardb(t)
	var hc holderCount
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, vardb.Lock()) {
				return
			}
			defer vardb.Unlock()
			hc.enter()
			time.Sleep(20 * time.Millisecond)
			hc.leave()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, hc.max)
}

func TestSlotLocksExcludeGoroutines(t *testing.T) {
	vardb := newTestVardb(t)
	var same, other holderCount
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := vardb.SlotLocks([]string{"app-foo/bar:0"})
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			same.enter()
			time.Sleep(20 * time.Millisecond)
			same.leave()
		}()
		go func() {
			defer wg.Done()
			release, err := vardb.SlotLocks([]string{"app-foo/bar:0", "app-foo/bar:1"})
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			same.enter()
			other.enter()
			time.Sleep(5 * time.Millisecond)
			other.leave()
			same.leave()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, same.max)
	assert.Equal(t, 1, other.max)
}

func TestLockReentrantWithinTransaction(t *testing.T) {
	vardb := newTestVardb(t)
	d := vardb.Dblink("app-foo/bar-1")
	o := d.adopt(vardb.Dblink("app-foo/bar-0"))

	require.NoError(t, d.LockDB())
	nested := make(chan error, 1)
	go func() {
		// same transaction, other goroutine: must not wait
		if err := o.LockDB(); err != nil {
			nested <- err
			return
		}
		_, err := vardb.counterTick(d.holder)
		o.UnlockDB()
		nested <- err
	}()
	select {
	case err := <-nested:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("nested lock of the same transaction blocked")
	}

	outsider := make(chan struct{})
	go func() {
		if assert.NoError(t, vardb.Lock()) {
			vardb.Unlock()
		}
		close(outsider)
	}()
	select {
	case <-outsider:
		t.Fatal("another transaction got the lock while it was held")
	case <-time.After(50 * time.Millisecond):
	}
	d.UnlockDB()
	select {
	case <-outsider:
	case <-time.After(5 * time.Second):
		t.Fatal("lock was not handed over after release")
	}
	assert.Panics(t, vardb.Unlock)
}

func TestConcurrentMergesSameSlot(t *testing.T) {
	vardb := newTestVardb(t)
	var procs []*MergeProcess
	for _, pkg := range []string{"bar-1", "bar-2"} {
		image, info := testImage{files: map[string]string{"usr/bin/bar": pkg}}.write(t)
		procs = append(procs, &MergeProcess{Cat: "app-foo", Pkg: pkg, Vardb: vardb, PkgLoc: image, InfLoc: info})
	}
	var wg sync.WaitGroup
	for _, mp := range procs {
		wg.Add(1)
		go func(mp *MergeProcess) {
			defer wg.Done()
			if assert.NoError(t, mp.Start(context.Background())) {
				assert.NoError(t, mp.Wait())
			}
		}(mp)
	}
	wg.Wait()

	installed := vardb.CpvAll()
	require.Len(t, installed, 1)
	assert.Equal(t, strings.TrimPrefix(installed[0], "app-foo/"), readTarget(t, vardb, "usr/bin/bar"))
}

func TestMergeCommitsWhenReplacedRecordStays(t *testing.T) {
	vardb := newTestVardb(t)
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-1", testImage{
		files: map[string]string{"usr/bin/bar": "v1", "usr/share/bar/old": "old"},
	}))
	old := vardb.Getpath("app-foo/bar-1", "")
	orig := removeRecord
	removeRecord = func(p string) error {
		if p == old {
			return errors.New("device busy")
		}
		return orig(p)
	}
	defer func() { removeRecord = orig }()

	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-2", testImage{
		files: map[string]string{"usr/bin/bar": "v2"},
	}))
	assert.True(t, vardb.CpvExists("app-foo/bar-2"))
	assert.Equal(t, "v2", readTarget(t, vardb, "usr/bin/bar"))
	assert.NoFileExists(t, filepath.Join(vardb.settings.Root, "usr/share/bar/old"))
}

// hostLibrary returns the contents and soname of an x86_64 shared library
// of the running system.
func hostLibrary(t *testing.T) ([]byte, string) {
	t.Helper()
	for _, p := range []string{
		"/lib/x86_64-linux-gnu/libc.so.6",
		"/usr/lib/x86_64-linux-gnu/libc.so.6",
		"/lib64/libc.so.6",
		"/usr/lib64/libc.so.6",
		"/usr/lib/libc.so.6",
	} {
		f, err := elf.Open(p)
		if err != nil {
			continue
		}
		soname, _ := f.DynString(elf.DT_SONAME)
		ok := f.Machine == elf.EM_X86_64 && f.Class == elf.ELFCLASS64 && len(soname) > 0
		f.Close()
		if !ok {
			continue
		}
		raw, err := os.ReadFile(p)
		require.NoError(t, err)
		return raw, soname[0]
	}
	t.Skip("no x86_64 shared library found on this host")
	return nil, ""
}

func TestMergePreservesLibraryInUse(t *testing.T) {
	raw, soname := hostLibrary(t)
	lib := "/usr/lib/" + soname
	vardb := newTestVardb(t)
	root := vardb.settings.Root

	require.NoError(t, mergeTestImage(t, vardb, "dev-libs/foo-1", testImage{
		files: map[string]string{lib[1:]: string(raw)},
		info:  map[string]string{dynlibs.NeededAuxKey: "X86_64;" + lib + ";" + soname + ";;;x86_64"},
	}))
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-1", testImage{
		files: map[string]string{"usr/bin/bar": "bar"},
		info:  map[string]string{dynlibs.NeededAuxKey: "X86_64;/usr/bin/bar;;;" + soname + ";x86_64"},
	}))
	require.NoError(t, mergeTestImage(t, vardb, "dev-libs/foo-2", testImage{
		files: map[string]string{"usr/lib/libfoo.so.2": "foo2"},
		info:  map[string]string{dynlibs.NeededAuxKey: "X86_64;/usr/lib/libfoo.so.2;libfoo.so.2;;;x86_64"},
	}))

	assert.Equal(t, []string{"app-foo/bar-1", "dev-libs/foo-2"}, vardb.CpvAll())
	assert.FileExists(t, filepath.Join(root, lib))
	assert.True(t, vardb.Dblink("dev-libs/foo-2").IsOwner(lib))

	regFile := filepath.Join(vardb.eroot, PrivatePath, plibsFile)
	reg := dynlibs.NewPreservedLibsRegistry(root, regFile)
	require.NoError(t, reg.Load())
	assert.Equal(t, map[string][]string{"dev-libs/foo-2": {lib}}, reg.GetPreservedLibs())

	// Once the last consumer is gone the library goes too.
	require.NoError(t, Unmerge("app-foo", "bar-1", vardb))
	assert.NoFileExists(t, filepath.Join(root, lib))
	reg = dynlibs.NewPreservedLibsRegistry(root, regFile)
	require.NoError(t, reg.Load())
	assert.Empty(t, reg.GetPreservedLibs())
	assert.False(t, vardb.Dblink("dev-libs/foo-2").IsOwner(lib))
}
