package dbapi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/util/msg"
	"github.com/ppphp/emergo/pkg/versions"
)

// MergeProcess runs one merge or unmerge of a package in its own goroutine
// and reports the outcome through Wait.
type MergeProcess struct {
	Cat, Pkg string
	Vardb    *VarDbapi
	// Blockers returns the installed cpvs the package blocks. It is
	// called once the vdb lock is held.
	Blockers func() []string
	PkgLoc   string
	InfLoc   string
	Unmerge  bool

	lockedVdb bool
	holder    *lockHolder
	done      chan error
	log       *logrus.Entry
}

func (mp *MergeProcess) lockVdb() error {
	if mp.Vardb.settings.HasFeature("parallel-install") {
		return nil
	}
	if err := mp.Vardb.lockFor(mp.holder); err != nil {
		return err
	}
	mp.lockedVdb = true
	return nil
}

func (mp *MergeProcess) unlockVdb() {
	if mp.lockedVdb {
		mp.Vardb.Unlock()
		mp.lockedVdb = false
	}
}

// Start begins the operation. The context is only consulted before the
// transaction starts; a transaction that began always runs to completion.
func (mp *MergeProcess) Start(ctx context.Context) error {
	cpv := mp.Cat + "/" + mp.Pkg
	mp.log = msg.WithFields(logrus.Fields{"cpv": cpv, "unmerge": mp.Unmerge})
	if err := ctx.Err(); err != nil {
		return err
	}
	// The worker goroutine inherits the vdb lock through the holder.
	mp.holder = newLockHolder()
	if err := mp.lockVdb(); err != nil {
		return err
	}
	var blockers []string
	if mp.Blockers != nil {
		blockers = mp.Blockers()
	}
	link := NewDblink(mp.Cat, mp.Pkg, mp.Vardb, blockers)
	link.holder = mp.holder
	mp.done = make(chan error, 1)
	go func() {
		start := time.Now()
		var err error
		if mp.Unmerge {
			err = mp.runUnmerge(link)
		} else {
			size := imageSize(mp.PkgLoc)
			err = link.Merge(mp.PkgLoc, mp.InfLoc)
			if err == nil {
				mp.log.WithField("size", humanize.Bytes(size)).Info("installed")
			}
		}
		mp.finish(cpv)
		mp.log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Debug("transaction finished")
		mp.done <- err
	}()
	return nil
}

func (mp *MergeProcess) runUnmerge(link *Dblink) error {
	if !link.Exists() {
		return nil
	}
	if err := link.Unmerge(nil, "", nil); err != nil {
		return err
	}
	if err := link.LockDB(); err != nil {
		return err
	}
	defer link.UnlockDB()
	return link.Delete()
}

func (mp *MergeProcess) finish(cpv string) {
	if !mp.Unmerge {
		// Warm the metadata cache while the record is fresh.
		mp.Vardb.AuxGet(cpv, []string{"EAPI"})
	}
	mp.unlockVdb()
}

// Wait blocks until the operation started by Start is over.
func (mp *MergeProcess) Wait() error {
	if mp.done == nil {
		return fmt.Errorf("merge process not started")
	}
	return <-mp.done
}

func imageSize(root string) uint64 {
	var total uint64
	filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

// MergeImage prepares cpv with exec in a scratch directory under tmpdir
// and merges the result.
func MergeImage(ctx context.Context, exec Executor, req *MergeRequest, vardb *VarDbapi, blockers []string, tmpdir string) error {
	split := versions.CatSplit(req.Cpv)
	if len(split) != 2 {
		return fmt.Errorf("invalid cpv: %s", req.Cpv)
	}
	if _, err := os.Stat(tmpdir); err != nil {
		tmpdir = os.TempDir()
	}
	work, err := os.MkdirTemp(tmpdir, "emergo-"+split[1]+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)
	image := filepath.Join(work, "image")
	info := filepath.Join(work, "build-info")
	if err := os.MkdirAll(image, 0755); err != nil {
		return err
	}
	if err := exec.Prepare(ctx, req, image, info); err != nil {
		return err
	}
	mp := &MergeProcess{
		Cat: split[0], Pkg: split[1], Vardb: vardb,
		Blockers: func() []string { return blockers },
		PkgLoc:   image, InfLoc: info,
	}
	if err := mp.Start(ctx); err != nil {
		return err
	}
	return mp.Wait()
}
