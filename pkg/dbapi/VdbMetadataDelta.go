package dbapi

import (
	"fmt"
	"os"
	"strings"

	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
	"github.com/ppphp/emergo/pkg/versions"
)

const vdbDeltaFormatVersion = "1"

// VdbDeltaNode records one add or remove of an installed package since the
// metadata cache was last written.
type VdbDeltaNode struct {
	Event   string `json:"event"`
	Package string `json:"package"`
	Version string `json:"version"`
	Slot    string `json:"slot"`
	Counter string `json:"counter"`
}

type vdbDelta struct {
	Version   string         `json:"version"`
	Timestamp int64          `json:"timestamp"`
	Deltas    []VdbDeltaNode `json:"deltas"`
}

// VdbMetadataDelta is the event log that keeps the metadata cache usable
// between full rewrites.
type VdbMetadataDelta struct {
	vardb *VarDbapi
}

func NewVdbMetadataDelta(vardb *VarDbapi) *VdbMetadataDelta {
	return &VdbMetadataDelta{vardb: vardb}
}

// Initialize starts an empty log tied to the cache written at timestamp.
func (v *VdbMetadataDelta) Initialize(timestamp int64) error {
	out, err := json.Marshal(&vdbDelta{Version: vdbDeltaFormatVersion, Timestamp: timestamp, Deltas: []VdbDeltaNode{}})
	if err != nil {
		return err
	}
	return util.WriteAtomic(v.vardb.cacheDeltaFilename, out)
}

// Load reads the log. It returns nil when the metadata cache itself is
// missing or the log is unreadable.
func (v *VdbMetadataDelta) Load() *vdbDelta {
	if _, err := os.Stat(v.vardb.auxCacheFilename); err != nil {
		return nil
	}
	b, err := os.ReadFile(v.vardb.cacheDeltaFilename)
	if err != nil {
		return nil
	}
	d := &vdbDelta{}
	if err := json.Unmarshal(b, d); err != nil {
		msg.WriteMsgLevel(fmt.Sprintf("!!! Error loading '%s': %s\n", v.vardb.cacheDeltaFilename, err), 30, -1)
		return nil
	}
	if d.Version != vdbDeltaFormatVersion {
		return nil
	}
	return d
}

// RecordEvent appends an event for pkg. Older events for the same slot or
// the same version are superseded.
func (v *VdbMetadataDelta) RecordEvent(event string, pkg *versions.PkgStr, counter int64) error {
	return v.recordEvent(nil, event, pkg, counter)
}

func (v *VdbMetadataDelta) recordEvent(h *lockHolder, event string, pkg *versions.PkgStr, counter int64) error {
	if err := v.vardb.lockFor(h); err != nil {
		return err
	}
	defer v.vardb.Unlock()

	d := v.Load()
	if d == nil {
		return nil
	}
	d.Deltas = append(d.Deltas, VdbDeltaNode{
		Event:   event,
		Package: pkg.Cp,
		Version: pkg.Version,
		Slot:    pkg.Slot,
		Counter: fmt.Sprint(counter),
	})

	type key struct{ a, b string }
	slotKeys := map[key]bool{}
	versionKeys := map[key]bool{}
	var filtered []VdbDeltaNode
	for i := len(d.Deltas) - 1; i >= 0; i-- {
		n := d.Deltas[i]
		sk := key{n.Package, n.Slot}
		vk := key{n.Package, n.Version}
		if slotKeys[sk] || versionKeys[vk] {
			continue
		}
		filtered = append(filtered, n)
		slotKeys[sk] = true
		versionKeys[vk] = true
	}
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	d.Deltas = filtered

	out, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return util.WriteAtomic(v.vardb.cacheDeltaFilename, out)
}

// applyDelta brings the in-memory metadata cache up to date with the log.
// The caller holds the cache mutex.
func (v *VdbMetadataDelta) applyDelta(d *vdbDelta) {
	packages := v.vardb.auxCacheObj.Packages
	deltas := map[string]VdbDeltaNode{}
	for _, n := range d.Deltas {
		cpv := n.Package + "-" + n.Version
		deltas[cpv] = n
		switch n.Event {
		case "add":
			if _, ok := packages[cpv]; !ok {
				v.vardb.auxGet(cpv, []string{"DESCRIPTION"})
			}
		case "remove":
			delete(packages, cpv)
		}
	}
	if len(deltas) == 0 {
		return
	}

	// An entry in the same slot as a logged event was replaced by it.
	for cachedCpv, pkg := range packages {
		if _, ok := deltas[cachedCpv]; ok {
			continue
		}
		for cpv, n := range deltas {
			if strings.HasPrefix(cachedCpv, n.Package) &&
				pkg.Metadata["SLOT"] == n.Slot &&
				versions.CpvGetKey(cachedCpv) == n.Package {
				delete(packages, cachedCpv)
				delete(deltas, cpv)
				break
			}
		}
		if len(deltas) == 0 {
			break
		}
	}
}
