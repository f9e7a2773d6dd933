package emaint

import (
	"fmt"
	"sort"
)

type binhostHandler struct{}

func (binhostHandler) Name() string { return "binhost" }

func (binhostHandler) Description() string {
	return "Scan and generate metadata indexes for binary packages."
}

func (binhostHandler) Check(e *Env) ([]string, error) {
	var out []string
	for _, b := range e.Bintrees {
		files, err := b.Unindexed()
		if err != nil {
			return out, err
		}
		paths := make([]string, 0, len(files))
		for p := range files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			out = append(out, fmt.Sprintf("%s is missing from the index of %s", files[p]["CPV"], b.PkgDir))
		}
	}
	return out, nil
}

func (binhostHandler) Fix(e *Env) ([]string, error) {
	var out []string
	for _, b := range e.Bintrees {
		added, err := b.Scan()
		for _, cpv := range added {
			out = append(out, "indexed "+cpv)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

type cleanResumeHandler struct{}

func (cleanResumeHandler) Name() string { return "cleanresume" }

func (cleanResumeHandler) Description() string {
	return "Discard emerge --resume merge lists"
}

func (cleanResumeHandler) Check(e *Env) ([]string, error) {
	if e.Mtimedb == nil || e.Mtimedb.Resume == nil {
		return nil, nil
	}
	return []string{fmt.Sprintf("resume list has %d entries", len(e.Mtimedb.Resume.Mergelist))}, nil
}

func (h cleanResumeHandler) Fix(e *Env) ([]string, error) {
	out, _ := h.Check(e)
	if len(out) == 0 {
		return nil, nil
	}
	e.Mtimedb.Resume = nil
	return []string{"deleted the resume list"}, e.Mtimedb.Commit(Version)
}

type mergesHandler struct{}

func (mergesHandler) Name() string { return "merges" }

func (mergesHandler) Description() string {
	return "Scan for interrupted merges and remove their records"
}

func (mergesHandler) Check(e *Env) ([]string, error) {
	var out []string
	for _, cpv := range e.Vardb.MergingRecords() {
		out = append(out, "interrupted merge of "+cpv)
	}
	return out, nil
}

func (mergesHandler) Fix(e *Env) ([]string, error) {
	var out []string
	for _, cpv := range e.Vardb.MergingRecords() {
		if err := e.Vardb.RemoveMergingRecord(cpv); err != nil {
			return out, err
		}
		out = append(out, fmt.Sprintf("removed the record of %s, run: emerge --oneshot =%s", cpv, cpv))
	}
	return out, nil
}

type worldHandler struct{}

func (worldHandler) Name() string { return "world" }

func (worldHandler) Description() string {
	return "Check or fix problems in the world file."
}

// problems returns the world entries to drop and why.
func (worldHandler) problems(e *Env) (map[string]string, []string) {
	bad := map[string]string{}
	for _, x := range e.World.NonAtoms() {
		bad[x] = "'" + x + "' is not a valid atom"
	}
	for _, a := range e.World.Atoms() {
		if len(e.Vardb.Match(a)) == 0 {
			bad[a.Value] = "'" + a.Value + "' is not installed"
		}
	}
	items := make([]string, 0, len(bad))
	for k := range bad {
		items = append(items, k)
	}
	sort.Strings(items)
	return bad, items
}

func (h worldHandler) Check(e *Env) ([]string, error) {
	e.World.Reload()
	bad, items := h.problems(e)
	out := make([]string, len(items))
	for i, x := range items {
		out[i] = bad[x]
	}
	return out, nil
}

func (h worldHandler) Fix(e *Env) ([]string, error) {
	if err := e.World.Lock(); err != nil {
		return nil, err
	}
	defer e.World.Unlock()
	_, items := h.problems(e)
	var out []string
	for _, x := range items {
		if err := e.World.Remove(x); err != nil {
			return out, err
		}
		out = append(out, "removed "+x)
	}
	return out, nil
}
