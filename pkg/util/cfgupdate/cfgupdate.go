// Package cfgupdate finds the ._cfgNNNN_ files a merge leaves next to
// protected configuration files and applies or discards them.
package cfgupdate

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
)

var pendingName = regexp.MustCompile(`^\._cfg(\d{4})_(.+)$`)

// Update is one protected file together with the updates waiting for it,
// oldest first.
type Update struct {
	Live    string
	Pending []string
}

// Newest is the update that Merge would install.
func (u *Update) Newest() string {
	return u.Pending[len(u.Pending)-1]
}

// Scan walks the protected paths below root. Masked paths are left out.
func Scan(root string, protect, mask []string) ([]*Update, error) {
	cp := util.NewConfigProtect(root, protect, mask, false)
	byLive := map[string]*Update{}
	seen := map[string]bool{}
	visit := func(path string) {
		if seen[path] {
			return
		}
		seen[path] = true
		m := pendingName.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			return
		}
		live := filepath.Join(filepath.Dir(path), m[2])
		if !cp.IsProtected(live) {
			return
		}
		u := byLive[live]
		if u == nil {
			u = &Update{Live: live}
			byLive[live] = u
		}
		u.Pending = append(u.Pending, path)
	}
	for _, p := range protect {
		base := util.JoinRoot(root, p)
		st, err := os.Stat(base)
		if err != nil {
			continue
		}
		if !st.IsDir() {
			// a protected file: its updates sit in the same directory
			matches, _ := filepath.Glob(filepath.Join(filepath.Dir(base), "._cfg[0-9][0-9][0-9][0-9]_"+filepath.Base(base)))
			for _, m := range matches {
				visit(m)
			}
			continue
		}
		err = filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsPermission(err) {
					msg.WithFields(logrus.Fields{"path": path}).Warn("skipping unreadable path")
					return nil
				}
				return err
			}
			if !info.IsDir() {
				visit(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	out := make([]*Update, 0, len(byLive))
	for _, u := range byLive {
		sort.Strings(u.Pending)
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Live < out[j].Live })
	return out, nil
}

func readLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return difflib.SplitLines(string(b)), nil
}

// Diff renders the newest update against the live file as a unified diff.
func (u *Update) Diff(context int) (string, error) {
	a, err := readLines(u.Live)
	if err != nil {
		return "", err
	}
	b, err := readLines(u.Newest())
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: u.Live,
		ToFile:   u.Newest(),
		Context:  context,
	})
}

// significant drops comment lines, blank lines and trailing blanks.
func significant(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		l := strings.TrimRight(s.Text(), " \t")
		if t := strings.TrimSpace(l); t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		out = append(out, l)
	}
	return out, s.Err()
}

// Trivial reports whether the newest update only touches comments and
// blank lines, or the live file is gone.
func (u *Update) Trivial() (bool, error) {
	if _, err := os.Lstat(u.Live); os.IsNotExist(err) {
		return true, nil
	}
	a, err := significant(u.Live)
	if err != nil {
		return false, err
	}
	b, err := significant(u.Newest())
	if err != nil {
		return false, err
	}
	return strings.Join(a, "\n") == strings.Join(b, "\n"), nil
}

// Merge moves the newest update over the live file and drops the older
// ones.
func (u *Update) Merge() error {
	if _, err := util.Movefile(u.Newest(), u.Live, util.MovefileOptions{}); err != nil {
		return err
	}
	msg.WithFields(logrus.Fields{"path": u.Live}).Info("merged configuration update")
	return removeAll(u.Pending[:len(u.Pending)-1])
}

// Discard removes every pending update. Their digests stay in the config
// memory, so the same content is not offered again.
func (u *Update) Discard() error {
	return removeAll(u.Pending)
}

func removeAll(paths []string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
