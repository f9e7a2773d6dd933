package dbapi

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ppphp/emergo/pkg/util"
)

const (
	ContentsDir = "dir"
	ContentsObj = "obj"
	ContentsSym = "sym"
	ContentsFif = "fif"
	ContentsDev = "dev"
)

var (
	contentsRe = regexp.MustCompile(`^(?:dir (?P<dir>.+)|obj (?P<obj>.+) (?P<hash>\S+) (?P<omtime>\d+)|sym (?P<sym>.+) -> (?P<target>.+?) (?:(?P<smtime>\d+)|\((?:(?P<oldmtime>\d+), \d+|\d+, \d+L?, \d+L?, \d+, \d+, \d+, \d+L?, \d+, (?P<statmtime>\d+), \d+)\))|(?P<special>dev|fif) (?P<spath>.+))$`)
	normalizeNeededRe = regexp.MustCompile(`//|^[^/]|./$|(^|/)\.\.?(/|$)`)
)

// ContentsEntry is one CONTENTS line. Hash and Mtime are set for obj,
// Target and Mtime for sym.
type ContentsEntry struct {
	Type   string
	Hash   string
	Target string
	Mtime  int64

	implicit bool
}

// Contents maps an absolute path (including the target root) to its entry.
type Contents map[string]ContentsEntry

// ContentsParseError is a CONTENTS line that was skipped.
type ContentsParseError struct {
	Line   int
	Reason string
}

func (e *ContentsParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

func rootPrefix(root string) string {
	root = strings.TrimRight(root, "/")
	return root
}

// ParseContents reads a CONTENTS manifest. Unrecognised lines are skipped
// and reported through the returned errors. Every entry implicitly adds
// its ancestor directories up to root.
func ParseContents(r io.Reader, root string) (Contents, []error) {
	prefix := rootPrefix(root)
	pkgFiles := Contents{}
	var errs []error
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	pos := 0
	for sc.Scan() {
		pos++
		line := sc.Text()
		if line == "" {
			continue
		}
		if strings.ContainsRune(line, 0) {
			errs = append(errs, &ContentsParseError{pos, "Null byte found in CONTENTS entry"})
			continue
		}
		m := contentsRe.FindStringSubmatch(line)
		if m == nil {
			errs = append(errs, &ContentsParseError{pos, "Unrecognized CONTENTS entry"})
			continue
		}
		g := func(name string) string { return m[contentsRe.SubexpIndex(name)] }

		var path string
		var entry ContentsEntry
		switch {
		case g("dir") != "":
			path = g("dir")
			entry.Type = ContentsDir
		case g("obj") != "":
			path = g("obj")
			entry.Type = ContentsObj
			entry.Hash = g("hash")
			entry.Mtime, _ = strconv.ParseInt(g("omtime"), 10, 64)
		case g("sym") != "":
			path = g("sym")
			entry.Type = ContentsSym
			entry.Target = g("target")
			mtime := g("smtime")
			if mtime == "" {
				mtime = g("oldmtime")
			}
			if mtime == "" {
				// full stat tuple
				mtime = g("statmtime")
			}
			entry.Mtime, _ = strconv.ParseInt(mtime, 10, 64)
		default:
			path = g("spath")
			entry.Type = g("special")
		}

		if normalizeNeededRe.MatchString(path) {
			path = util.NormalizePath(path)
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
		}
		path = prefix + path

		for parent := filepath.Dir(path); len(parent) > len(prefix) && parent != "/"; parent = filepath.Dir(parent) {
			if _, ok := pkgFiles[parent]; ok {
				break
			}
			pkgFiles[parent] = ContentsEntry{Type: ContentsDir, implicit: true}
		}
		pkgFiles[path] = entry
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	return pkgFiles, errs
}

// ReadContents parses the CONTENTS file at path. A missing file yields an
// empty manifest.
func ReadContents(path, root string) (Contents, []error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Contents{}, nil
		}
		return Contents{}, []error{err}
	}
	defer f.Close()
	return ParseContents(f, root)
}

// Line renders the entry for path, which is relative to the target root.
func (e ContentsEntry) Line(path string) string {
	switch e.Type {
	case ContentsObj:
		return fmt.Sprintf("obj %s %s %d", path, e.Hash, e.Mtime)
	case ContentsSym:
		return fmt.Sprintf("sym %s -> %s %d", path, e.Target, e.Mtime)
	default:
		return e.Type + " " + path
	}
}

// Keys returns the paths in sorted order.
func (c Contents) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copy returns a shallow copy.
func (c Contents) Copy() Contents {
	n := make(Contents, len(c))
	for k, v := range c {
		n[k] = v
	}
	return n
}

// WriteContents writes c in sorted path order with root stripped from
// every path. Implied ancestor directories are not written.
func WriteContents(c Contents, root string, w io.Writer) error {
	prefix := rootPrefix(root)
	bw := bufio.NewWriter(w)
	for _, k := range c.Keys() {
		e := c[k]
		if e.implicit {
			continue
		}
		rel := k[len(prefix):]
		if rel == "" {
			continue
		}
		if _, err := bw.WriteString(e.Line(rel) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
