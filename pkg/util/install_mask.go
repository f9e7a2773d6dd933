package util

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

type maskTree struct {
	children map[string]*maskTree
	patterns []*maskPattern
}

func newMaskTree() *maskTree {
	return &maskTree{children: map[string]*maskTree{}}
}

type maskPattern struct {
	origIndex    int
	isInclusive  bool
	pattern      string
	leadingSlash bool
}

// InstallMask matches image paths against INSTALL_MASK. Patterns with a
// leading slash are anchored at the image root and also cover everything
// below a matching directory. A "-" prefix re-includes a path.
type InstallMask struct {
	unanchored []*maskPattern
	anchored   *maskTree
}

func NewInstallMask(installMask string) *InstallMask {
	i := &InstallMask{anchored: newMaskTree()}
	for origIndex, pattern := range strings.Fields(installMask) {
		isInclusive := !strings.HasPrefix(pattern, "-")
		if !isInclusive {
			pattern = pattern[1:]
		}
		p := &maskPattern{origIndex, isInclusive, pattern, strings.HasPrefix(pattern, "/")}
		if !p.leadingSlash {
			i.unanchored = append(i.unanchored, p)
			continue
		}
		current := i.anchored
		for _, component := range strings.Split(pattern, "/") {
			if component == "" {
				continue
			}
			if strings.ContainsAny(component, "*?[") {
				break
			}
			next, ok := current.children[component]
			if !ok {
				next = newMaskTree()
				current.children[component] = next
			}
			current = next
		}
		current.patterns = append(current.patterns, p)
	}
	return i
}

func (i *InstallMask) relevantPatterns(path string) []*maskPattern {
	current := i.anchored
	patterns := append([]*maskPattern{}, current.patterns...)
	for _, component := range strings.Split(path, "/") {
		next, ok := current.children[component]
		if !ok {
			break
		}
		current = next
		patterns = append(patterns, current.patterns...)
	}
	if len(patterns) == 0 {
		return i.unanchored
	}
	patterns = append(patterns, i.unanchored...)
	sort.SliceStable(patterns, func(a, b int) bool { return patterns[a].origIndex < patterns[b].origIndex })
	return patterns
}

// Match takes a path relative to the image root; a trailing slash marks a
// directory.
func (i *InstallMask) Match(path string) bool {
	ret := false
	for _, p := range i.relevantPatterns(path) {
		pattern := p.pattern
		if p.leadingSlash {
			if strings.HasSuffix(path, "/") {
				pattern = strings.TrimRight(pattern, "/") + "/"
			}
			if Fnmatch(path, pattern[1:]) || Fnmatch(path, strings.TrimRight(pattern[1:], "/")+"/*") {
				ret = p.isInclusive
			}
		} else if Fnmatch(filepath.Base(path), pattern) {
			ret = p.isInclusive
		}
	}
	return ret
}

// InstallMaskDir removes masked entries from an image tree, files first
// and then directories deepest first.
func InstallMaskDir(baseDir string, installMask *InstallMask, onerror func(error)) {
	baseDir = NormalizePath(baseDir)
	var dirs []string
	filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if onerror != nil {
				onerror(err)
			}
			return nil
		}
		if path == baseDir {
			return nil
		}
		rel := path[len(baseDir)+1:]
		if info.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if installMask.Match(rel) {
			if err := os.Remove(path); err != nil && onerror != nil {
				onerror(err)
			}
		}
		return nil
	})
	for j := len(dirs) - 1; j >= 0; j-- {
		if installMask.Match(dirs[j][len(baseDir)+1:] + "/") {
			os.RemoveAll(dirs[j])
		}
	}
}

var (
	fnmatchMu    sync.Mutex
	fnmatchCache = map[string]*regexp.Regexp{}
)

// Fnmatch is shell-style matching where "*" also crosses "/".
func Fnmatch(name, pattern string) bool {
	fnmatchMu.Lock()
	re, ok := fnmatchCache[pattern]
	if !ok {
		re = regexp.MustCompile(translateGlob(pattern))
		fnmatchCache[pattern] = re
	}
	fnmatchMu.Unlock()
	return re.MatchString(name)
}

func translateGlob(pat string) string {
	var b strings.Builder
	b.WriteString("(?s)^")
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(pat) && pat[j] == '!' {
				j++
			}
			if j < len(pat) && pat[j] == ']' {
				j++
			}
			for j < len(pat) && pat[j] != ']' {
				j++
			}
			if j >= len(pat) {
				b.WriteString(`\[`)
				continue
			}
			stuff := strings.ReplaceAll(pat[i+1:j], `\`, `\\`)
			if strings.HasPrefix(stuff, "!") {
				stuff = "^" + stuff[1:]
			}
			b.WriteString("[" + stuff + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}
