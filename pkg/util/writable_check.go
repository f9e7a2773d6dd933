package util

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"syscall"

	"github.com/ppphp/emergo/pkg/util/msg"
)

// mountinfoPath is swapped by tests.
var mountinfoPath = "/proc/self/mountinfo"

// GetRoChecker returns the read-only filesystem checker for this platform.
func GetRoChecker() func([]string) []string {
	if v, ok := checkers[runtime.GOOS]; ok {
		return v
	}
	return emptyRoChecker
}

// linuxRoChecker returns the mount points, among those holding dirList,
// that are mounted read-only.
func linuxRoChecker(dirList []string) []string {
	f, err := os.ReadFile(mountinfoPath)
	if err != nil {
		msg.WriteMsgLevel(fmt.Sprintf("!!! %s cannot be read\n", mountinfoPath), 30, -1)
		return nil
	}

	roFilesystems := map[string]bool{}
	var invalids []string
	for _, line := range strings.Split(strings.TrimRight(string(f), "\n"), "\n") {
		if line == "" {
			continue
		}
		mount := strings.SplitN(line, " - ", 2)
		v := strings.Fields(mount[0])
		if len(v) < 6 || len(mount) < 2 {
			invalids = append(invalids, line)
			continue
		}
		dir, attr1 := v[4], v[5]
		w := strings.Fields(mount[1])
		if len(w) < 2 {
			invalids = append(invalids, line)
			continue
		}
		attr2 := w[len(w)-1]
		if hasRo(attr1) || hasRo(attr2) {
			roFilesystems[dir] = true
		}
	}
	for _, line := range invalids {
		msg.WriteMsgLevel(fmt.Sprintf("!!! %s contains unrecognized line: %s\n", mountinfoPath, line), 30, -1)
	}

	roDevs := map[uint64]string{}
	for x := range roFilesystems {
		if st, err := os.Stat(x); err == nil {
			roDevs[uint64(st.Sys().(*syscall.Stat_t).Dev)] = x
		}
	}

	found := map[string]bool{}
	for _, x := range dirList {
		st, err := os.Stat(FirstExisting(x))
		if err != nil {
			continue
		}
		if mp, ok := roDevs[uint64(st.Sys().(*syscall.Stat_t).Dev)]; ok {
			found[mp] = true
		}
	}
	out := make([]string, 0, len(found))
	for k := range found {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func hasRo(opts string) bool {
	for _, o := range strings.Split(opts, ",") {
		if o == "ro" {
			return true
		}
	}
	return false
}

func emptyRoChecker([]string) []string {
	return nil
}

var checkers = map[string]func([]string) []string{
	"linux": linuxRoChecker,
}
