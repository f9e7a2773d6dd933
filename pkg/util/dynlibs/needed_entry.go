package dynlibs

import (
	"fmt"
	"strings"

	"github.com/ppphp/emergo/pkg/exception"
)

// NeededAuxKey is the vdb metadata file holding one NeededEntry per line.
const NeededAuxKey = "NEEDED.ELF.2"

const (
	neededMinFields        = 5
	neededMultilibCatIndex = 5
)

// NeededEntry is one "arch;obj;soname;rpath;needed[;multilib]" record.
type NeededEntry struct {
	Arch             string
	Filename         string
	MultilibCategory string
	Soname           string
	Needed           []string
	Runpaths         []string
}

// ParseNeededEntry parses a single line; filename only labels errors.
func ParseNeededEntry(filename, line string) (*NeededEntry, error) {
	fields := strings.Split(line, ";")
	if len(fields) < neededMinFields {
		return nil, exception.InvalidData("Wrong number of fields in %s: %s", filename, line)
	}
	n := &NeededEntry{}
	if len(fields) > neededMultilibCatIndex && fields[neededMultilibCatIndex] != "" {
		n.MultilibCategory = fields[neededMultilibCatIndex]
	}
	n.Arch, n.Filename, n.Soname = fields[0], fields[1], fields[2]
	for _, v := range strings.Split(fields[3], ":") {
		if v != "" {
			n.Runpaths = append(n.Runpaths, v)
		}
	}
	for _, v := range strings.Split(fields[4], ",") {
		if v != "" {
			n.Needed = append(n.Needed, v)
		}
	}
	return n, nil
}

func (n *NeededEntry) String() string {
	return fmt.Sprintf("%s;%s;%s;%s;%s;%s", n.Arch, n.Filename, n.Soname,
		strings.Join(n.Runpaths, ":"), strings.Join(n.Needed, ","), n.MultilibCategory)
}

var approxMultilibCategories = map[string]string{
	"386":     "x86_32",
	"X86_64":  "x86_64",
	"AARCH64": "arm_64",
	"ARM":     "arm_32",
	"PPC":     "ppc_32",
	"PPC64":   "ppc_64",
	"RISCV":   "riscv_64",
	"S390":    "s390_64",
	"SPARC":   "sparc_32",
	"SPARCV9": "sparc_64",
}

func approxMultilibCategory(arch string) string {
	if c, ok := approxMultilibCategories[arch]; ok {
		return c
	}
	return arch
}

// expandOrigin substitutes $ORIGIN and ${ORIGIN} in a runpath.
func expandOrigin(runpath, origin string) string {
	runpath = strings.ReplaceAll(runpath, "${ORIGIN}", origin)
	return strings.ReplaceAll(runpath, "$ORIGIN", origin)
}
