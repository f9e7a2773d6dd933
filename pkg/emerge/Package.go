package emerge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/versions"
)

const unknownRepo = "__unknown__"

// PackageType says where a package instance comes from.
type PackageType int

const (
	TypeEbuild PackageType = iota
	TypeBinary
	TypeInstalled
)

func (t PackageType) String() string {
	switch t {
	case TypeEbuild:
		return "ebuild"
	case TypeBinary:
		return "binary"
	case TypeInstalled:
		return "installed"
	}
	return fmt.Sprintf("PackageType(%d)", int(t))
}

// Built reports whether the package needs no build step.
func (t PackageType) Built() bool {
	switch t {
	case TypeBinary, TypeInstalled:
		return true
	case TypeEbuild:
		return false
	}
	panic(fmt.Sprintf("unknown package type %d", int(t)))
}

// ParsePackageType is the inverse of PackageType.String.
func ParsePackageType(s string) (PackageType, error) {
	switch s {
	case "ebuild":
		return TypeEbuild, nil
	case "binary":
		return TypeBinary, nil
	case "installed":
		return TypeInstalled, nil
	}
	return 0, fmt.Errorf("unknown package type %q", s)
}

type Operation int

const (
	OpMerge Operation = iota
	OpNomerge
	OpUninstall
)

func (o Operation) String() string {
	switch o {
	case OpMerge:
		return "merge"
	case OpNomerge:
		return "nomerge"
	case OpUninstall:
		return "uninstall"
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

func ParseOperation(s string) (Operation, error) {
	switch s {
	case "merge":
		return OpMerge, nil
	case "nomerge":
		return OpNomerge, nil
	case "uninstall":
		return OpUninstall, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// MetadataKeys are read for every package the resolver looks at.
var MetadataKeys = []string{
	"BDEPEND", "BUILD_ID", "BUILD_TIME", "COUNTER", "DEPEND", "EAPI",
	"IUSE", "KEYWORDS", "LICENSE", "PDEPEND", "RDEPEND", "repository",
	"RESTRICT", "SIZE", "SLOT", "USE",
}

var (
	buildtimeKeys = []string{"BDEPEND", "DEPEND"}
	runtimeKeys   = []string{"RDEPEND"}
	postKeys      = []string{"PDEPEND"}
)

// Package is an immutable snapshot of one package instance. Two instances
// with the same Key are interchangeable; the depgraph keeps a single
// pointer per key so that pointer identity is node identity.
type Package struct {
	Type      PackageType
	Operation Operation
	Cpv       *versions.PkgStr
	Metadata  map[string]string
	// Use is the enabled USE set the dependencies are evaluated with.
	Use      map[string]bool
	Onlydeps bool
	Counter  int64

	root  string
	depth int
	key   string
}

// NewPackage builds a package from its metadata. use nil takes the enabled
// flags recorded in the USE metadata.
func NewPackage(t PackageType, root, cpv string, metadata map[string]string, use map[string]bool, op Operation) (*Package, error) {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	if md["SLOT"] == "" {
		md["SLOT"] = "0"
	}
	if md["repository"] == "" && t != TypeInstalled {
		md["repository"] = unknownRepo
	}
	p, err := versions.NewPkgStr(cpv, md["SLOT"], md["repository"])
	if err != nil {
		return nil, err
	}
	p.Iuse = map[string]bool{}
	for _, f := range strings.Fields(md["IUSE"]) {
		p.Iuse[strings.TrimLeft(f, "+-")] = true
	}
	if use == nil {
		use = map[string]bool{}
		for _, f := range strings.Fields(md["USE"]) {
			use[f] = true
		}
	}
	p.Use = use
	md["USE"] = dbapi.SortedUse(use)
	pkg := &Package{
		Type:      t,
		Operation: op,
		root:      root,
		Cpv:       p,
		Metadata:  md,
		Use:       use,
	}
	pkg.Counter, _ = strconv.ParseInt(strings.TrimSpace(md["COUNTER"]), 10, 64)
	pkg.key = packageKey(t, root, cpv, md["repository"], op)
	return pkg, nil
}

func packageKey(t PackageType, root, cpv, repo string, op Operation) string {
	return strings.Join([]string{t.String(), root, cpv, repo, op.String()}, " ")
}

// Key identifies the package instance: type, root, cpv, repository and
// operation.
func (p *Package) Key() string { return p.key }

// Root is the target root the package belongs to.
func (p *Package) Root() string { return p.root }

func (p *Package) CpvStr() string { return p.Cpv.Cpv }

func (p *Package) PkgStr() *versions.PkgStr { return p.Cpv }

func (p *Package) Cp() string { return p.Cpv.Cp }

func (p *Package) Slot() string { return p.Cpv.Slot }

func (p *Package) Repo() string { return p.Metadata["repository"] }

func (p *Package) Eapi() string { return p.Metadata["EAPI"] }

// SlotAtom is the "cat/pn:slot" key of the slot the package occupies.
func (p *Package) SlotAtom() string { return p.Cpv.SlotKey() }

func (p *Package) Installed() bool { return p.Type == TypeInstalled }

func (p *Package) Built() bool { return p.Type.Built() }

// WithOperation returns a copy of the package scheduled for op.
func (p *Package) WithOperation(op Operation) *Package {
	c := *p
	c.Operation = op
	c.key = packageKey(p.Type, p.root, p.Cpv.Cpv, p.Repo(), op)
	return &c
}

// DepString joins the dependency variables of one kind.
func (p *Package) DepString(keys []string) string {
	var parts []string
	for _, k := range keys {
		if s := strings.TrimSpace(p.Metadata[k]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Atom returns the "=cpv::repo" atom matching exactly this package.
func (p *Package) Atom() *dep.Atom {
	s := "=" + p.Cpv.Cpv
	if r := p.Repo(); r != "" && r != unknownRepo {
		s += "::" + r
	}
	a, err := dep.NewAtom(s)
	if err != nil {
		a, _ = dep.NewAtom("=" + p.Cpv.Cpv)
	}
	return a
}

// Compare orders packages of the same name by version; different names
// compare by name.
func (p *Package) Compare(o *Package) int {
	return versions.CpvCmp(p.Cpv.Cpv, o.Cpv.Cpv)
}

func (p *Package) String() string {
	s := p.Cpv.Cpv + ":" + p.Cpv.Slot
	if p.Cpv.SubSlot != "" && p.Cpv.SubSlot != p.Cpv.Slot {
		s += "/" + p.Cpv.SubSlot
	}
	if r := p.Repo(); r != "" {
		s += "::" + r
	}
	var what string
	switch p.Operation {
	case OpMerge:
		if p.Type == TypeBinary {
			what = "binary scheduled for merge"
		} else {
			what = "ebuild scheduled for merge"
		}
	case OpNomerge:
		what = p.Type.String()
	case OpUninstall:
		what = "scheduled for uninstall"
	}
	if p.root != "/" && p.root != "" {
		what += " to '" + p.root + "'"
	}
	return "(" + s + ", " + what + ")"
}
