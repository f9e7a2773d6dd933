package dep

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/versions"
)

const (
	repoSeparator = "::"
	cat           = `[\w+][\w+.-]*`
	pkg           = `[\w+][\w+-]*?`
	ver           = `\d+(?:\.\d+)*[a-z]?(?:_(?:pre|p|beta|alpha|rc)\d*)*(?:-r\d+)?`
	slotName      = `[\w+][\w+.-]*`
	repoName      = `[\w][\w-]*`
)

var (
	atomRe = regexp.MustCompile(`^(?P<without_use>(?:(?P<op>>=|<=|=|~|<|>)(?P<cpv>` + cat + `/` + pkg + `-` + ver + `)(?P<star>\*)?|(?P<simple>` + cat + `/` + pkg + `))` +
		`(?::(?P<slot>[^:\[\]]+))?(?:` + repoSeparator + `(?P<repo>` + repoName + `))?)(?P<use>\[[^\]]*\])?$`)
	slotDepRe = regexp.MustCompile(`^(?:(?P<op>\*|=)|(?P<slot>` + slotName + `)(?:/(?P<sub>` + slotName + `))?(?P<eq>=)?)$`)
	useflagRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9+_@-]*$`)
	usedepRe  = regexp.MustCompile(`^(?P<prefix>[!-]?)(?P<flag>[A-Za-z0-9][A-Za-z0-9+_@-]*)(?P<default>\([+-]\))?(?P<suffix>[?=]?)$`)
)

func group(re *regexp.Regexp, m []string, name string) string {
	return m[re.SubexpIndex(name)]
}

type overlap struct {
	Forbid bool
}

// Blocker marks a "!" (weak) or "!!" (strong, overlap forbidden) atom.
type Blocker struct {
	Overlap overlap
}

// Atom is an immutable, parsed package specifier.
type Atom struct {
	Value string

	Blocker      *Blocker
	Operator     string
	Cp           string
	Cpv          string
	Version      string
	Slot         string
	SubSlot      string
	SlotOperator string
	Repo         string
	Use          *UseDep

	withoutUse      *Atom
	unevaluatedAtom *Atom
}

// NewAtom parses s. A leading "!" or "!!" makes a blocker atom.
func NewAtom(s string) (*Atom, error) {
	a := &Atom{Value: s}
	body := s
	blockerPrefix := ""
	if strings.HasPrefix(s, "!!") {
		a.Blocker = &Blocker{Overlap: overlap{Forbid: true}}
		blockerPrefix, body = "!!", s[2:]
	} else if strings.HasPrefix(s, "!") {
		a.Blocker = &Blocker{}
		blockerPrefix, body = "!", s[1:]
	}
	m := atomRe.FindStringSubmatch(body)
	if m == nil {
		return nil, exception.InvalidAtom(s)
	}
	op := group(atomRe, m, "op")
	if op != "" {
		a.Cpv = group(atomRe, m, "cpv")
		split, ok := versions.CatPkgSplit(a.Cpv)
		if !ok {
			return nil, exception.InvalidAtom(s)
		}
		a.Cp = split[0] + "/" + split[1]
		a.Version = a.Cpv[len(a.Cp)+1:]
		if group(atomRe, m, "star") != "" {
			if op != "=" {
				return nil, exception.InvalidAtom(s)
			}
			op = "=*"
		}
	} else {
		a.Cp = group(atomRe, m, "simple")
		a.Cpv = a.Cp
		// a bare cpv needs an operator
		if _, ok := versions.CatPkgSplit(a.Cp); ok {
			return nil, exception.InvalidAtom(s)
		}
	}
	a.Operator = op
	a.Repo = group(atomRe, m, "repo")

	if slot := group(atomRe, m, "slot"); slot != "" {
		sm := slotDepRe.FindStringSubmatch(slot)
		if sm == nil {
			return nil, exception.InvalidAtom(s)
		}
		if o := group(slotDepRe, sm, "op"); o != "" {
			a.SlotOperator = o
		} else {
			a.Slot = group(slotDepRe, sm, "slot")
			a.SubSlot = group(slotDepRe, sm, "sub")
			a.SlotOperator = group(slotDepRe, sm, "eq")
		}
	}

	if useStr := group(atomRe, m, "use"); useStr != "" {
		use, err := NewUseDep(strings.Split(useStr[1:len(useStr)-1], ","))
		if err != nil {
			return nil, exception.InvalidAtom(s)
		}
		a.Use = use
		wu, err := NewAtom(blockerPrefix + group(atomRe, m, "without_use"))
		if err != nil {
			return nil, err
		}
		a.withoutUse = wu
	} else {
		a.withoutUse = a
	}
	a.unevaluatedAtom = a
	return a, nil
}

func (a *Atom) String() string {
	return a.Value
}

// IsBlocker reports whether the atom carries a "!" or "!!" marker.
func (a *Atom) IsBlocker() bool {
	return a.Blocker != nil
}

// WithoutBlocker returns the atom without its blocker marker.
func (a *Atom) WithoutBlocker() *Atom {
	if a.Blocker == nil {
		return a
	}
	b, _ := NewAtom(strings.TrimLeft(a.Value, "!"))
	return b
}

func (a *Atom) WithoutUse() *Atom {
	return a.withoutUse
}

// UnevaluatedAtom is the atom as written, before USE conditionals were
// evaluated against a parent.
func (a *Atom) UnevaluatedAtom() *Atom {
	return a.unevaluatedAtom
}

// WithoutSlot drops the slot part.
func (a *Atom) WithoutSlot() *Atom {
	if a.Slot == "" && a.SlotOperator == "" {
		return a
	}
	s := a.prefix() + a.Operator + a.Cpv
	if a.Operator == "=*" {
		s = a.prefix() + "=" + a.Cpv + "*"
	}
	if a.Repo != "" {
		s += repoSeparator + a.Repo
	}
	if a.Use != nil {
		s += a.Use.String()
	}
	b, _ := NewAtom(s)
	return b
}

// WithRepo returns the atom restricted to repo.
func (a *Atom) WithRepo(repo string) *Atom {
	s := strings.TrimSuffix(a.withoutUse.Value, repoSeparator+a.Repo) + repoSeparator + repo
	if a.Use != nil {
		s += a.Use.String()
	}
	b, err := NewAtom(s)
	if err != nil {
		return a
	}
	return b
}

func (a *Atom) prefix() string {
	if a.Blocker == nil {
		return ""
	}
	if a.Blocker.Overlap.Forbid {
		return "!!"
	}
	return "!"
}

// EvaluateConditionals resolves "flag?" and "flag=" style USE deps against
// the parent's enabled flags.
func (a *Atom) EvaluateConditionals(use map[string]bool) *Atom {
	if a.Use == nil || !a.Use.hasConditionals() {
		return a
	}
	evaluated := a.Use.EvaluateConditionals(use)
	s := a.withoutUse.Value
	if len(evaluated.Tokens) > 0 {
		s += evaluated.String()
	}
	b, err := NewAtom(s)
	if err != nil {
		return a
	}
	b.unevaluatedAtom = a
	return b
}

// Intersects reports whether some package could match both atoms.
func (a *Atom) Intersects(other *Atom) bool {
	if a.Value == other.Value {
		return true
	}
	if a.Cp != other.Cp || a.Use != nil || other.Use != nil || a.Operator != "" || other.Operator != "" {
		return a.Cp == other.Cp && (a.Slot == "" || other.Slot == "" || a.Slot == other.Slot)
	}
	if a.Slot == "" || other.Slot == "" {
		return true
	}
	return a.Slot == other.Slot && (a.SubSlot == "" || other.SubSlot == "" || a.SubSlot == other.SubSlot)
}

// Match reports whether pkg satisfies the atom, ignoring any blocker marker.
func (a *Atom) Match(pkg *versions.PkgStr) bool {
	return len(MatchFromList(a, []*versions.PkgStr{pkg})) > 0
}

// IsValidAtom reports whether atom parses. allowBlockers permits "!" markers.
func IsValidAtom(atom string, allowBlockers bool) bool {
	a, err := NewAtom(atom)
	if err != nil {
		return false
	}
	return allowBlockers || a.Blocker == nil
}

// IsJustName reports whether mypkg carries no version.
func IsJustName(mypkg string) bool {
	_, ok := versions.CatPkgSplit(mypkg)
	return !ok
}

// DepGetKey returns the cat/pn of an atom string, or "" for garbage.
func DepGetKey(mydep string) string {
	a, err := NewAtom(mydep)
	if err != nil {
		return ""
	}
	return a.Cp
}

func matchSlot(atom *Atom, pkg *versions.PkgStr) bool {
	if atom.Slot == "" {
		return true
	}
	if atom.Slot != pkg.Slot {
		return false
	}
	return atom.SubSlot == "" || atom.SubSlot == pkg.SubSlot
}

func starMatch(atomCpv, cp, pkgCpv string) bool {
	trim := func(cpv string) string {
		v := cpv[len(cp)+1:]
		t := strings.TrimLeft(v, "0")
		if t == "" || t[0] < '0' || t[0] > '9' {
			t = "0" + t
		}
		return cp + "-" + t
	}
	want := trim(atomCpv)
	got := trim(pkgCpv)
	if !strings.HasPrefix(got, want) {
		return false
	}
	if len(got) == len(want) {
		return true
	}
	next := got[len(want)]
	isDigit := func(c byte) bool { return c >= '0' && c <= '9' }
	// 1* must not match 10
	return strings.IndexByte("._-", next) >= 0 || isDigit(want[len(want)-1]) != isDigit(next)
}

// MatchFromList returns the candidates that satisfy mydep. The blocker
// marker of mydep is ignored.
func MatchFromList(mydep *Atom, candidateList []*versions.PkgStr) []*versions.PkgStr {
	var mylist []*versions.PkgStr
	var atomSplit [4]string
	if mydep.Operator != "" {
		atomSplit, _ = versions.CatPkgSplit(mydep.Cpv)
	}
	for _, x := range candidateList {
		if x.Cp != mydep.Cp {
			continue
		}
		switch mydep.Operator {
		case "":
		case "=":
			if c, err := versions.PkgCmp([3]string{x.Cp, x.CpvSplit[2], x.CpvSplit[3]}, [3]string{mydep.Cp, atomSplit[2], atomSplit[3]}); err != nil || c != 0 {
				continue
			}
		case "=*":
			if !starMatch(mydep.Cpv, mydep.Cp, x.Cpv) {
				continue
			}
		case "~":
			if x.CpvSplit[2] != atomSplit[2] {
				continue
			}
		case ">", ">=", "<", "<=":
			c, err := versions.PkgCmp([3]string{x.Cp, x.CpvSplit[2], x.CpvSplit[3]}, [3]string{mydep.Cp, atomSplit[2], atomSplit[3]})
			if err != nil {
				continue
			}
			if !((mydep.Operator == ">" && c > 0) || (mydep.Operator == ">=" && c >= 0) ||
				(mydep.Operator == "<" && c < 0) || (mydep.Operator == "<=" && c <= 0)) {
				continue
			}
		default:
			continue
		}
		if !matchSlot(mydep, x) {
			continue
		}
		if mydep.Repo != "" && x.Repo != "" && x.Repo != mydep.Repo {
			continue
		}
		if mydep.Use != nil && x.Iuse != nil && !mydep.Use.Matches(x.Use, x.Iuse) {
			continue
		}
		mylist = append(mylist, x)
	}
	return mylist
}

// BestMatch returns the highest version in candidates matching mydep, or nil.
func BestMatch(mydep *Atom, candidates []*versions.PkgStr) *versions.PkgStr {
	matches := MatchFromList(mydep, candidates)
	if len(matches) == 0 {
		return nil
	}
	cpvs := make([]string, 0, len(matches))
	byCpv := map[string]*versions.PkgStr{}
	for _, m := range matches {
		cpvs = append(cpvs, m.Cpv)
		byCpv[m.Cpv] = m
	}
	return byCpv[versions.Best(cpvs)]
}

// UseDep is the parsed "[...]" part of an atom.
type UseDep struct {
	Tokens          []string
	Enabled         map[string]bool
	Disabled        map[string]bool
	MissingEnabled  map[string]bool
	MissingDisabled map[string]bool
	Conditional     conditional
	Required        map[string]bool
}

type conditional struct {
	Enabled, Disabled, Equal, NotEqual map[string]bool
}

func (c conditional) empty() bool {
	return len(c.Enabled)+len(c.Disabled)+len(c.Equal)+len(c.NotEqual) == 0
}

// NewUseDep parses the comma separated items of a USE dependency.
func NewUseDep(use []string) (*UseDep, error) {
	u := &UseDep{
		Enabled: map[string]bool{}, Disabled: map[string]bool{},
		MissingEnabled: map[string]bool{}, MissingDisabled: map[string]bool{},
		Required: map[string]bool{},
		Conditional: conditional{Enabled: map[string]bool{}, Disabled: map[string]bool{},
			Equal: map[string]bool{}, NotEqual: map[string]bool{}},
	}
	for _, x := range use {
		m := usedepRe.FindStringSubmatch(x)
		if m == nil {
			return nil, fmt.Errorf("invalid use dep: '%s'", x)
		}
		prefix, flag := group(usedepRe, m, "prefix"), group(usedepRe, m, "flag")
		def, suffix := group(usedepRe, m, "default"), group(usedepRe, m, "suffix")
		switch {
		case prefix == "" && suffix == "":
			u.Enabled[flag] = true
		case prefix == "-" && suffix == "":
			u.Disabled[flag] = true
		case prefix == "" && suffix == "?":
			u.Conditional.Enabled[flag] = true
		case prefix == "!" && suffix == "?":
			u.Conditional.Disabled[flag] = true
		case prefix == "" && suffix == "=":
			u.Conditional.Equal[flag] = true
		case prefix == "!" && suffix == "=":
			u.Conditional.NotEqual[flag] = true
		default:
			return nil, fmt.Errorf("invalid use dep: '%s'", x)
		}
		switch def {
		case "(+)":
			u.MissingEnabled[flag] = true
		case "(-)":
			u.MissingDisabled[flag] = true
		}
		u.Required[flag] = true
		u.Tokens = append(u.Tokens, x)
	}
	return u, nil
}

func (u *UseDep) String() string {
	if len(u.Tokens) == 0 {
		return ""
	}
	return "[" + strings.Join(u.Tokens, ",") + "]"
}

func (u *UseDep) hasConditionals() bool {
	return !u.Conditional.empty()
}

func (u *UseDep) defaultSuffix(flag string) string {
	if u.MissingEnabled[flag] {
		return "(+)"
	}
	if u.MissingDisabled[flag] {
		return "(-)"
	}
	return ""
}

// EvaluateConditionals returns a UseDep with only plain enabled/disabled
// tokens left.
func (u *UseDep) EvaluateConditionals(use map[string]bool) *UseDep {
	var tokens []string
	for _, x := range u.Tokens {
		m := usedepRe.FindStringSubmatch(x)
		prefix, flag, suffix := group(usedepRe, m, "prefix"), group(usedepRe, m, "flag"), group(usedepRe, m, "suffix")
		d := u.defaultSuffix(flag)
		switch {
		case suffix == "":
			tokens = append(tokens, x)
		case suffix == "?" && prefix == "":
			if use[flag] {
				tokens = append(tokens, flag+d)
			}
		case suffix == "?" && prefix == "!":
			if !use[flag] {
				tokens = append(tokens, "-"+flag+d)
			}
		case suffix == "=" && prefix == "":
			if use[flag] {
				tokens = append(tokens, flag+d)
			} else {
				tokens = append(tokens, "-"+flag+d)
			}
		case suffix == "=" && prefix == "!":
			if use[flag] {
				tokens = append(tokens, "-"+flag+d)
			} else {
				tokens = append(tokens, flag+d)
			}
		}
	}
	r, _ := NewUseDep(tokens)
	return r
}

// Matches checks the unconditional part against a package's enabled and
// declared flags. Flags missing from iuse fall back to their (+)/(-)
// default; a missing flag without default never matches.
func (u *UseDep) Matches(use, iuse map[string]bool) bool {
	for flag := range u.Enabled {
		if iuse[flag] {
			if !use[flag] {
				return false
			}
		} else if !u.MissingEnabled[flag] {
			return false
		}
	}
	for flag := range u.Disabled {
		if iuse[flag] {
			if use[flag] {
				return false
			}
		} else if !u.MissingDisabled[flag] {
			return false
		}
	}
	return true
}

// Violated lists the flags of the unconditional part that pkg fails.
func (u *UseDep) Violated(use, iuse map[string]bool) []string {
	var out []string
	for _, t := range u.Tokens {
		one, _ := NewUseDep([]string{t})
		if !one.hasConditionals() && !one.Matches(use, iuse) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// IsValidFlag reports whether flag is a syntactically valid USE flag.
func IsValidFlag(flag string) bool {
	return useflagRe.MatchString(flag)
}
