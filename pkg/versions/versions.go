package versions

import (
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	UnknownRepo = "__unknown__"
	slot        = `([\w+][\w+.-]*)`
	cat         = `[\w+][\w+.-]*`
	pkg         = `[\w+][\w+-]*?`
	v           = `(\d+)((?:\.\d+)*)([a-z]?)((?:_(?:pre|p|beta|alpha|rc)\d*)*)`
	rev         = `\d+`
	vr          = v + `(?:-r(` + rev + `))?`
	pv          = `^(?P<pn>` + pkg + `(?P<pn_inval>-` + vr + `)?)-(?P<ver>` + v + `)(?:-r(?P<rev>` + rev + `))?$`
)

var (
	verRegexp    = regexp.MustCompile("^" + vr + "$")
	suffixRegexp = regexp.MustCompile(`^(alpha|beta|rc|pre|p)(\d*)$`)
	catRe        = regexp.MustCompile("^" + cat + "$")
	pvRe         = regexp.MustCompile(pv)
	slotRe       = regexp.MustCompile("^" + slot + "(/" + slot + ")?$")

	missingCat = "null"
)

type VersionStatus string

const (
	VersionStatusPre   VersionStatus = "pre"
	VersionStatusP     VersionStatus = "p"
	VersionStatusAlpha VersionStatus = "alpha"
	VersionStatusBeta  VersionStatus = "beta"
	VersionStatusRC    VersionStatus = "rc"
)

var suffixValue = map[VersionStatus]int{
	VersionStatusPre:   -2,
	VersionStatusP:     0,
	VersionStatusAlpha: -4,
	VersionStatusBeta:  -3,
	VersionStatusRC:    -1}

// VerVerify reports whether myver follows the version grammar.
func VerVerify(myver string) bool {
	return verRegexp.MatchString(myver)
}

func bigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

func cmpInt(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// VerCmp compares two version strings. The result is negative, zero or
// positive as ver1 is older, equal or newer than ver2.
func VerCmp(ver1, ver2 string) (int, error) {
	if ver1 == ver2 {
		return 0, nil
	}
	match1 := verRegexp.FindStringSubmatch(ver1)
	if match1 == nil {
		return 0, fmt.Errorf("!!! syntax error in version: %s", ver1)
	}
	match2 := verRegexp.FindStringSubmatch(ver2)
	if match2 == nil {
		return 0, fmt.Errorf("!!! syntax error in version: %s", ver2)
	}

	list1 := []*big.Int{bigInt(match1[1])}
	list2 := []*big.Int{bigInt(match2[1])}

	if match1[2] != "" || match2[2] != "" {
		var vlist1, vlist2 []string
		if match1[2] != "" {
			vlist1 = strings.Split(match1[2][1:], ".")
		}
		if match2[2] != "" {
			vlist2 = strings.Split(match2[2][1:], ".")
		}
		l := len(vlist1)
		if len(vlist2) > l {
			l = len(vlist2)
		}
		for i := 0; i < l; i++ {
			// an implicit .0 sorts below an explicit one, so 1.0 < 1.0.0
			if len(vlist1) <= i || len(vlist1[i]) == 0 {
				list1 = append(list1, big.NewInt(-1))
				list2 = append(list2, bigInt(vlist2[i]))
			} else if len(vlist2) <= i || len(vlist2[i]) == 0 {
				list1 = append(list1, bigInt(vlist1[i]))
				list2 = append(list2, big.NewInt(-1))
			} else if vlist1[i][0] != '0' && vlist2[i][0] != '0' {
				list1 = append(list1, bigInt(vlist1[i]))
				list2 = append(list2, bigInt(vlist2[i]))
			} else {
				// leading zero: compare as decimal fractions padded to equal length
				ml := len(vlist1[i])
				if len(vlist2[i]) > ml {
					ml = len(vlist2[i])
				}
				list1 = append(list1, bigInt(vlist1[i]+strings.Repeat("0", ml-len(vlist1[i]))))
				list2 = append(list2, bigInt(vlist2[i]+strings.Repeat("0", ml-len(vlist2[i]))))
			}
		}
	}
	if match1[3] != "" {
		list1 = append(list1, big.NewInt(int64(match1[3][0])))
	}
	if match2[3] != "" {
		list2 = append(list2, big.NewInt(int64(match2[3][0])))
	}

	for i := 0; i < len(list1) || i < len(list2); i++ {
		if len(list1) <= i {
			return -1, nil
		} else if len(list2) <= i {
			return 1, nil
		} else if c := list1[i].Cmp(list2[i]); c != 0 {
			return c, nil
		}
	}

	var sl1, sl2 []string
	if match1[4] != "" {
		sl1 = strings.Split(match1[4], "_")[1:]
	}
	if match2[4] != "" {
		sl2 = strings.Split(match2[4], "_")[1:]
	}
	for i := 0; i < len(sl1) || i < len(sl2); i++ {
		// implicit _p0 is -1 so that 1 < 1_p0
		s1 := []string{"", "p", "-1"}
		s2 := []string{"", "p", "-1"}
		if i < len(sl1) {
			s1 = suffixRegexp.FindStringSubmatch(sl1[i])
		}
		if i < len(sl2) {
			s2 = suffixRegexp.FindStringSubmatch(sl2[i])
		}
		if s1[1] != s2[1] {
			return cmpInt(int64(suffixValue[VersionStatus(s1[1])]), int64(suffixValue[VersionStatus(s2[1])])), nil
		}
		if s1[2] != s2[2] {
			r1, _ := strconv.ParseInt(s1[2], 10, 64)
			r2, _ := strconv.ParseInt(s2[2], 10, 64)
			if c := cmpInt(r1, r2); c != 0 {
				return c, nil
			}
		}
	}

	r1, r2 := big.NewInt(0), big.NewInt(0)
	if match1[5] != "" {
		r1 = bigInt(match1[5])
	}
	if match2[5] != "" {
		r2 = bigInt(match2[5])
	}
	return r1.Cmp(r2), nil
}

// PkgCmp compares two [pn, ver, rev] triples of the same package name.
func PkgCmp(pkg1, pkg2 [3]string) (int, error) {
	if pkg1[0] != pkg2[0] {
		return 0, fmt.Errorf("cannot compare %s with %s", pkg1[0], pkg2[0])
	}
	return VerCmp(strings.Join(pkg1[1:], "-"), strings.Join(pkg2[1:], "-"))
}

func pkgSplit(mypkg string) ([3]string, bool) {
	m := pvRe.FindStringSubmatch(mypkg)
	if m == nil {
		return [3]string{}, false
	}
	if m[pvRe.SubexpIndex("pn_inval")] != "" {
		return [3]string{}, false
	}
	r := m[pvRe.SubexpIndex("rev")]
	if r == "" {
		r = "0"
	}
	return [3]string{m[pvRe.SubexpIndex("pn")], m[pvRe.SubexpIndex("ver")], "r" + r}, true
}

// CatPkgSplit splits "cat/pkg-1.0-r1" into [cat, pkg, 1.0, r1]. ok is false
// for strings that are not a valid cpv.
func CatPkgSplit(mydata string) ([4]string, bool) {
	mySplit := strings.SplitN(mydata, "/", 2)
	var c string
	var p [3]string
	var ok bool
	switch len(mySplit) {
	case 1:
		c = missingCat
		p, ok = pkgSplit(mydata)
	case 2:
		c = mySplit[0]
		if catRe.MatchString(c) {
			p, ok = pkgSplit(mySplit[1])
		}
	}
	if !ok {
		return [4]string{}, false
	}
	return [4]string{c, p[0], p[1], p[2]}, true
}

// PkgSplit returns [cat/pn, ver, rev].
func PkgSplit(mypkg string) ([3]string, bool) {
	s, ok := CatPkgSplit(mypkg)
	if !ok {
		return [3]string{}, false
	}
	if s[0] == missingCat && !strings.Contains(mypkg, "/") {
		return [3]string{s[1], s[2], s[3]}, true
	}
	return [3]string{s[0] + "/" + s[1], s[2], s[3]}, true
}

func CatSplit(mydep string) []string {
	return strings.SplitN(mydep, "/", 2)
}

// CpvGetKey returns the cat/pn part of a cpv.
func CpvGetKey(mycpv string) string {
	if s, ok := CatPkgSplit(mycpv); ok {
		return s[0] + "/" + s[1]
	}
	return ""
}

// CpvGetVersion returns the version part (with revision) of a cpv.
func CpvGetVersion(mycpv string) string {
	cp := CpvGetKey(mycpv)
	if cp == "" {
		return ""
	}
	return mycpv[len(cp+"-"):]
}

// PkgStr is a cpv string carrying its split parts and the slot/repository
// metadata it was created with.
type PkgStr struct {
	Cpv, Cp, Category, Pn, Version, Pf string
	Slot, SubSlot, Repo                string
	SlotInvalid                        string
	BuildId                            int
	CpvSplit                           [4]string
	// Use and Iuse are the enabled and declared USE flags; nil Iuse means
	// the flags are unknown and USE dependencies are not checked.
	Use, Iuse map[string]bool
}

// NewPkgStr parses cpv. slot may carry a "/subslot" suffix.
func NewPkgStr(cpv, slot, repo string) (*PkgStr, error) {
	split, ok := CatPkgSplit(cpv)
	if !ok || split[0] == missingCat {
		return nil, fmt.Errorf("invalid cpv: %s", cpv)
	}
	p := &PkgStr{Cpv: cpv, CpvSplit: split}
	p.Category = split[0]
	p.Pn = split[1]
	p.Cp = split[0] + "/" + split[1]
	if split[3] == "r0" && !strings.HasSuffix(cpv, "-r0") {
		p.Version = split[2]
	} else {
		p.Version = split[2] + "-" + split[3]
	}
	p.Pf = p.Pn + "-" + p.Version
	if slot != "" {
		if slotRe.MatchString(slot) {
			parts := strings.SplitN(slot, "/", 2)
			p.Slot = parts[0]
			p.SubSlot = parts[0]
			if len(parts) > 1 {
				p.SubSlot = parts[1]
			}
		} else {
			p.Slot, p.SubSlot = "0", "0"
			p.SlotInvalid = slot
		}
	}
	if repo != "" {
		p.Repo = repo
	}
	return p, nil
}

func (p *PkgStr) String() string {
	return p.Cpv
}

// SlotKey is the "cat/pn:slot" identity used for slot collision tracking.
func (p *PkgStr) SlotKey() string {
	return p.Cp + ":" + p.Slot
}

// CpvCmp orders two cpvs by category/name and then by version.
func CpvCmp(cpv1, cpv2 string) int {
	k1, k2 := CpvGetKey(cpv1), CpvGetKey(cpv2)
	if k1 != k2 {
		return strings.Compare(k1, k2)
	}
	c, err := VerCmp(CpvGetVersion(cpv1), CpvGetVersion(cpv2))
	if err != nil {
		return strings.Compare(cpv1, cpv2)
	}
	return c
}

// SortCpvs sorts cpvs ascending in place.
func SortCpvs(cpvs []string) {
	sort.SliceStable(cpvs, func(i, j int) bool {
		return CpvCmp(cpvs[i], cpvs[j]) < 0
	})
}

// Best returns the highest version among myMatches.
func Best(myMatches []string) string {
	if len(myMatches) == 0 {
		return ""
	}
	bestMatch := myMatches[0]
	v2 := CpvGetVersion(bestMatch)
	for _, x := range myMatches[1:] {
		v1 := CpvGetVersion(x)
		if c, _ := VerCmp(v1, v2); c > 0 {
			bestMatch = x
			v2 = v1
		}
	}
	return bestMatch
}
