package emerge

// DepPriority is the priority of an install-direction edge.
//
//	not satisfied and buildtime      0  hard
//	not satisfied and runtime       -1  medium
//	not satisfied and runtime_post  -2  medium-soft
//	satisfied and buildtime         -3  soft
//	satisfied and runtime           -4  soft
//	satisfied and runtime_post      -5  soft
//	optional or none of the above   -6  soft
//
// The levels only rank hardness for diagnostics; merge ordering uses the
// ignore functions of DepPriorityNormalRange and DepPrioritySatisfiedRange.
type DepPriority struct {
	AbstractDepPriority
	// Satisfied is set when an installed package already meets the atom.
	Satisfied bool
	Optional  bool
	Ignored   bool
	// Rebuild marks an edge to a package that replaces an installed one
	// in the same slot.
	Rebuild bool
}

func (p *DepPriority) Level() int {
	if p.Optional {
		return -6
	}
	if !p.Satisfied {
		switch {
		case p.Buildtime:
			return 0
		case p.Runtime:
			return -1
		case p.RuntimePost:
			return -2
		}
	}
	switch {
	case p.Buildtime:
		return -3
	case p.Runtime:
		return -4
	case p.RuntimePost:
		return -5
	}
	return -6
}

func (p *DepPriority) String() string {
	var s string
	switch {
	case p.Ignored:
		return "ignored"
	case p.Optional:
		return "optional"
	case p.Buildtime:
		s = "buildtime"
	case p.Runtime:
		s = "runtime"
	case p.RuntimePost:
		s = "runtime_post"
	default:
		return "soft"
	}
	if p.Satisfied {
		s += " (satisfied)"
	}
	return s
}

func (p *DepPriority) copy() *DepPriority {
	c := *p
	return &c
}

// PriorityRange is an ordered list of ignore functions, from ignoring
// nothing to ignoring everything but hard edges.
type PriorityRange struct {
	Name           string
	Medium         int
	MediumSoft     int
	Soft           int
	None           int
	IgnorePriority []IgnoreFunc
}

func (r *PriorityRange) IgnoreMedium() IgnoreFunc     { return r.IgnorePriority[r.Medium] }
func (r *PriorityRange) IgnoreMediumSoft() IgnoreFunc { return r.IgnorePriority[r.MediumSoft] }
func (r *PriorityRange) IgnoreSoft() IgnoreFunc       { return r.IgnorePriority[r.Soft] }

func asDepPriority(p Priority) (*DepPriority, bool) {
	d, ok := p.(*DepPriority)
	return d, ok
}

// DepPriorityNormalRange ignores edges by kind only.
var DepPriorityNormalRange = &PriorityRange{
	Name:       "normal",
	Medium:     3,
	MediumSoft: 2,
	Soft:       1,
	None:       0,
	IgnorePriority: []IgnoreFunc{
		nil,
		func(p Priority) bool {
			d, ok := asDepPriority(p)
			return ok && d.Optional
		},
		func(p Priority) bool {
			d, ok := asDepPriority(p)
			return ok && (d.Optional || d.RuntimePost)
		},
		func(p Priority) bool {
			d, ok := asDepPriority(p)
			return ok && (d.Optional || !d.Buildtime)
		},
	},
}

// DepPrioritySatisfiedRange also drops edges already satisfied by installed
// packages, weakest kind first.
var DepPrioritySatisfiedRange = &PriorityRange{
	Name:       "satisfied",
	Medium:     7,
	MediumSoft: 6,
	Soft:       5,
	None:       0,
	IgnorePriority: []IgnoreFunc{
		nil,
		func(p Priority) bool {
			d, ok := asDepPriority(p)
			return ok && d.Optional
		},
		func(p Priority) bool {
			d, ok := asDepPriority(p)
			return ok && (d.Optional || (d.Satisfied && d.RuntimePost))
		},
		func(p Priority) bool {
			d, ok := asDepPriority(p)
			return ok && (d.Optional || (d.Satisfied && !d.Buildtime))
		},
		func(p Priority) bool {
			d, ok := asDepPriority(p)
			return ok && (d.Optional || (d.Satisfied && !d.BuildtimeSlotOp))
		},
		func(p Priority) bool {
			d, ok := asDepPriority(p)
			return ok && (d.Optional || d.Satisfied)
		},
		func(p Priority) bool {
			d, ok := asDepPriority(p)
			return ok && (d.Optional || d.Satisfied || d.RuntimePost)
		},
		func(p Priority) bool {
			d, ok := asDepPriority(p)
			return ok && (d.Optional || d.Satisfied || !d.Buildtime)
		},
	},
}

// UnmergeDepPriority is the priority of a removal-direction edge. Build
// time dependencies are optional once a package is installed.
//
//	runtime       0  hard
//	runtime_post -1  hard
//	buildtime    -2  soft
type UnmergeDepPriority struct {
	AbstractDepPriority
	Optional  bool
	Satisfied bool
	Ignored   bool
}

const (
	UnmergeMax  = 0
	UnmergeSoft = -2
	UnmergeMin  = -2
)

func NewUnmergeDepPriority(kinds AbstractDepPriority) *UnmergeDepPriority {
	p := &UnmergeDepPriority{AbstractDepPriority: kinds}
	if p.Buildtime {
		p.Optional = true
	}
	return p
}

func (p *UnmergeDepPriority) Level() int {
	switch {
	case p.Runtime || p.RuntimeSlotOp:
		return 0
	case p.RuntimePost:
		return -1
	}
	return -2
}

func (p *UnmergeDepPriority) String() string {
	switch {
	case p.Ignored:
		return "ignored"
	case p.Runtime || p.RuntimeSlotOp:
		return "runtime"
	case p.RuntimePost:
		return "runtime_post"
	case p.Buildtime:
		return "buildtime"
	}
	return "soft"
}
