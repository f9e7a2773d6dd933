package emerge

// Priority labels a dependency graph edge. Higher levels are harder to
// break when the merge order has to ignore edges.
type Priority interface {
	Level() int
	String() string
}

// AbstractDepPriority holds the dependency kinds shared by the install and
// removal priorities.
type AbstractDepPriority struct {
	Buildtime       bool
	BuildtimeSlotOp bool
	Runtime         bool
	RuntimePost     bool
	RuntimeSlotOp   bool
}

func priorityLess(a, b Priority) bool {
	return a.Level() < b.Level()
}

// IgnoreFunc decides whether an edge priority is treated as absent. A nil
// IgnoreFunc ignores nothing.
type IgnoreFunc func(Priority) bool

// ignoreLevel treats every priority at or below level as absent.
func ignoreLevel(level int) IgnoreFunc {
	return func(p Priority) bool {
		return p.Level() <= level
	}
}

// BlockerDepPriority orders an uninstall task relative to the package whose
// blocker it resolves.
type BlockerDepPriority struct{}

var blockerPriority = &BlockerDepPriority{}

func (*BlockerDepPriority) Level() int { return 0 }

func (*BlockerDepPriority) String() string { return "blocker" }
