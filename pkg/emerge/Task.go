package emerge

// Task is a node of the blocker bookkeeping graphs. Tasks with equal keys
// are the same task.
type Task interface {
	Key() string
	String() string
}

var (
	_ Task = (*Package)(nil)
	_ Task = (*Blocker)(nil)
)
