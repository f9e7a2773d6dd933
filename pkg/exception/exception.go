package exception

import (
	"errors"
	"fmt"
	"strings"
)

// PortageException is the common base of the typed failures below. t is
// the kind tag used by ExceptionMatch and errors.Is.
type PortageException struct {
	s string
	t string
}

func (p *PortageException) Error() string {
	return p.s
}

func (p *PortageException) Is(target error) bool {
	var o *PortageException
	if errors.As(target, &o) {
		return o.t == p.t
	}
	return false
}

func Raise(s, msg string) *PortageException {
	return &PortageException{t: s, s: msg}
}

func ExceptionMatch(a, b *PortageException) bool {
	return a.t == b.t
}

// sentinels, one per kind
var (
	ErrInvalidAtom         = Raise("InvalidAtom", "invalid atom")
	ErrInvalidDependString = Raise("InvalidDependString", "invalid dependency string")
	ErrUnresolvable        = Raise("UnresolvableAtom", "unresolvable atom")
	ErrSlotCollision       = Raise("SlotCollision", "slot collision")
	ErrUnresolvedBlocker   = Raise("UnresolvedBlocker", "unresolved blocker")
	ErrFileCollision       = Raise("FileCollision", "file collision")
	ErrCircularDependency  = Raise("CircularDependency", "circular dependency")
	ErrReadOnlyTarget      = Raise("ReadOnlyTarget", "read-only target")
	ErrInvalidData         = Raise("InvalidData", "invalid data")
	ErrInvalidLocation     = Raise("InvalidLocation", "invalid location")
	ErrTryAgain            = Raise("TryAgain", "try again")
	ErrPermissionDenied    = Raise("PermissionDenied", "permission denied")
	ErrFileNotFound        = Raise("FileNotFound", "file not found")
	ErrDigest              = Raise("DigestException", "digest verification failed")
)

// InvalidAtom reports a string that does not parse as a package atom.
func InvalidAtom(atom string) error {
	return fmt.Errorf("%w: '%s'", ErrInvalidAtom, atom)
}

func InvalidData(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidData, fmt.Sprintf(format, args...))
}

func InvalidLocation(path string) error {
	return fmt.Errorf("%w: %s", ErrInvalidLocation, path)
}

func TryAgain(path string) error {
	return fmt.Errorf("%w: %s", ErrTryAgain, path)
}

func PermissionDenied(path string) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
}

// DigestError reports a file whose size or hash differs from the recorded
// value.
type DigestError struct {
	Path     string
	Reason   string
	Got      string
	Expected string
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("%s: %s (got %s, expected %s)", e.Path, e.Reason, e.Got, e.Expected)
}

func (e *DigestError) Is(target error) bool { return target == ErrDigest }

func FileNotFound(path string) error {
	return fmt.Errorf("%w: %s", ErrFileNotFound, path)
}

type InvalidDependStringError struct {
	Package string
	DepStr  string
	Reason  string
}

func (e *InvalidDependStringError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("invalid dependency string in %s: %s: '%s'", e.Package, e.Reason, e.DepStr)
	}
	return fmt.Sprintf("invalid dependency string: %s: '%s'", e.Reason, e.DepStr)
}

func (e *InvalidDependStringError) Is(target error) bool { return target == ErrInvalidDependString }

// UnresolvableAtomError carries the chain of parents that pulled the atom in,
// outermost first.
type UnresolvableAtomError struct {
	Atom    string
	Parents []string
}

func (e *UnresolvableAtomError) Error() string {
	s := fmt.Sprintf("there are no ebuilds to satisfy \"%s\"", e.Atom)
	if len(e.Parents) > 0 {
		s += fmt.Sprintf(" (required by %s)", strings.Join(e.Parents, " <- "))
	}
	return s
}

func (e *UnresolvableAtomError) Is(target error) bool { return target == ErrUnresolvable }

type SlotCollisionError struct {
	SlotKey  string
	Packages []string
}

func (e *SlotCollisionError) Error() string {
	return fmt.Sprintf("slot conflict in %s: %s", e.SlotKey, strings.Join(e.Packages, ", "))
}

func (e *SlotCollisionError) Is(target error) bool { return target == ErrSlotCollision }

type UnresolvedBlockerError struct {
	Atom     string
	Blocking string
	Blocked  []string
}

func (e *UnresolvedBlockerError) Error() string {
	return fmt.Sprintf("%s (\"%s\" is blocking %s)", e.Blocking, e.Atom, strings.Join(e.Blocked, ", "))
}

func (e *UnresolvedBlockerError) Is(target error) bool { return target == ErrUnresolvedBlocker }

type FileCollisionError struct {
	Cpv        string
	Paths      []string
	SymlinkDir []string
}

func (e *FileCollisionError) Error() string {
	n := len(e.Paths) + len(e.SymlinkDir)
	return fmt.Sprintf("%s: %d file collision(s): %s", e.Cpv, n, strings.Join(append(append([]string{}, e.SymlinkDir...), e.Paths...), " "))
}

func (e *FileCollisionError) Is(target error) bool { return target == ErrFileCollision }

type CircularDependencyError struct {
	Members []string
	Flags   []string
}

func (e *CircularDependencyError) Error() string {
	s := "circular dependencies: " + strings.Join(e.Members, " -> ")
	if len(e.Flags) > 0 {
		s += " (USE: " + strings.Join(e.Flags, " ") + ")"
	}
	return s
}

func (e *CircularDependencyError) Is(target error) bool { return target == ErrCircularDependency }

type ReadOnlyTargetError struct {
	Paths []string
}

func (e *ReadOnlyTargetError) Error() string {
	return "read-only file system: " + strings.Join(e.Paths, " ")
}

func (e *ReadOnlyTargetError) Is(target error) bool { return target == ErrReadOnlyTarget }
