// Package cache stores per-package metadata snapshots for ebuild
// repositories. Every backend keeps the same KEY=value view and the
// _md5_/_mtime_ validation fields.
package cache

import (
	"sort"
	"strconv"
)

// KnownKeys are the metadata keys a backend persists besides the
// validation fields.
var KnownKeys = []string{
	"BDEPEND", "DEFINED_PHASES", "DEPEND", "DESCRIPTION", "EAPI", "HOMEPAGE",
	"IDEPEND", "INHERITED", "IUSE", "KEYWORDS", "LICENSE", "PDEPEND",
	"PROPERTIES", "RDEPEND", "REQUIRED_USE", "RESTRICT", "SLOT", "SRC_URI",
}

// ValidationKeys carry the digest or mtime of the source the entry was
// generated from.
var ValidationKeys = []string{"_md5_", "_mtime_"}

func allowedKeys() []string {
	keys := append(append([]string{}, KnownKeys...), ValidationKeys...)
	sort.Strings(keys)
	return keys
}

// Entry is one package's metadata.
type Entry map[string]string

// Mtime returns the recorded _mtime_, or -1.
func (e Entry) Mtime() int64 {
	v, err := strconv.ParseInt(e["_mtime_"], 10, 64)
	if err != nil {
		return -1
	}
	return v
}

// Validate reports whether the entry was generated from a source with
// the given md5, or mtime when no md5 is recorded.
func (e Entry) Validate(md5 string, mtime int64) bool {
	if v, ok := e["_md5_"]; ok && v != "" {
		return v == md5
	}
	return e.Mtime() == mtime
}

// Database is a metadata cache backend.
type Database interface {
	Get(cpv string) (Entry, error)
	Set(cpv string, values Entry) error
	Delete(cpv string) error
	Contains(cpv string) bool
	Keys() ([]string, error)
	Commit() error
	Close() error
}

// cleanse keeps the allowed keys with non-empty values.
func cleanse(values Entry) Entry {
	d := Entry{}
	for _, k := range allowedKeys() {
		if v, ok := values[k]; ok && v != "" {
			d[k] = v
		}
	}
	return d
}

// Open returns the backend named by kind: "flat" (the default), "sqlite"
// or "volatile".
func Open(kind, location, label string, readonly bool) (Database, error) {
	switch kind {
	case "sqlite":
		return NewSqliteDatabase(location, label, readonly)
	case "volatile":
		return NewVolatileDatabase(readonly), nil
	default:
		return NewFlatHashDatabase(location, label, readonly)
	}
}
