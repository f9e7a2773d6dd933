package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	_, err := db.Get("app-foo/bar-1")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	require.NoError(t, db.Set("app-foo/bar-1", Entry{
		"EAPI":    "8",
		"SLOT":    "0",
		"RDEPEND": "app-foo/baz:0",
		"_md5_":   "abc",
		"BOGUS":   "dropped",
		"IUSE":    "",
	}))
	require.NoError(t, db.Set("app-foo/baz-2", Entry{"SLOT": "0", "_mtime_": "10"}))
	assert.True(t, db.Contains("app-foo/bar-1"))
	assert.False(t, db.Contains("app-foo/bar-2"))

	e, err := db.Get("app-foo/bar-1")
	require.NoError(t, err)
	assert.Equal(t, "app-foo/baz:0", e["RDEPEND"])
	assert.Equal(t, "abc", e["_md5_"])
	assert.NotContains(t, e, "BOGUS")
	assert.NotContains(t, e, "IUSE")
	assert.True(t, e.Validate("abc", 0))
	assert.False(t, e.Validate("abd", 0))

	e, err = db.Get("app-foo/baz-2")
	require.NoError(t, err)
	assert.True(t, e.Validate("", 10))

	require.NoError(t, db.Set("app-foo/bar-1", Entry{"SLOT": "1"}))
	e, err = db.Get("app-foo/bar-1")
	require.NoError(t, err)
	assert.Equal(t, "1", e["SLOT"])
	assert.NotContains(t, e, "RDEPEND")

	keys, err := db.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-foo/bar-1", "app-foo/baz-2"}, keys)

	require.NoError(t, db.Delete("app-foo/bar-1"))
	assert.True(t, errors.Is(db.Delete("app-foo/bar-1"), ErrKeyNotFound))
	require.NoError(t, db.Commit())
}

func TestVolatileDatabase(t *testing.T) {
	exerciseDatabase(t, NewVolatileDatabase(false))
	var ro *ReadOnlyRestriction
	assert.True(t, errors.As(NewVolatileDatabase(true).Set("a/b-1", Entry{}), &ro))
}

func TestFlatHashDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := NewFlatHashDatabase(dir, "/md5-cache", false)
	require.NoError(t, err)
	exerciseDatabase(t, db)

	b, err := os.ReadFile(filepath.Join(dir, "md5-cache", "app-foo", "baz-2"))
	require.NoError(t, err)
	assert.Equal(t, "SLOT=0\n_mtime_=10\n", string(b))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "md5-cache", "app-foo", "broken-1"), []byte("no equals sign\n"), 0644))
	_, err = db.Get("app-foo/broken-1")
	var corrupt *CacheCorruption
	assert.True(t, errors.As(err, &corrupt))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "md5-cache", "app-foo", "README"), nil, 0644))
	keys, err := db.Keys()
	require.NoError(t, err)
	assert.NotContains(t, keys, "app-foo/README")
}

func TestSqliteDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := NewSqliteDatabase(dir, "depcache", false)
	require.NoError(t, err)
	exerciseDatabase(t, db)
	require.NoError(t, db.Close())

	reopened, err := Open("sqlite", dir, "depcache", false)
	require.NoError(t, err)
	defer reopened.Close()
	e, err := reopened.Get("app-foo/baz-2")
	require.NoError(t, err)
	assert.Equal(t, "0", e["SLOT"])
}

func TestSqliteAddsMissingColumns(t *testing.T) {
	dir := t.TempDir()
	db, err := NewSqliteDatabase(dir, "depcache", false)
	require.NoError(t, err)
	_, err = db.db.Exec("DROP TABLE " + sqliteTable)
	require.NoError(t, err)
	_, err = db.db.Exec("CREATE TABLE " + sqliteTable + " (" + sqlitePackageID + " INTEGER PRIMARY KEY AUTOINCREMENT, " +
		sqlitePackageKey + " TEXT, SLOT TEXT, UNIQUE(" + sqlitePackageKey + "))")
	require.NoError(t, err)
	require.NoError(t, db.initStructures())
	require.NoError(t, db.Set("a/b-1", Entry{"SLOT": "0", "EAPI": "8"}))
	e, err := db.Get("a/b-1")
	require.NoError(t, err)
	assert.Equal(t, "8", e["EAPI"])
	db.Close()
}
