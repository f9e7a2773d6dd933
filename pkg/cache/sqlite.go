package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
)

const (
	sqliteTable      = "portage_packages"
	sqlitePackageID  = "internal_db_package_id"
	sqlitePackageKey = "portage_package_key"
)

// SqliteDatabase keeps all entries in one table at location/label.sqlite,
// one column per allowed key.
type SqliteDatabase struct {
	mu          sync.Mutex
	db          *sql.DB
	dbpath      string
	readonly    bool
	allowedKeys []string
}

func NewSqliteDatabase(location, label string, readonly bool) (*SqliteDatabase, error) {
	s := &SqliteDatabase{
		dbpath:      filepath.Join(location, strings.Trim(label, string(os.PathSeparator))) + ".sqlite",
		readonly:    readonly,
		allowedKeys: allowedKeys(),
	}
	if !readonly {
		if _, err := util.EnsureDirs(filepath.Dir(s.dbpath), 0755); err != nil {
			return nil, &InitializationError{ClassName: "SqliteDatabase", Err: err}
		}
	}
	dsn := s.dbpath + "?_pragma=busy_timeout(15000)&_pragma=synchronous(0)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &InitializationError{ClassName: "SqliteDatabase", Err: err}
	}
	db.SetMaxOpenConns(1)
	s.db = db
	if !readonly {
		if err := s.initStructures(); err != nil {
			db.Close()
			return nil, &InitializationError{ClassName: "SqliteDatabase", Err: err}
		}
	}
	return s, nil
}

func quoteIdent(k string) string {
	return `"` + strings.ReplaceAll(k, `"`, `""`) + `"`
}

func (s *SqliteDatabase) createStatement() string {
	params := []string{
		sqlitePackageID + " INTEGER PRIMARY KEY AUTOINCREMENT",
		sqlitePackageKey + " TEXT",
	}
	for _, k := range s.allowedKeys {
		params = append(params, quoteIdent(k)+" TEXT")
	}
	params = append(params, "UNIQUE("+sqlitePackageKey+")")
	return "CREATE TABLE " + sqliteTable + " (" + strings.Join(params, ", ") + ")"
}

var (
	createRe = regexp.MustCompile(`(?s)^\s*CREATE\s+TABLE\s+` + sqliteTable + `\s*\(\s*` + sqlitePackageID + `\s+INTEGER\s+PRIMARY\s+KEY\s+AUTOINCREMENT\s*,(.*)\)\s*$`)
	columnRe = regexp.MustCompile(`^\s*"?(\w+)"?\s+TEXT\s*$`)
	uniqueRe = regexp.MustCompile(`^\s*UNIQUE\s*\(\s*(\w+)\s*\)\s*$`)
)

// validateCreate reports whether an existing table is usable and which
// allowed keys it lacks.
func (s *SqliteDatabase) validateCreate(statement string) (bool, []string) {
	m := createRe.FindStringSubmatch(statement)
	if m == nil {
		return false, nil
	}
	missing := map[string]bool{}
	for _, k := range s.allowedKeys {
		missing[k] = true
	}
	hasUnique := false
	hasKey := false
	for _, x := range strings.Split(m[1], ",") {
		if c := columnRe.FindStringSubmatch(x); c != nil {
			if c[1] == sqlitePackageKey {
				hasKey = true
			}
			delete(missing, c[1])
			continue
		}
		if u := uniqueRe.FindStringSubmatch(x); u != nil && u[1] == sqlitePackageKey {
			hasUnique = true
		}
	}
	if !hasUnique || !hasKey {
		return false, nil
	}
	var out []string
	for k := range missing {
		out = append(out, k)
	}
	sort.Strings(out)
	return true, out
}

func (s *SqliteDatabase) initStructures() error {
	var existing string
	err := s.db.QueryRow(`SELECT sql FROM sqlite_master WHERE type='table' AND name=?`, sqliteTable).Scan(&existing)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec(s.createStatement())
		return err
	}
	if err != nil {
		return err
	}
	ok, missing := s.validateCreate(existing)
	if !ok {
		msg.WriteMsgLevel(fmt.Sprintf("sqlite: dropping old table: %s\n", sqliteTable), 20, 0)
		if _, err := s.db.Exec("DROP TABLE " + sqliteTable); err != nil {
			return err
		}
		_, err = s.db.Exec(s.createStatement())
		return err
	}
	for _, k := range missing {
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", sqliteTable, quoteIdent(k))); err != nil {
			return err
		}
	}
	return nil
}

func (s *SqliteDatabase) Get(cpv string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cols := make([]string, len(s.allowedKeys))
	for i, k := range s.allowedKeys {
		cols[i] = quoteIdent(k)
	}
	rows, err := s.db.Query(fmt.Sprintf("SELECT %s FROM %s WHERE %s=?",
		strings.Join(cols, ", "), sqliteTable, sqlitePackageKey), cpv)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrKeyNotFound
	}
	values := make([]sql.NullString, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, &CacheCorruption{Key: cpv, Err: err}
	}
	if rows.Next() {
		return nil, &CacheCorruption{Key: cpv, Err: fmt.Errorf("key is not unique")}
	}
	d := Entry{}
	for i, k := range s.allowedKeys {
		if values[i].Valid && values[i].String != "" {
			d[k] = values[i].String
		}
	}
	return d, nil
}

func (s *SqliteDatabase) Set(cpv string, values Entry) error {
	if s.readonly {
		return &ReadOnlyRestriction{Info: " (" + s.dbpath + ")"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := cleanse(values)
	cols := []string{sqlitePackageKey}
	args := []interface{}{cpv}
	for _, k := range s.allowedKeys {
		if v, ok := d[k]; ok {
			cols = append(cols, quoteIdent(k))
			args = append(args, v)
		}
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s=?", sqliteTable, sqlitePackageKey), cpv); err != nil {
		tx.Rollback()
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	if _, err := tx.Exec(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sqliteTable, strings.Join(cols, ", "), placeholders), args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SqliteDatabase) Delete(cpv string) error {
	if s.readonly {
		return &ReadOnlyRestriction{Info: " (" + s.dbpath + ")"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s=?", sqliteTable, sqlitePackageKey), cpv)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *SqliteDatabase) Contains(cpv string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s=?", sqliteTable, sqlitePackageKey), cpv).Scan(&n)
	return err == nil && n > 0
}

func (s *SqliteDatabase) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", sqlitePackageKey, sqliteTable, sqlitePackageKey))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SqliteDatabase) Commit() error { return nil }

func (s *SqliteDatabase) Close() error {
	return s.db.Close()
}
