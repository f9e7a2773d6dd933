package cache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/versions"
)

// FlatHashDatabase stores one KEY=value file per cpv under
// location/label/category/pf, the layout of metadata/md5-cache.
type FlatHashDatabase struct {
	location string
	readonly bool
}

func NewFlatHashDatabase(location, label string, readonly bool) (*FlatHashDatabase, error) {
	db := &FlatHashDatabase{
		location: filepath.Join(location, strings.Trim(label, string(os.PathSeparator))),
		readonly: readonly,
	}
	if !readonly {
		if _, err := util.EnsureDirs(db.location, 0755); err != nil {
			return nil, &InitializationError{ClassName: "FlatHashDatabase", Err: err}
		}
	}
	return db, nil
}

func (db *FlatHashDatabase) path(cpv string) string {
	return filepath.Join(db.location, cpv)
}

func (db *FlatHashDatabase) Get(cpv string) (Entry, error) {
	f, err := os.Open(db.path(cpv))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer f.Close()
	d := Entry{}
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		line := s.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, &CacheCorruption{Key: cpv, Err: fmt.Errorf("invalid line %q", line)}
		}
		d[parts[0]] = parts[1]
	}
	if err := s.Err(); err != nil {
		return nil, &CacheCorruption{Key: cpv, Err: err}
	}
	if _, ok := d["_mtime_"]; !ok {
		if st, err := f.Stat(); err == nil {
			d["_mtime_"] = strconv.FormatInt(st.ModTime().Unix(), 10)
		}
	}
	return d, nil
}

func (db *FlatHashDatabase) Set(cpv string, values Entry) error {
	if db.readonly {
		return &ReadOnlyRestriction{Info: " (" + db.location + ")"}
	}
	d := cleanse(values)
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + "=" + d[k] + "\n")
	}
	p := db.path(cpv)
	if _, err := util.EnsureDirs(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return util.WriteAtomic(p, []byte(b.String()))
}

func (db *FlatHashDatabase) Delete(cpv string) error {
	if db.readonly {
		return &ReadOnlyRestriction{Info: " (" + db.location + ")"}
	}
	if err := os.Remove(db.path(cpv)); err != nil {
		if os.IsNotExist(err) {
			return ErrKeyNotFound
		}
		return err
	}
	return nil
}

func (db *FlatHashDatabase) Contains(cpv string) bool {
	_, err := os.Stat(db.path(cpv))
	return err == nil
}

// Keys lists category/pf files, ignoring anything that is not a valid cpv.
func (db *FlatHashDatabase) Keys() ([]string, error) {
	cats, err := os.ReadDir(db.location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, cat := range cats {
		if !cat.IsDir() {
			continue
		}
		pkgs, err := os.ReadDir(filepath.Join(db.location, cat.Name()))
		if err != nil {
			continue
		}
		for _, p := range pkgs {
			if p.IsDir() {
				continue
			}
			cpv := cat.Name() + "/" + p.Name()
			if _, ok := versions.CatPkgSplit(cpv); ok {
				keys = append(keys, cpv)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (db *FlatHashDatabase) Commit() error { return nil }
func (db *FlatHashDatabase) Close() error  { return nil }
