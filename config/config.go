// Package config reads the emergo settings file, a TOML document whose
// list values can be overridden from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/shlex"

	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/dep"
)

// DefaultPath is read when no settings file is named.
const DefaultPath = "/etc/emergo.toml"

type Repo struct {
	Name     string `toml:"name"`
	Kind     string `toml:"kind"`
	Location string `toml:"location"`
	// Cache is the writable dependency cache backend, "flat" or "sqlite".
	Cache string `toml:"cache"`
}

type Server struct {
	Listen string `toml:"listen"`
}

type Settings struct {
	Root     string `toml:"root"`
	EPrefix  string `toml:"eprefix"`
	CacheDir string `toml:"cache_dir"`
	TmpDir   string `toml:"tmpdir"`

	ConfigProtect     []string `toml:"config_protect"`
	ConfigProtectMask []string `toml:"config_protect_mask"`
	CollisionIgnore   []string `toml:"collision_ignore"`
	UninstallIgnore   []string `toml:"uninstall_ignore"`
	InstallMask       []string `toml:"install_mask"`
	Features          []string `toml:"features"`
	ContentHash       string   `toml:"content_hash"`

	AcceptEAPI     []string `toml:"accept_eapi"`
	AcceptKeywords []string `toml:"accept_keywords"`
	PackageMask    []string `toml:"package_mask"`
	System         []string `toml:"system"`
	Use            []string `toml:"use"`
	Repos          []Repo   `toml:"repos"`

	Jobs        int     `toml:"jobs"`
	LoadAverage float64 `toml:"load_average"`
	// ImageDir holds prebuilt images, one directory per cpv, used when
	// Builder is empty.
	ImageDir string `toml:"image_dir"`
	// Builder is a command line run once per package to build its image.
	Builder string `toml:"builder"`

	Server Server `toml:"server"`
}

func Default() *Settings {
	return &Settings{
		Root:              "/",
		CacheDir:          "/var/cache/edb/dep",
		TmpDir:            "/var/tmp",
		ConfigProtect:     []string{"/etc"},
		ConfigProtectMask: []string{"/etc/env.d"},
		Features:          []string{"config-protect-if-modified", "preserve-libs", "protect-owned"},
		ContentHash:       "MD5",
		Jobs:              1,
		ImageDir:          "/var/tmp/emergo/images",
		Server:            Server{Listen: "127.0.0.1:8080"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file at DefaultPath is not an error.
func Load(path string) (*Settings, error) {
	s := Default()
	if path == "" {
		path = DefaultPath
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, s); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// incremental merges words into list: "-x" removes x, "-*" clears the
// list, anything else is appended once.
func incremental(list, words []string) []string {
	out := append([]string(nil), list...)
	for _, w := range words {
		switch {
		case w == "-*":
			out = out[:0]
		case strings.HasPrefix(w, "-"):
			kept := out[:0]
			for _, x := range out {
				if x != w[1:] {
					kept = append(kept, x)
				}
			}
			out = kept
		default:
			dup := false
			for _, x := range out {
				if x == w {
					dup = true
				}
			}
			if !dup {
				out = append(out, w)
			}
		}
	}
	return out
}

// ApplyEnv takes ROOT, EPREFIX and the space separated list variables from
// lookup. FEATURES, USE and ACCEPT_KEYWORDS are incremental.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("ROOT"); ok && v != "" {
		s.Root = v
	}
	if v, ok := lookup("EPREFIX"); ok {
		s.EPrefix = v
	}
	if v, ok := lookup("PORTAGE_TMPDIR"); ok && v != "" {
		s.TmpDir = v
	}
	lists := []struct {
		name        string
		dst         *[]string
		incremental bool
	}{
		{"CONFIG_PROTECT", &s.ConfigProtect, false},
		{"CONFIG_PROTECT_MASK", &s.ConfigProtectMask, false},
		{"COLLISION_IGNORE", &s.CollisionIgnore, false},
		{"UNINSTALL_IGNORE", &s.UninstallIgnore, false},
		{"INSTALL_MASK", &s.InstallMask, false},
		{"FEATURES", &s.Features, true},
		{"USE", &s.Use, true},
		{"ACCEPT_KEYWORDS", &s.AcceptKeywords, true},
	}
	for _, l := range lists {
		v, ok := lookup(l.name)
		if !ok {
			continue
		}
		words, err := shlex.Split(v)
		if err != nil {
			return fmt.Errorf("%s: %w", l.name, err)
		}
		if l.incremental {
			*l.dst = incremental(*l.dst, words)
		} else {
			*l.dst = words
		}
	}
	return nil
}

// Validate checks the values that would otherwise fail late.
func (s *Settings) Validate() error {
	for _, a := range s.PackageMask {
		if !dep.IsValidAtom(a, false) {
			return fmt.Errorf("package_mask: invalid atom %q", a)
		}
	}
	for _, a := range s.System {
		if !dep.IsValidAtom(a, false) {
			return fmt.Errorf("system: invalid atom %q", a)
		}
	}
	for _, r := range s.Repos {
		switch r.Kind {
		case "", "ebuild", "binary":
		default:
			return fmt.Errorf("repo %s: unknown kind %q", r.Name, r.Kind)
		}
		switch r.Cache {
		case "", "flat", "flat_hash", "sqlite", "volatile":
		default:
			return fmt.Errorf("repo %s: unknown cache %q", r.Name, r.Cache)
		}
	}
	if s.Jobs < 1 {
		s.Jobs = 1
	}
	return nil
}

func (s *Settings) HasFeature(name string) bool {
	for _, f := range s.Features {
		if f == name {
			return true
		}
	}
	return false
}

// UseMap returns the global USE state. Flags written as "-flag" map to
// false.
func (s *Settings) UseMap() map[string]bool {
	m := map[string]bool{}
	for _, f := range s.Use {
		if strings.HasPrefix(f, "-") {
			m[f[1:]] = false
		} else {
			m[f] = true
		}
	}
	return m
}

// DbapiConfig is the part of the settings the package databases use.
func (s *Settings) DbapiConfig() *dbapi.Config {
	c := dbapi.NewConfig(s.Root)
	c.EPrefix = s.EPrefix
	c.ConfigProtect = append([]string(nil), s.ConfigProtect...)
	c.ConfigProtectMask = append([]string(nil), s.ConfigProtectMask...)
	c.CollisionIgnore = append([]string(nil), s.CollisionIgnore...)
	c.UninstallIgnore = append([]string(nil), s.UninstallIgnore...)
	c.InstallMask = strings.Join(s.InstallMask, " ")
	c.Features = map[string]bool{}
	for _, f := range s.Features {
		c.Features[f] = true
	}
	if s.ContentHash != "" {
		c.ContentHash = s.ContentHash
	}
	if s.TmpDir != "" {
		c.TmpDir = s.TmpDir
	}
	return c
}

// PortOptions configures the ebuild repository named repo.
func (s *Settings) PortOptions(repo Repo) (dbapi.PortOptions, error) {
	opts := dbapi.PortOptions{
		Use:            s.UseMap(),
		AcceptEAPI:     s.AcceptEAPI,
		AcceptKeywords: s.AcceptKeywords,
	}
	for _, m := range s.PackageMask {
		a, err := dep.NewAtom(m)
		if err != nil {
			return opts, err
		}
		opts.PackageMask = append(opts.PackageMask, a)
	}
	if repo.Cache != "" && s.CacheDir != "" {
		opts.DepCacheKind = repo.Cache
		opts.DepCacheDir = filepath.Join(s.CacheDir, repo.Name)
	}
	return opts, nil
}

// EROOT is Root joined with EPrefix.
func (s *Settings) EROOT() string {
	return s.DbapiConfig().EROOT()
}
