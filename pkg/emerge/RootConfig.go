package emerge

import (
	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/sets"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/versions"
)

// PackageSource is one kind of candidate database of a root.
type PackageSource struct {
	Type PackageType
	DB   dbapi.Dbapi
	// Visible reports whether a candidate may be selected. Nil accepts
	// everything.
	Visible func(*versions.PkgStr) bool
}

type maskReasoner interface {
	MaskReasons(*versions.PkgStr) []string
}

// RootConfig bundles the databases and sets of one target root.
type RootConfig struct {
	Root     string
	Settings *dbapi.Config
	Mtimedb  *util.MtimeDB

	// Sources holds the ebuild and binary databases; the installed
	// database is Vardb.
	Sources   []*PackageSource
	Vardb     dbapi.Dbapi
	SetConfig *sets.SetConfig
	World     *sets.WorldSelectedSet
}

func NewRootConfig(settings *dbapi.Config, vardb dbapi.Dbapi, setconfig *sets.SetConfig, world *sets.WorldSelectedSet) *RootConfig {
	root := "/"
	if settings != nil {
		root = settings.EROOT()
	}
	return &RootConfig{
		Root:      root,
		Settings:  settings,
		Vardb:     vardb,
		SetConfig: setconfig,
		World:     world,
	}
}

// AddSource registers a candidate database. Databases that can explain
// masking hide the packages they mask.
func (r *RootConfig) AddSource(t PackageType, db dbapi.Dbapi) *PackageSource {
	s := &PackageSource{Type: t, DB: db}
	if m, ok := db.(maskReasoner); ok {
		s.Visible = func(p *versions.PkgStr) bool { return len(m.MaskReasons(p)) == 0 }
	}
	r.Sources = append(r.Sources, s)
	return s
}

// Source returns the first database of type t.
func (r *RootConfig) Source(t PackageType) *PackageSource {
	if t == TypeInstalled {
		return &PackageSource{Type: TypeInstalled, DB: r.Vardb}
	}
	for _, s := range r.Sources {
		if s.Type == t {
			return s
		}
	}
	return nil
}

// Update takes over the state of other, used after a configuration reload.
func (r *RootConfig) Update(other *RootConfig) {
	*r = *other
}
