package api

import (
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/versions"
)

// installedKeys are returned for one installed package.
var installedKeys = []string{"SLOT", "EAPI", "USE", "IUSE", "KEYWORDS", "repository", "COUNTER", "BUILD_TIME", "SIZE"}

func errorJSON(c *gin.Context, code int, err string) {
	c.JSON(code, gin.H{"error": err})
}

func (s *Server) getCategories(c *gin.Context) {
	seen := map[string]bool{}
	for _, n := range s.repoNames() {
		for _, cat := range dbapi.Categories(s.Repos[n]) {
			seen[cat] = true
		}
	}
	cats := make([]string, 0, len(seen))
	for cat := range seen {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	c.JSON(http.StatusOK, cats)
}

type packageVersions struct {
	Cp       string              `json:"cp"`
	Versions map[string][]string `json:"versions"`
}

func (s *Server) getPackages(c *gin.Context) {
	category := c.Param("category")
	byCp := map[string]*packageVersions{}
	for _, n := range s.repoNames() {
		db := s.Repos[n]
		for _, cp := range db.CpAll() {
			if versions.CatSplit(cp)[0] != category {
				continue
			}
			pv := byCp[cp]
			if pv == nil {
				pv = &packageVersions{Cp: cp, Versions: map[string][]string{}}
				byCp[cp] = pv
			}
			for _, p := range db.CpList(cp) {
				pv.Versions[n] = append(pv.Versions[n], p.Version)
			}
		}
	}
	if len(byCp) == 0 {
		errorJSON(c, http.StatusNotFound, "no such category: "+category)
		return
	}
	out := make([]*packageVersions, 0, len(byCp))
	for _, pv := range byCp {
		out = append(out, pv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cp < out[j].Cp })
	c.JSON(http.StatusOK, out)
}

// getInstalled lists installed cpvs, or those matching ?atom=.
func (s *Server) getInstalled(c *gin.Context) {
	var cpvs []string
	if q := c.Query("atom"); q != "" {
		a, err := dep.NewAtom(q)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, err.Error())
			return
		}
		for _, p := range s.Vardb.Match(a) {
			cpvs = append(cpvs, p.Cpv)
		}
	} else {
		cpvs = s.Vardb.CpvAll()
	}
	versions.SortCpvs(cpvs)
	if cpvs == nil {
		cpvs = []string{}
	}
	c.JSON(http.StatusOK, cpvs)
}

func (s *Server) getInstalledPackage(c *gin.Context) {
	cpv := c.Param("category") + "/" + c.Param("pf")
	if !s.Vardb.CpvExists(cpv) {
		errorJSON(c, http.StatusNotFound, "not installed: "+cpv)
		return
	}
	md, err := dbapi.AuxMap(s.Vardb, cpv, installedKeys)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cpv":      cpv,
		"metadata": md,
		"contents": s.Vardb.Dblink(cpv).Contents().Keys(),
	})
}

// getOwners maps each owning cpv to the queried paths it owns. Paths are
// absolute within the target root; repeat ?path= for several.
func (s *Server) getOwners(c *gin.Context) {
	var paths []string
	for _, p := range c.QueryArray("path") {
		if !strings.HasPrefix(p, "/") {
			errorJSON(c, http.StatusBadRequest, "path must be absolute: "+p)
			return
		}
		paths = append(paths, path.Clean(p))
	}
	if len(paths) == 0 {
		errorJSON(c, http.StatusBadRequest, "missing path")
		return
	}
	c.JSON(http.StatusOK, s.Vardb.Owners().GetOwners(paths))
}
