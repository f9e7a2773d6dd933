package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/emergo/pkg/dbapi"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := dbapi.NewConfig(t.TempDir())
	cfg.TmpDir = t.TempDir()
	vardb := dbapi.NewVarDbapi(cfg)

	image := filepath.Join(t.TempDir(), "image")
	info := filepath.Join(t.TempDir(), "build-info")
	require.NoError(t, os.MkdirAll(filepath.Join(image, "usr/bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(image, "usr/bin/bar"), []byte("bar"), 0755))
	require.NoError(t, os.MkdirAll(info, 0755))
	for k, v := range map[string]string{"SLOT": "0", "EAPI": "8", "repository": "gentoo"} {
		require.NoError(t, os.WriteFile(filepath.Join(info, k), []byte(v+"\n"), 0644))
	}
	require.NoError(t, dbapi.Merge("app-foo", "bar-1", image, info, vardb, nil))

	repo := dbapi.NewFakeDbapi()
	for _, cpv := range []string{"app-foo/bar-1", "app-foo/bar-2", "app-foo/baz-1", "dev-lang/go-1.22"} {
		require.NoError(t, repo.CpvInject(cpv, map[string]string{"SLOT": "0", "EAPI": "8"}))
	}
	return &Server{Vardb: vardb, Repos: map[string]dbapi.Dbapi{"gentoo": repo}}
}

func get(t *testing.T, s *Server, url string, v interface{}) int {
	t.Helper()
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	if v != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
	}
	return w.Code
}

func TestPing(t *testing.T) {
	w := httptest.NewRecorder()
	(&Server{}).Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestCategoriesAndPackages(t *testing.T) {
	s := newTestServer(t)

	var cats []string
	require.Equal(t, http.StatusOK, get(t, s, "/categories", &cats))
	assert.Equal(t, []string{"app-foo", "dev-lang"}, cats)

	var pkgs []packageVersions
	require.Equal(t, http.StatusOK, get(t, s, "/packages/app-foo", &pkgs))
	require.Len(t, pkgs, 2)
	assert.Equal(t, "app-foo/bar", pkgs[0].Cp)
	assert.Equal(t, []string{"1", "2"}, pkgs[0].Versions["gentoo"])
	assert.Equal(t, "app-foo/baz", pkgs[1].Cp)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/packages/sys-none", nil))
}

func TestInstalled(t *testing.T) {
	s := newTestServer(t)

	var cpvs []string
	require.Equal(t, http.StatusOK, get(t, s, "/installed", &cpvs))
	assert.Equal(t, []string{"app-foo/bar-1"}, cpvs)

	require.Equal(t, http.StatusOK, get(t, s, "/installed?atom=%3Eapp-foo/bar-1", &cpvs))
	assert.Empty(t, cpvs)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/installed?atom=%3E%3D", nil))

	var pkg struct {
		Cpv      string            `json:"cpv"`
		Metadata map[string]string `json:"metadata"`
		Contents []string          `json:"contents"`
	}
	require.Equal(t, http.StatusOK, get(t, s, "/installed/app-foo/bar-1", &pkg))
	assert.Equal(t, "0", pkg.Metadata["SLOT"])
	found := false
	for _, p := range pkg.Contents {
		found = found || strings.HasSuffix(p, "/usr/bin/bar")
	}
	assert.True(t, found, "%v", pkg.Contents)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/installed/app-foo/bar-9", nil))
}

func TestOwners(t *testing.T) {
	s := newTestServer(t)

	var owners map[string][]string
	require.Equal(t, http.StatusOK, get(t, s, "/owners?path=/usr/bin/bar&path=/usr/bin/none", &owners))
	assert.Equal(t, map[string][]string{"app-foo/bar-1": {"/usr/bin/bar"}}, owners)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/owners", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/owners?path=usr/bin/bar", nil))
}
