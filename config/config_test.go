package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emergo.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
root = "/mnt/target"
features = ["collision-protect"]
system = ["sys-apps/baselayout"]
use = ["ssl", "-X"]
jobs = 4

[[repos]]
name = "gentoo"
location = "/var/db/repos/gentoo"
cache = "sqlite"

[server]
listen = ":9000"
`), 0644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/target", s.Root)
	assert.Equal(t, []string{"collision-protect"}, s.Features)
	assert.Equal(t, 4, s.Jobs)
	assert.Equal(t, ":9000", s.Server.Listen)
	require.Len(t, s.Repos, 1)
	assert.Equal(t, "sqlite", s.Repos[0].Cache)
	assert.Equal(t, map[string]bool{"ssl": true, "X": false}, s.UseMap())
	assert.Equal(t, "/mnt/target/", s.EROOT())

	opts, err := s.PortOptions(s.Repos[0])
	require.NoError(t, err)
	assert.Equal(t, "sqlite", opts.DepCacheKind)
	assert.Equal(t, "/var/cache/edb/dep/gentoo", opts.DepCacheDir)
}

func TestApplyEnv(t *testing.T) {
	s := Default()
	require.NoError(t, s.ApplyEnv(env(map[string]string{
		"CONFIG_PROTECT":   `/etc "/usr/share/my config"`,
		"FEATURES":         "-preserve-libs collision-protect",
		"COLLISION_IGNORE": "/lib/modules/* *.pyc",
	})))
	assert.Equal(t, []string{"/etc", "/usr/share/my config"}, s.ConfigProtect)
	assert.Equal(t, []string{"config-protect-if-modified", "protect-owned", "collision-protect"}, s.Features)
	assert.False(t, s.HasFeature("preserve-libs"))
	assert.Equal(t, []string{"/lib/modules/*", "*.pyc"}, s.CollisionIgnore)

	c := s.DbapiConfig()
	assert.True(t, c.HasFeature("collision-protect"))
	assert.False(t, c.HasFeature("preserve-libs"))
	assert.Equal(t, []string{"/etc", "/usr/share/my config"}, c.ConfigProtect)
}

func TestApplyEnvClearsIncremental(t *testing.T) {
	s := Default()
	require.NoError(t, s.ApplyEnv(env(map[string]string{"FEATURES": "-* noclean"})))
	assert.Equal(t, []string{"noclean"}, s.Features)
}

func TestApplyEnvBadQuoting(t *testing.T) {
	s := Default()
	assert.Error(t, s.ApplyEnv(env(map[string]string{"USE": `"unterminated`})))
}

func TestValidate(t *testing.T) {
	s := Default()
	s.PackageMask = []string{"not an atom"}
	assert.Error(t, s.Validate())

	s = Default()
	s.Repos = []Repo{{Name: "x", Kind: "rpm"}}
	assert.Error(t, s.Validate())
}
