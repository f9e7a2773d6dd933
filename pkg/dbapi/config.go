package dbapi

import (
	"path/filepath"
	"strings"
)

const (
	VdbPath        = "var/db/pkg"
	CachePath      = "var/cache/edb"
	PrivatePath    = "var/lib/portage"
	configMemory   = "config"
	mergingPrefix  = "-MERGING-"
	defaultHash    = "MD5"
	auxCacheFile   = "vdb_metadata.json"
	deltaCacheFile = "vdb_metadata_delta.json"
	plibsFile      = "preserved_libs_registry"
)

// Config is the part of the global configuration the package databases
// and the merge engine consult.
type Config struct {
	Root    string
	EPrefix string

	ConfigProtect     []string
	ConfigProtectMask []string
	CollisionIgnore   []string
	UninstallIgnore   []string
	InstallMask       string
	// InfoPath lists info directories whose index files are cleaned up
	// when the directory would otherwise be left empty.
	InfoPath []string

	Features map[string]bool

	// ContentHash names the checksum recorded for obj entries.
	ContentHash string
	// NoConfMem ignores the config memory and always writes ._cfg files.
	NoConfMem    bool
	XattrExclude string
	TmpDir       string
}

// NewConfig returns a Config for root with the usual defaults.
func NewConfig(root string) *Config {
	if root == "" {
		root = "/"
	}
	return &Config{
		Root:              root,
		ConfigProtect:     []string{"/etc"},
		ConfigProtectMask: []string{"/etc/env.d"},
		Features: map[string]bool{
			"config-protect-if-modified": true,
			"preserve-libs":              true,
			"protect-owned":              true,
		},
		ContentHash:  defaultHash,
		XattrExclude: "security.* system.nfs4_acl",
		TmpDir:       "/var/tmp",
	}
}

func (c *Config) HasFeature(name string) bool {
	return c.Features[name]
}

// EROOT is Root joined with EPrefix, always ending in "/".
func (c *Config) EROOT() string {
	return strings.TrimRight(filepath.Join(c.Root, c.EPrefix), "/") + "/"
}

func (c *Config) contentHash() string {
	if c.ContentHash == "" {
		return defaultHash
	}
	return c.ContentHash
}
