package util

import (
	"bytes"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/ppphp/emergo/pkg/util/msg"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResumeData is the remaining merge list of an interrupted run. Each entry
// is [type, root, cpv, operation].
type ResumeData struct {
	Mergelist [][4]string `json:"mergelist"`
	Favorites []string    `json:"favorites"`
	Oneshot   bool        `json:"oneshot,omitempty"`
}

// MtimeDB is the persistent state file of the merge front end.
type MtimeDB struct {
	Resume       *ResumeData      `json:"resume,omitempty"`
	ResumeBackup *ResumeData      `json:"resume_backup,omitempty"`
	Info         map[string]int64 `json:"info"`
	Ldpath       map[string]int64 `json:"ldpath"`
	Updates      map[string]int64 `json:"updates"`
	Starttime    int64            `json:"starttime"`
	Version      string           `json:"version"`

	filename  string
	cleanData []byte
}

func NewMtimeDB(filename string) *MtimeDB {
	m := &MtimeDB{filename: filename}
	m.load()
	return m
}

func (m *MtimeDB) load() {
	content, err := os.ReadFile(m.filename)
	if err != nil && !os.IsNotExist(err) && !os.IsPermission(err) {
		msg.WriteMsg(fmt.Sprintf("!!! Error loading '%s': %s\n", m.filename, err), -1, nil)
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, m); err != nil {
			msg.WriteMsg(fmt.Sprintf("!!! Error loading '%s': %s\n", m.filename, err), -1, nil)
			*m = MtimeDB{filename: m.filename}
		}
	}
	if m.Info == nil {
		m.Info = map[string]int64{}
	}
	if m.Ldpath == nil {
		m.Ldpath = map[string]int64{}
	}
	if m.Updates == nil {
		m.Updates = map[string]int64{}
	}
	m.cleanData, _ = json.Marshal(m)
}

// Commit writes the state back when it changed since the last load or
// commit.
func (m *MtimeDB) Commit(version string) error {
	if m.filename == "" {
		return nil
	}
	m.Version = version
	d, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return err
	}
	compact, _ := json.Marshal(m)
	if bytes.Equal(compact, m.cleanData) {
		return nil
	}
	if err := WriteAtomic(m.filename, append(d, '\n')); err != nil {
		return err
	}
	m.cleanData = compact
	return nil
}
