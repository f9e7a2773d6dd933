// Package xpak reads and writes the metadata segment appended to binary
// packages.
//
// A segment is "XPAKPACK", the index and data lengths, the index, the data
// and "XPAKSTOP". Each index entry is the name length, the name, and the
// offset and length of the value in the data area. A package file ends
// with the segment followed by its length and "STOP".
package xpak

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/util"
)

const (
	packMagic  = "XPAKPACK"
	stopMagic  = "XPAKSTOP"
	trailerEnd = "STOP"
)

func encodeint(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func decodeint(b []byte) int {
	return int(binary.BigEndian.Uint32(b))
}

// Encode builds a segment from data. Entries are written in name order.
func Encode(data map[string][]byte) []byte {
	names := make([]string, 0, len(data))
	for k := range data {
		names = append(names, k)
	}
	sort.Strings(names)
	var index, values bytes.Buffer
	for _, name := range names {
		v := data[name]
		index.Write(encodeint(len(name)))
		index.WriteString(name)
		index.Write(encodeint(values.Len()))
		index.Write(encodeint(len(v)))
		values.Write(v)
	}
	var out bytes.Buffer
	out.WriteString(packMagic)
	out.Write(encodeint(index.Len()))
	out.Write(encodeint(values.Len()))
	out.Write(index.Bytes())
	out.Write(values.Bytes())
	out.WriteString(stopMagic)
	return out.Bytes()
}

// split returns the index and data areas of a segment.
func split(seg []byte) ([]byte, []byte, error) {
	if len(seg) < 24 || string(seg[:8]) != packMagic || string(seg[len(seg)-8:]) != stopMagic {
		return nil, nil, exception.InvalidData("not an xpak segment")
	}
	indexSize := decodeint(seg[8:12])
	dataSize := decodeint(seg[12:16])
	if 16+indexSize+dataSize != len(seg)-8 {
		return nil, nil, exception.InvalidData("xpak segment sizes do not add up")
	}
	return seg[16 : 16+indexSize], seg[16+indexSize : 16+indexSize+dataSize], nil
}

type entry struct {
	name        string
	offset, len int
}

func parseIndex(index []byte, dataSize int) ([]entry, error) {
	var out []entry
	for pos := 0; pos+4 <= len(index); {
		n := decodeint(index[pos : pos+4])
		if pos+12+n > len(index) {
			return nil, exception.InvalidData("truncated xpak index")
		}
		e := entry{
			name:   string(index[pos+4 : pos+4+n]),
			offset: decodeint(index[pos+4+n : pos+8+n]),
			len:    decodeint(index[pos+8+n : pos+12+n]),
		}
		if e.offset+e.len > dataSize {
			return nil, exception.InvalidData("xpak entry %s points past the data", e.name)
		}
		out = append(out, e)
		pos += 12 + n
	}
	return out, nil
}

// Decode is the inverse of Encode.
func Decode(seg []byte) (map[string][]byte, error) {
	index, data, err := split(seg)
	if err != nil {
		return nil, err
	}
	entries, err := parseIndex(index, len(data))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		out[e.name] = data[e.offset : e.offset+e.len]
	}
	return out, nil
}

// FromDir reads every regular file below dir into a segment map, keyed by
// its slash separated relative path. CONTENTS is left out.
func FromDir(dir string) (map[string][]byte, error) {
	dir = util.NormalizePath(dir)
	out := map[string][]byte{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "CONTENTS" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = b
		return nil
	})
	return out, err
}

// Unpack writes data below dest. Names that would escape dest are skipped.
func Unpack(data map[string][]byte, dest string) error {
	dest = util.NormalizePath(dest) + string(filepath.Separator)
	for name, v := range data {
		filename := util.NormalizePath(filepath.Join(dest, strings.TrimLeft(name, "/")))
		if !strings.HasPrefix(filename, dest) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(filename, v, 0644); err != nil {
			return err
		}
	}
	return nil
}

// Tbz2 is a binary package file with an xpak segment at its end.
type Tbz2 struct {
	File string

	stat     os.FileInfo
	xpakSize int
	index    []byte
	dataPos  int64
	dataSize int
}

func NewTbz2(file string) *Tbz2 {
	return &Tbz2{File: file}
}

// Scan locates the segment. It rereads the file only when it changed
// since the last scan. A file without a segment is not an error; it has
// no metadata.
func (t *Tbz2) Scan() error {
	st, err := os.Stat(t.File)
	if err != nil {
		return err
	}
	if t.stat != nil && st.Size() == t.stat.Size() && st.ModTime().Equal(t.stat.ModTime()) {
		return nil
	}
	t.stat = st
	t.xpakSize, t.index, t.dataPos, t.dataSize = 0, nil, 0, 0

	f, err := os.Open(t.File)
	if err != nil {
		return err
	}
	defer f.Close()
	if st.Size() < 16 {
		return nil
	}
	trailer := make([]byte, 16)
	if _, err := f.ReadAt(trailer, st.Size()-16); err != nil {
		return err
	}
	if string(trailer[12:]) != trailerEnd || string(trailer[:8]) != stopMagic {
		return nil
	}
	xpakSize := decodeint(trailer[8:12]) + 8
	start := st.Size() - int64(xpakSize)
	if start < 0 {
		return exception.InvalidData("%s: xpak segment larger than the file", t.File)
	}
	header := make([]byte, 16)
	if _, err := f.ReadAt(header, start); err != nil {
		return err
	}
	if string(header[:8]) != packMagic {
		return exception.InvalidData("%s: missing XPAKPACK", t.File)
	}
	indexSize := decodeint(header[8:12])
	index := make([]byte, indexSize)
	if _, err := f.ReadAt(index, start+16); err != nil {
		return err
	}
	t.xpakSize = xpakSize
	t.index = index
	t.dataPos = start + 16 + int64(indexSize)
	t.dataSize = decodeint(header[12:16])
	return nil
}

// Filelist names the metadata entries.
func (t *Tbz2) Filelist() ([]string, error) {
	if err := t.Scan(); err != nil {
		return nil, err
	}
	entries, err := parseIndex(t.index, t.dataSize)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out, nil
}

// GetData reads every metadata entry.
func (t *Tbz2) GetData() (map[string][]byte, error) {
	if err := t.Scan(); err != nil {
		return nil, err
	}
	entries, err := parseIndex(t.index, t.dataSize)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(t.File)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data := make([]byte, t.dataSize)
	if _, err := f.ReadAt(data, t.dataPos); err != nil && err != io.EOF {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		out[e.name] = data[e.offset : e.offset+e.len]
	}
	return out, nil
}

// GetFile returns one entry, or ok false when it is not there.
func (t *Tbz2) GetFile(name string) ([]byte, bool, error) {
	data, err := t.GetData()
	if err != nil {
		return nil, false, err
	}
	v, ok := data[name]
	return v, ok, nil
}

// Metadata returns the entries as trimmed strings, the form package
// indexes store.
func (t *Tbz2) Metadata() (map[string]string, error) {
	data, err := t.GetData()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = strings.TrimSpace(string(v))
	}
	return out, nil
}

// Decompose unpacks the metadata into datadir.
func (t *Tbz2) Decompose(datadir string) error {
	data, err := t.GetData()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(datadir, 0755); err != nil {
		return err
	}
	return Unpack(data, datadir)
}

// Recompose replaces the segment with the files found in datadir.
func (t *Tbz2) Recompose(datadir string, breakHardlinks bool) error {
	data, err := FromDir(datadir)
	if err != nil {
		return err
	}
	return t.RecomposeMem(Encode(data), breakHardlinks)
}

// RecomposeMem replaces the segment with seg. With breakHardlinks a file
// with more than one link is copied first so the other links keep the old
// metadata.
func (t *Tbz2) RecomposeMem(seg []byte, breakHardlinks bool) error {
	if err := t.Scan(); err != nil {
		return err
	}
	if st, ok := t.stat.Sys().(*syscall.Stat_t); breakHardlinks && ok && st.Nlink > 1 {
		if err := t.breakLink(); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(t.File, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Truncate(t.stat.Size() - int64(t.xpakSize)); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return err
	}
	var buf bytes.Buffer
	buf.Write(seg)
	buf.Write(encodeint(len(seg)))
	buf.WriteString(trailerEnd)
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	t.stat = nil
	return t.Scan()
}

func (t *Tbz2) breakLink() error {
	tmp := fmt.Sprintf("%s.%d", t.File, os.Getpid())
	in, err := os.Open(t.File)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, t.stat.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, t.File)
}
