package emerge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ppphp/emergo/pkg/checksum"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/output"
)

// binpkgDigestKeys are the index fields a binary package may be checked
// against.
var binpkgDigestKeys = []string{"SIZE", "MD5", "SHA1", "SHA256", "SHA512", "BLAKE2B"}

// BinpkgVerifier checks a binary package file against the size and
// digests recorded in the package index before it is merged.
type BinpkgVerifier struct {
	Path    string
	Digests map[string]string
	Out     *output.EOutput
}

// NewBinpkgVerifier takes the digests out of index metadata. The size is
// stored under "size" the way checksum.VerifyAll expects it.
func NewBinpkgVerifier(path string, metadata map[string]string, out *output.EOutput) *BinpkgVerifier {
	d := map[string]string{}
	for _, k := range binpkgDigestKeys {
		v := metadata[k]
		if v == "" {
			continue
		}
		if k == "SIZE" {
			d["size"] = v
		} else if checksum.IsValidHash(k) {
			d[k] = v
		}
	}
	return &BinpkgVerifier{Path: path, Digests: d, Out: out}
}

// Verify returns a DigestError when the file does not match. A package
// without a recorded size is accepted as is. A file that fails is moved
// aside so that the next fetch starts over.
func (b *BinpkgVerifier) Verify() error {
	if _, ok := b.Digests["size"]; !ok {
		return nil
	}
	if _, err := os.Stat(b.Path); err != nil {
		return fmt.Errorf("fetching binary failed for '%s': %w", b.Path, err)
	}
	ok, reason, got, expected := checksum.VerifyAll(b.Path, b.Digests, true)
	if !ok && reason == "Insufficient data for checksum verification" {
		ok = true
	}
	if !ok {
		e := &exception.DigestError{Path: b.Path, Reason: reason, Got: got, Expected: expected}
		if moved := b.moveAside(); moved != "" && b.Out != nil {
			b.Out.Eerror(fmt.Sprintf("Digest verification failed: %s", e))
			b.Out.Eerror("File renamed to '" + moved + "'")
		}
		return e
	}
	if b.Out != nil {
		var names []string
		for k := range b.Digests {
			names = append(names, k)
		}
		sort.Strings(names)
		b.Out.Ebegin(fmt.Sprintf("%s %s ;-)", filepath.Base(strings.TrimSuffix(b.Path, ".partial")), strings.Join(names, " ")))
		b.Out.Eend(0, "")
	}
	return nil
}

func (b *BinpkgVerifier) moveAside() string {
	dir, base := filepath.Split(b.Path)
	f, err := os.CreateTemp(dir, base+"._checksum_failure_.")
	if err != nil {
		return ""
	}
	name := f.Name()
	f.Close()
	if err := os.Rename(b.Path, name); err != nil {
		os.Remove(name)
		return ""
	}
	return name
}
