package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/jzelinskie/whirlpool"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"

	"github.com/ppphp/emergo/pkg/exception"
)

const HashingBlocksize = 32768

var (
	hashFuncMap   = map[string]*generateHashFunction{}
	hashOriginMap = map[string]string{}
	hashFuncKeys  = map[string]bool{}
)

type generateHashFunction struct {
	newHash func() hash.Hash
}

func (g *generateHashFunction) checksumStr(data string) []byte {
	h := g.newHash()
	h.Write([]byte(data))
	return h.Sum(nil)
}

func (g *generateHashFunction) checksumFile(fname string) ([]byte, int64, error) {
	f, err := os.Open(fname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, exception.FileNotFound(fname)
		}
		if os.IsPermission(err) {
			return nil, 0, exception.PermissionDenied(fname)
		}
		return nil, 0, err
	}
	defer f.Close()
	h := g.newHash()
	size, err := io.CopyBuffer(h, f, make([]byte, HashingBlocksize))
	if err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), size, nil
}

func newGenerateHashFunction(hashType string, newHash func() hash.Hash, origin string) *generateHashFunction {
	g := &generateHashFunction{newHash: newHash}
	hashFuncMap[hashType] = g
	hashOriginMap[hashType] = origin
	hashFuncKeys[hashType] = true
	return g
}

func init() {
	newGenerateHashFunction("MD5", md5.New, "hashlib")
	newGenerateHashFunction("SHA1", sha1.New, "hashlib")
	newGenerateHashFunction("SHA256", sha256.New, "hashlib")
	newGenerateHashFunction("SHA512", sha512.New, "hashlib")
	newGenerateHashFunction("RMD160", ripemd160.New, "x/crypto")
	newGenerateHashFunction("WHIRLPOOL", whirlpool.New, "whirlpool")
	newGenerateHashFunction("BLAKE2B", func() hash.Hash {
		b, _ := blake2b.New512(nil)
		return b
	}, "x/crypto")
	newGenerateHashFunction("BLAKE2S", func() hash.Hash {
		s, _ := blake2s.New256(nil)
		return s
	}, "x/crypto")
	newGenerateHashFunction("SHA3_256", sha3.New256, "x/crypto")
	newGenerateHashFunction("SHA3_512", sha3.New512, "x/crypto")
}

func digestError(hashname string) error {
	return fmt.Errorf("%s hash function not available", hashname)
}

func GetValidChecksumKeys() []string {
	keys := make([]string, 0, len(hashFuncKeys))
	for k := range hashFuncKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func IsValidHash(hashname string) bool {
	return hashFuncKeys[hashname]
}

func getHashOrigin(hashtype string) string {
	if v, ok := hashOriginMap[hashtype]; ok {
		return v
	}
	return "unknown"
}

// PerformChecksum returns the raw digest and size of fname.
func PerformChecksum(fname, hashname string) ([]byte, int64, error) {
	g, ok := hashFuncMap[hashname]
	if !ok {
		return nil, 0, digestError(hashname)
	}
	return g.checksumFile(fname)
}

// PerformMd5 returns the hex MD5 of fname, the digest CONTENTS records.
func PerformMd5(x string) (string, error) {
	return PerformHex(x, "MD5")
}

// PerformHex is PerformChecksum hex encoded.
func PerformHex(x, hashname string) (string, error) {
	b, _, err := PerformChecksum(x, hashname)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// PerformMultipleChecksums digests fname once per requested hash.
func PerformMultipleChecksums(fname string, hashes []string) (map[string]string, error) {
	rVal := map[string]string{}
	for _, x := range hashes {
		y, err := PerformHex(fname, x)
		if err != nil {
			return nil, err
		}
		rVal[x] = y
	}
	return rVal, nil
}

func checksumStr(data, hashname string) []byte {
	g, ok := hashFuncMap[hashname]
	if !ok {
		return []byte{}
	}
	return g.checksumStr(data)
}

// ChecksumStr digests data in memory and hex encodes the result.
func ChecksumStr(data, hashname string) (string, error) {
	if !hashFuncKeys[hashname] {
		return "", digestError(hashname)
	}
	return hex.EncodeToString(checksumStr(data, hashname)), nil
}

type HashFilter func(string) bool

// NewHashFilter parses a filter such as "SHA512 -MD5 *".
func NewHashFilter(filterStr string) HashFilter {
	tokens := strings.Fields(strings.ToUpper(filterStr))
	if len(tokens) == 0 || tokens[len(tokens)-1] == "*" {
		tokens = nil
	}
	transparent := len(tokens) == 0
	return func(hashName string) bool {
		if transparent {
			return true
		}
		for _, token := range tokens {
			if token == "*" || token == hashName {
				return true
			} else if token[:1] == "-" {
				if token[1:] == "*" || token[1:] == hashName {
					return false
				}
			}
		}
		return false
	}
}

// VerifyAll checks fname against the recorded digests. On mismatch it
// returns the reason together with the observed and expected values.
func VerifyAll(fname string, mydict map[string]string, strict bool) (bool, string, string, string) {
	st, err := os.Stat(fname)
	if err != nil {
		return false, "File not found", "", ""
	}
	if size, ok := mydict["size"]; ok && fmt.Sprint(st.Size()) != size {
		return false, "Filesize does not match recorded size", fmt.Sprint(st.Size()), size
	}
	var names []string
	for k := range mydict {
		if k != "size" && hashFuncKeys[k] {
			names = append(names, k)
		}
	}
	if len(names) == 0 {
		return false, "Insufficient data for checksum verification", "", strings.Join(GetValidChecksumKeys(), " ")
	}
	sort.Strings(names)
	for _, x := range names {
		myHash, err := PerformHex(fname, x)
		if err != nil {
			return false, err.Error(), "", mydict[x]
		}
		if myHash != strings.ToLower(mydict[x]) {
			return false, fmt.Sprintf("Failed on %s verification", x), myHash, mydict[x]
		}
		if !strict {
			break
		}
	}
	return true, "", "", ""
}
