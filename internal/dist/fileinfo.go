package dist

import (
	"bytes"
	"crypto/md5" // #nosec G501 - MD5 digest is part of the legacy upload protocol
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"
)

// Digest algorithm names as they appear in index URL fragments.
const (
	MD5     = "md5"
	SHA256  = "sha256"
	BLAKE2b = "blake2b_256"
)

// Checksums holds the digests of a distribution file.
// A nil value means the digest is not known.
type Checksums struct {
	MD5     []byte
	SHA256  []byte
	BLAKE2b []byte
}

// FileInfo is a set of meta data of a distribution file.
type FileInfo struct {
	filename  string
	size      uint64
	checksums Checksums
}

// Same returns true if t has the same size and checksum values.
// Digests missing from fi are not compared.
func (fi *FileInfo) Same(t *FileInfo) bool {
	if fi == t {
		return true
	}
	if t == nil {
		return false
	}
	if fi.filename != t.filename {
		return false
	}
	if fi.size != t.size {
		return false
	}
	if fi.checksums.MD5 != nil && !bytes.Equal(fi.checksums.MD5, t.checksums.MD5) {
		return false
	}
	if fi.checksums.SHA256 != nil && !bytes.Equal(fi.checksums.SHA256, t.checksums.SHA256) {
		return false
	}
	if fi.checksums.BLAKE2b != nil && !bytes.Equal(fi.checksums.BLAKE2b, t.checksums.BLAKE2b) {
		return false
	}
	return true
}

// Filename returns the base name of the file.
func (fi *FileInfo) Filename() string {
	return fi.filename
}

// Size returns the number of bytes of the file body.
func (fi *FileInfo) Size() uint64 {
	return fi.size
}

// Digest returns the hex encoded digest for algo, or an empty string.
func (fi *FileInfo) Digest(algo string) string {
	var sum []byte
	switch strings.ToLower(algo) {
	case MD5:
		sum = fi.checksums.MD5
	case SHA256:
		sum = fi.checksums.SHA256
	case BLAKE2b:
		sum = fi.checksums.BLAKE2b
	}
	if sum == nil {
		return ""
	}
	return hex.EncodeToString(sum)
}

// Verify checks fi against a digest advertised by an index.
// Unknown algorithms are accepted without checking.
func (fi *FileInfo) Verify(algo, hexDigest string) error {
	got := fi.Digest(algo)
	if got == "" {
		slog.Debug("digest not checked", "filename", fi.filename, "algorithm", algo)
		return nil
	}
	if !strings.EqualFold(got, hexDigest) {
		return errors.Newf("%s digest mismatch for %s: got %s, want %s", algo, fi.filename, got, hexDigest)
	}
	return nil
}

type fileInfoJSON struct {
	Filename      string
	Size          int64
	MD5Sum        string
	SHA256Sum     string
	BLAKE2b256Sum string
}

// MarshalJSON implements json.Marshaler
func (fi *FileInfo) MarshalJSON() ([]byte, error) {
	var fij fileInfoJSON
	fij.Filename = fi.filename
	if fi.size > math.MaxInt64 {
		return nil, errors.Newf("file size %d exceeds maximum int64 value", fi.size)
	}
	fij.Size = int64(fi.size)
	fij.MD5Sum = fi.Digest(MD5)
	fij.SHA256Sum = fi.Digest(SHA256)
	fij.BLAKE2b256Sum = fi.Digest(BLAKE2b)
	return json.Marshal(&fij)
}

// UnmarshalJSON implements json.Unmarshaler
func (fi *FileInfo) UnmarshalJSON(data []byte) error {
	var fij fileInfoJSON
	if err := json.Unmarshal(data, &fij); err != nil {
		return err
	}
	fi.filename = fij.Filename
	if fij.Size < 0 {
		return errors.Newf("negative file size %d not allowed", fij.Size)
	}
	fi.size = uint64(fij.Size)

	decode := func(s, name string) ([]byte, error) {
		if s == "" {
			return nil, nil
		}
		sum, err := hex.DecodeString(s)
		if err != nil {
			return nil, errors.Wrapf(err, "UnmarshalJSON %s for %s", name, fij.Filename)
		}
		return sum, nil
	}

	var err error
	if fi.checksums.MD5, err = decode(fij.MD5Sum, "MD5Sum"); err != nil {
		return err
	}
	if fi.checksums.SHA256, err = decode(fij.SHA256Sum, "SHA256Sum"); err != nil {
		return err
	}
	if fi.checksums.BLAKE2b, err = decode(fij.BLAKE2b256Sum, "BLAKE2b256Sum"); err != nil {
		return err
	}
	return nil
}

// CopyWithFileInfo copies from src to dst until either EOF is reached
// on src or an error occurs, and returns FileInfo calculated while copying.
func CopyWithFileInfo(dst io.Writer, src io.Reader, filename string) (*FileInfo, error) {
	md5hash := md5.New() // #nosec G401 - MD5 digest is part of the legacy upload protocol
	sha256hash := sha256.New()
	blakehash, err := blake2b.New256(nil)
	if err != nil {
		return nil, errors.Wrap(err, "blake2b")
	}

	w := io.MultiWriter(md5hash, sha256hash, blakehash, dst)
	n, err := io.Copy(w, src)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		filename: filename,
		size:     uint64(n), // #nosec G115 - io.Copy returns a non-negative count on success
		checksums: Checksums{
			MD5:     md5hash.Sum(nil),
			SHA256:  sha256hash.Sum(nil),
			BLAKE2b: blakehash.Sum(nil),
		},
	}, nil
}

// MakeFileInfoNoChecksum constructs a FileInfo without calculating checksums.
func MakeFileInfoNoChecksum(filename string, size uint64) *FileInfo {
	return &FileInfo{
		filename: filename,
		size:     size,
	}
}
