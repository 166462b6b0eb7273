package dist

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"net/mail"
	"os"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
)

// maxMetadataSize bounds how much of a PKG-INFO/METADATA member is read.
const maxMetadataSize = 4 << 20

// ErrNoMetadata is returned when an archive carries no core metadata file.
var ErrNoMetadata = errors.New("no core metadata found")

// Metadata is the subset of Python core metadata used by the upload protocol.
type Metadata struct {
	MetadataVersion        string
	Name                   string
	Version                string
	Summary                string
	HomePage               string
	Author                 string
	AuthorEmail            string
	License                string
	RequiresPython         string
	DescriptionContentType string
	Description            string
	Classifiers            []string
	RequiresDist           []string
}

// ParseMetadata parses an RFC 822 style core metadata document.
func ParseMetadata(r io.Reader) (*Metadata, error) {
	msg, err := mail.ReadMessage(bufio.NewReader(r))
	if err != nil {
		return nil, errors.Wrap(err, "parse core metadata")
	}
	h := msg.Header
	md := &Metadata{
		MetadataVersion:        h.Get("Metadata-Version"),
		Name:                   h.Get("Name"),
		Version:                h.Get("Version"),
		Summary:                h.Get("Summary"),
		HomePage:               h.Get("Home-Page"),
		Author:                 h.Get("Author"),
		AuthorEmail:            h.Get("Author-Email"),
		License:                h.Get("License"),
		RequiresPython:         h.Get("Requires-Python"),
		DescriptionContentType: h.Get("Description-Content-Type"),
		Classifiers:            h["Classifier"],
		RequiresDist:           h["Requires-Dist"],
	}
	body, err := io.ReadAll(io.LimitReader(msg.Body, maxMetadataSize))
	if err != nil {
		return nil, errors.Wrap(err, "read metadata body")
	}
	md.Description = strings.TrimSpace(string(body))
	if md.Description == "" {
		md.Description = h.Get("Description")
	}

	if md.Name == "" || md.Version == "" {
		return nil, errors.New("core metadata lacks Name or Version")
	}
	return md, nil
}

// ReadMetadata extracts core metadata from a distribution archive.
func ReadMetadata(filePath string) (*Metadata, error) {
	base := path.Base(filePath)
	lower := strings.ToLower(base)

	switch {
	case strings.HasSuffix(lower, ".whl"):
		return readZipMetadata(filePath, isWheelMetadata)
	case strings.HasSuffix(lower, ".zip"), strings.HasSuffix(lower, ".egg"):
		return readZipMetadata(filePath, isSdistMetadata)
	}

	f, err := os.Open(filePath) // #nosec G304 - caller supplies a distribution path
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader
	switch SdistExtension(base) {
	case ".tar.gz", ".tgz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "gzip %s", base)
		}
		defer gz.Close()
		r = gz
	case ".tar.bz2", ".tbz":
		r = bzip2.NewReader(f)
	case ".tar.xz", ".txz":
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "xz %s", base)
		}
		r = xr
	case ".tar":
		r = f
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", base)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrapf(ErrNoMetadata, "%s", base)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", base)
		}
		if !hdr.FileInfo().Mode().IsRegular() || !isSdistMetadata(hdr.Name) {
			continue
		}
		return ParseMetadata(io.LimitReader(tr, maxMetadataSize))
	}
}

func readZipMetadata(filePath string, match func(string) bool) (*Metadata, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path.Base(filePath))
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !match(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", f.Name)
		}
		md, err := ParseMetadata(io.LimitReader(rc, maxMetadataSize))
		rc.Close()
		return md, err
	}
	return nil, errors.Wrapf(ErrNoMetadata, "%s", path.Base(filePath))
}

// isSdistMetadata matches "<top>/PKG-INFO" (or EGG-INFO/PKG-INFO in eggs)
// but not nested egg-info copies.
func isSdistMetadata(name string) bool {
	name = strings.TrimPrefix(name, "./")
	parts := strings.Split(name, "/")
	return len(parts) == 2 && parts[1] == "PKG-INFO"
}

func isWheelMetadata(name string) bool {
	dir, file := path.Split(name)
	return file == "METADATA" && strings.HasSuffix(strings.TrimSuffix(dir, "/"), ".dist-info") &&
		strings.Count(strings.TrimSuffix(dir, "/"), "/") == 0
}
