// Package dist understands Python distribution files: their names, digests
// and embedded core metadata.
package dist

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

// Package types as used by the upload protocol.
const (
	TypeSdist = "sdist"
	TypeWheel = "bdist_wheel"
	TypeEgg   = "bdist_egg"
)

// ErrUnknownFormat is returned for files that are not Python distributions.
var ErrUnknownFormat = errors.New("unknown distribution format")

var (
	nameSeparators = regexp.MustCompile(`[-_.]+`)

	sdistExtensions = []string{".tar.gz", ".tgz", ".tar.bz2", ".tbz", ".tar.xz", ".txz", ".zip", ".tar"}
)

// NormalizeName returns the PEP 503 normalized form of a project name.
func NormalizeName(name string) string {
	return strings.ToLower(nameSeparators.ReplaceAllString(name, "-"))
}

// Filename is the information encoded in a distribution file name.
type Filename struct {
	Project     string
	Version     string
	PackageType string
	// PythonTag is "source" for sdists.
	PythonTag string
	ABITag    string
	Platform  string
	BuildTag  string
}

// SdistExtension returns the sdist extension of filename, or "".
func SdistExtension(filename string) string {
	lower := strings.ToLower(filename)
	for _, ext := range sdistExtensions {
		if strings.HasSuffix(lower, ext) {
			return ext
		}
	}
	return ""
}

// ParseFilename splits a distribution filename into its parts.
//
// project is optional. When given, the name prefix of an sdist is matched
// on its normalized form, which disambiguates names containing dashes.
func ParseFilename(filename, project string) (Filename, error) {
	switch {
	case strings.HasSuffix(strings.ToLower(filename), ".whl"):
		return parseWheel(filename)
	case strings.HasSuffix(strings.ToLower(filename), ".egg"):
		return parseEgg(filename)
	}

	ext := SdistExtension(filename)
	if ext == "" {
		return Filename{}, errors.Wrapf(ErrUnknownFormat, "%q", filename)
	}
	stem := filename[:len(filename)-len(ext)]

	if project != "" {
		want := NormalizeName(project)
		for i := 0; i < len(stem); i++ {
			if stem[i] != '-' {
				continue
			}
			if NormalizeName(stem[:i]) == want && i+1 < len(stem) {
				return Filename{
					Project:     stem[:i],
					Version:     stem[i+1:],
					PackageType: TypeSdist,
					PythonTag:   "source",
				}, nil
			}
		}
		return Filename{}, errors.Newf("sdist %q does not belong to project %q", filename, project)
	}

	i := strings.LastIndex(stem, "-")
	if i <= 0 || i == len(stem)-1 {
		return Filename{}, errors.Newf("cannot split sdist name %q into project and version", filename)
	}
	return Filename{
		Project:     stem[:i],
		Version:     stem[i+1:],
		PackageType: TypeSdist,
		PythonTag:   "source",
	}, nil
}

// parseWheel follows the PEP 427 naming convention:
// {name}-{version}(-{build})?-{python}-{abi}-{platform}.whl
func parseWheel(filename string) (Filename, error) {
	parts := strings.Split(filename[:len(filename)-len(".whl")], "-")
	fn := Filename{PackageType: TypeWheel}
	switch len(parts) {
	case 5:
		fn.Project, fn.Version = parts[0], parts[1]
		fn.PythonTag, fn.ABITag, fn.Platform = parts[2], parts[3], parts[4]
	case 6:
		fn.Project, fn.Version, fn.BuildTag = parts[0], parts[1], parts[2]
		fn.PythonTag, fn.ABITag, fn.Platform = parts[3], parts[4], parts[5]
	default:
		return Filename{}, errors.Newf("invalid wheel filename %q", filename)
	}
	return fn, nil
}

// parseEgg handles {name}-{version}(-{python}(-{platform})?)?.egg
func parseEgg(filename string) (Filename, error) {
	parts := strings.SplitN(filename[:len(filename)-len(".egg")], "-", 4)
	if len(parts) < 2 {
		return Filename{}, errors.Newf("invalid egg filename %q", filename)
	}
	fn := Filename{
		Project:     parts[0],
		Version:     parts[1],
		PackageType: TypeEgg,
	}
	if len(parts) > 2 {
		fn.PythonTag = parts[2]
	}
	if len(parts) > 3 {
		fn.Platform = parts[3]
	}
	return fn, nil
}
