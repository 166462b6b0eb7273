// Package repo implements stores of Python distributions: PEP 503 simple
// indexes reached over HTTP and plain directory trees.
package repo

import (
	"context"
	"io"
	"log/slog"
	"sort"

	version "github.com/aquasecurity/go-pep440-version"
	"github.com/cockroachdb/errors"

	"github.com/bigrig/bigrig/internal/config"
	"github.com/bigrig/bigrig/internal/dist"
)

var (
	// ErrNotAvailable means the requested project or file is not in the repository.
	ErrNotAvailable = errors.New("not available")
	// ErrAlreadyExists means an upload collided with an existing file.
	ErrAlreadyExists = errors.New("file already exists")
)

// Repository is a place where Python distribution files are stored.
type Repository interface {
	// Location returns the URL or directory the repository was opened with.
	Location() string

	// ProjectFiles lists every distribution file of project.
	ProjectFiles(ctx context.Context, project string) ([]DistributionPackage, error)

	// Download fetches filename of project into destDir and returns the
	// local path.
	Download(ctx context.Context, project, filename, destDir string) (string, error)

	// Upload adds the distribution at path to project.
	Upload(ctx context.Context, project, path string) error
}

// DistributionPackage is one file listed by a repository.
type DistributionPackage struct {
	Filename       string
	URL            string
	Project        string
	Version        string
	PackageType    string
	Digests        map[string]string
	RequiresPython string
	SignatureURL   string
	Yanked         bool
	YankedReason   string
}

// Options tune how repositories are opened.
type Options struct {
	// Client is shared by every SimpleRepo; nil means a default client.
	Client *Client
	// Verifier checks detached signatures on download when set.
	Verifier *Verifier
	// Progress receives download progress bars; nil disables them.
	Progress io.Writer
}

// New opens location as a SimpleRepo when it is an HTTP(S) URL and as a
// LocalRepo otherwise.
func New(location string, creds *config.Credentials, opts Options) (Repository, error) {
	if config.IsURL(location) {
		return NewSimpleRepo(location, creds, opts)
	}
	if creds != nil {
		slog.Debug("credentials are ignored for local repository", "repo", location)
	}
	return NewLocalRepo(location, opts)
}

// DownloadSdist downloads the first sdist of project at version into dir.
func DownloadSdist(ctx context.Context, r Repository, project, ver, dir string) (string, error) {
	files, err := r.ProjectFiles(ctx, project)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if f.PackageType == dist.TypeSdist && f.Version == ver {
			return r.Download(ctx, project, f.Filename, dir)
		}
	}
	return "", errors.Wrapf(ErrNotAvailable, "no sdists for %s==%s", project, ver)
}

// packageFromFilename fills the fields derivable from a file name.
// Files that are not recognizable distributions keep an empty package type.
func packageFromFilename(project, filename string) DistributionPackage {
	p := DistributionPackage{Filename: filename, Project: project}
	fn, err := dist.ParseFilename(filename, project)
	if err != nil {
		slog.Debug("unrecognized distribution file", "project", project, "filename", filename, "error", err)
		return p
	}
	p.Version = fn.Version
	p.PackageType = fn.PackageType
	return p
}

// Versions returns the distinct parseable versions in files, newest first.
// Unparseable versions are left out.
func Versions(files []DistributionPackage) []string {
	seen := make(map[string]version.Version)
	for _, f := range files {
		if f.Version == "" {
			continue
		}
		if _, ok := seen[f.Version]; ok {
			continue
		}
		v, err := version.Parse(f.Version)
		if err != nil {
			continue
		}
		seen[f.Version] = v
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := seen[out[i]].Compare(seen[out[j]]); c != 0 {
			return c > 0
		}
		return out[i] < out[j]
	})
	return out
}
