package repo

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"

	"github.com/bigrig/bigrig/internal/dist"
)

// LocalRepo stores distributions in a directory tree laid out like a
// simple index: <root>/<normalized project>/<filename>.
type LocalRepo struct {
	location string
	root     string
	verifier *Verifier

	once    sync.Once
	storage *Storage
	openErr error
	saveMu  sync.Mutex
}

// NewLocalRepo opens the directory at location. The directory is created
// on the first upload.
func NewLocalRepo(location string, opts Options) (*LocalRepo, error) {
	if err := validateDirectoryPath(location); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(location)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", location)
	}
	if st, err := os.Stat(root); err == nil && !st.IsDir() {
		return nil, errors.New("not a directory: " + root)
	}
	return &LocalRepo{location: location, root: root, verifier: opts.Verifier}, nil
}

// Location implements Repository.
func (r *LocalRepo) Location() string {
	return r.location
}

// open loads the checksum index. Only writers create the root directory;
// readers of a missing root get an error that is both ErrNotAvailable and
// fs.ErrNotExist.
func (r *LocalRepo) open(create bool) (*Storage, error) {
	if create {
		if err := os.MkdirAll(r.root, 0750); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(r.root); os.IsNotExist(err) {
		return nil, errors.Mark(
			errors.Wrapf(ErrNotAvailable, "repository %s does not exist", r.location),
			fs.ErrNotExist)
	}

	r.once.Do(func() {
		st, err := NewStorage(r.root)
		if err != nil {
			r.openErr = err
			return
		}
		if err := st.Load(); err != nil {
			r.openErr = err
			return
		}
		r.storage = st
	})
	return r.storage, r.openErr
}

// ProjectFiles implements Repository.
func (r *LocalRepo) ProjectFiles(ctx context.Context, project string) ([]DistributionPackage, error) {
	st, err := r.open(false)
	if err != nil {
		return nil, err
	}

	name := dist.NormalizeName(project)
	entries, err := os.ReadDir(filepath.Join(r.root, name))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotAvailable, "project %s is not in %s", project, r.location)
	}
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Name()] = true
	}

	var files []DistributionPackage
	for _, e := range entries {
		fn := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(fn, ".") || strings.HasSuffix(fn, ".asc") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := path.Join(name, fn)
		pkg := packageFromFilename(project, fn)
		pkg.URL = fileURL(filepath.Join(r.root, name, fn))
		pkg.Digests = map[string]string{}
		if fi := st.Lookup(p); fi != nil {
			for _, algo := range []string{dist.SHA256, dist.MD5, dist.BLAKE2b} {
				if d := fi.Digest(algo); d != "" {
					pkg.Digests[algo] = d
				}
			}
		}
		if present[fn+".asc"] {
			pkg.SignatureURL = pkg.URL + ".asc"
		}
		files = append(files, pkg)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files, nil
}

func fileURL(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

// Download implements Repository. The copy is checked against the
// recorded digests, and against the signature when a verifier is set.
func (r *LocalRepo) Download(ctx context.Context, project, filename, destDir string) (string, error) {
	if err := validateFilename(filename); err != nil {
		return "", err
	}
	st, err := r.open(false)
	if err != nil {
		return "", err
	}

	p := path.Join(dist.NormalizeName(project), filename)
	src, err := st.Open(p)
	if os.IsNotExist(err) {
		return "", errors.Wrapf(ErrNotAvailable, "%s is not available in project %s", filename, project)
	}
	if err != nil {
		return "", err
	}
	defer src.Close()

	dest := filepath.Join(destDir, filename)
	fi, err := copyAtomically(dest, src, filename)
	if err != nil {
		return "", err
	}
	if recorded := st.Lookup(p); recorded != nil && !recorded.Same(fi) {
		_ = os.Remove(dest)
		return "", errors.Newf("%s does not match its recorded checksums", p)
	}

	sigSrc, _ := st.Path(p + ".asc")
	if _, err := os.Stat(sigSrc); err == nil {
		if err := copyFile(sigSrc, dest+".asc"); err != nil {
			return "", err
		}
		if r.verifier != nil {
			if err := r.verifier.VerifyFile(dest, dest+".asc"); err != nil {
				_ = os.Remove(dest)
				_ = os.Remove(dest + ".asc")
				return "", err
			}
		}
	}

	slog.Info("copied", "repo", r.location, "project", project, "path", dest)
	return dest, ctx.Err()
}

// Upload implements Repository. Existing files are never replaced.
func (r *LocalRepo) Upload(ctx context.Context, project, filePath string) error {
	filename := filepath.Base(filePath)
	if _, err := dist.ParseFilename(filename, project); err != nil {
		return errors.Wrapf(err, "upload %s", filePath)
	}
	st, err := r.open(true)
	if err != nil {
		return err
	}

	p := path.Join(dist.NormalizeName(project), filename)
	dest, err := st.Path(p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		return errors.Wrapf(ErrAlreadyExists, "%s in %s", p, r.location)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return err
	}

	src, err := os.Open(filePath) // #nosec G304 - operator supplied distribution file
	if err != nil {
		return err
	}
	defer src.Close()
	fi, err := copyAtomically(dest, src, filename)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filePath + ".asc"); err == nil {
		if err := copyFile(filePath+".asc", dest+".asc"); err != nil {
			return err
		}
	}
	if err := DirSync(filepath.Dir(dest)); err != nil {
		return err
	}

	if err := st.Record(p, fi); err != nil {
		return err
	}
	r.saveMu.Lock()
	err = st.Save()
	r.saveMu.Unlock()
	if err != nil {
		return err
	}

	slog.Info("stored", "repo", r.location, "project", project, "path", dest, "size", fi.Size())
	return ctx.Err()
}

// copyAtomically writes src to dest through a pending file, computing
// digests on the way.
func copyAtomically(dest string, src io.Reader, filename string) (*dist.FileInfo, error) {
	pf, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0644))
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", dest)
	}
	defer func() { _ = pf.Cleanup() }()

	fi, err := dist.CopyWithFileInfo(pf, src, filename)
	if err != nil {
		return nil, errors.Wrapf(err, "copy to %s", dest)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return nil, errors.Wrapf(err, "store %s", dest)
	}
	return fi, nil
}

func copyFile(src, dest string) error {
	f, err := os.Open(src) // #nosec G304 - path validated by caller
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = copyAtomically(dest, f, filepath.Base(dest))
	return err
}
