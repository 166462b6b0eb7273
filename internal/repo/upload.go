package repo

import (
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/bigrig/bigrig/internal/dist"
)

// uploadRequest is everything sent for one file in the legacy upload
// protocol.
type uploadRequest struct {
	path     string
	sigPath  string
	meta     *dist.Metadata
	filename dist.Filename
	info     *dist.FileInfo
}

// prepareUpload reads metadata and digests of the distribution at path.
func prepareUpload(project, path string) (*uploadRequest, error) {
	name := filepath.Base(path)
	fn, err := dist.ParseFilename(name, project)
	if err != nil {
		return nil, err
	}
	meta, err := dist.ReadMetadata(path)
	if err != nil {
		return nil, err
	}
	if dist.NormalizeName(meta.Name) != dist.NormalizeName(project) {
		return nil, errors.Newf("%s contains project %q, not %q", name, meta.Name, project)
	}

	f, err := os.Open(path) // #nosec G304 - operator supplied distribution file
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := dist.CopyWithFileInfo(io.Discard, f, name)
	if err != nil {
		return nil, errors.Wrapf(err, "digest %s", path)
	}

	req := &uploadRequest{path: path, meta: meta, filename: fn, info: fi}
	if _, err := os.Stat(path + ".asc"); err == nil {
		req.sigPath = path + ".asc"
	}
	return req, nil
}

// writeForm writes the multipart form understood by the legacy upload API.
func (u *uploadRequest) writeForm(mw *multipart.Writer) error {
	m := u.meta
	fields := [][2]string{
		{":action", "file_upload"},
		{"protocol_version", "1"},
		{"metadata_version", m.MetadataVersion},
		{"name", m.Name},
		{"version", m.Version},
		{"filetype", u.filename.PackageType},
		{"pyversion", u.filename.PythonTag},
		{"summary", m.Summary},
		{"home_page", m.HomePage},
		{"author", m.Author},
		{"author_email", m.AuthorEmail},
		{"license", m.License},
		{"description", m.Description},
		{"description_content_type", m.DescriptionContentType},
		{"requires_python", m.RequiresPython},
		{"md5_digest", u.info.Digest(dist.MD5)},
		{"sha256_digest", u.info.Digest(dist.SHA256)},
		{"blake2_256_digest", u.info.Digest(dist.BLAKE2b)},
	}
	for _, c := range m.Classifiers {
		fields = append(fields, [2]string{"classifiers", c})
	}
	for _, r := range m.RequiresDist {
		fields = append(fields, [2]string{"requires_dist", r})
	}

	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	if u.sigPath != "" {
		if err := copyFormFile(mw, "gpg_signature", u.sigPath); err != nil {
			return err
		}
	}
	if err := copyFormFile(mw, "content", u.path); err != nil {
		return err
	}
	return mw.Close()
}

func copyFormFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path) // #nosec G304 - operator supplied distribution file
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// Upload implements Repository using the legacy upload API spoken by
// twine. The form is streamed, so uploads are never retried.
func (r *SimpleRepo) Upload(ctx context.Context, project, path string) error {
	u, err := prepareUpload(project, path)
	if err != nil {
		return errors.Wrapf(err, "upload %s", path)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(u.writeForm(mw))
	}()
	defer pr.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base.String(), pr)
	if err != nil {
		return errors.Wrapf(err, "upload %s", path)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req, r.creds)
	if err != nil {
		return errors.Wrapf(err, "upload %s", path)
	}

	if err := checkStatus(resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && isAlreadyExists(se, resp.Status) {
			return errors.Mark(errors.Wrapf(err, "upload %s", filepath.Base(path)), ErrAlreadyExists)
		}
		return errors.Wrapf(err, "upload %s", path)
	}
	closeRespBody(resp)

	slog.Info("uploaded", "repo", r.base.Redacted(), "project", project, "path", path,
		"signed", u.sigPath != "")
	return nil
}

func isAlreadyExists(se *StatusError, status string) bool {
	switch se.StatusCode {
	case http.StatusConflict:
		return true
	case http.StatusBadRequest:
		const phrase = "file already exists"
		return strings.Contains(strings.ToLower(status), phrase) ||
			strings.Contains(strings.ToLower(se.Body), phrase)
	}
	return false
}
