package repo

import (
	"context"
	"io"
	"path/filepath"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"

	"github.com/bigrig/bigrig/internal/config"
	"github.com/bigrig/bigrig/internal/dist"
)

// DownloadOptions tune DownloadFile.
type DownloadOptions struct {
	Credentials *config.Credentials
	// Progress receives a progress bar when set.
	Progress io.Writer
	// Digests are verified before the file is put in place.
	Digests map[string]string
}

// DownloadFile streams url into dest. dest only appears once the body was
// read completely and matched opts.Digests; on failure nothing is left
// behind.
func DownloadFile(ctx context.Context, client *Client, url, dest string, opts DownloadOptions) (*dist.FileInfo, error) {
	resp, err := client.Get(ctx, url, opts.Credentials)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	defer closeRespBody(resp)

	pf, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0644))
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", dest)
	}
	defer func() { _ = pf.Cleanup() }()

	var body io.Reader = resp.Body
	if opts.Progress != nil {
		bar := pb.New64(resp.ContentLength)
		bar.SetTemplate(pb.Full)
		bar.SetWriter(opts.Progress)
		bar.Set(pb.Bytes, true)
		bar.Set("prefix", filepath.Base(dest))
		bar.Start()
		defer bar.Finish()
		body = bar.NewProxyReader(resp.Body)
	}

	fi, err := dist.CopyWithFileInfo(pf, body, filepath.Base(dest))
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", url)
	}
	for algo, digest := range opts.Digests {
		if err := fi.Verify(algo, digest); err != nil {
			return nil, err
		}
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return nil, errors.Wrapf(err, "store %s", dest)
	}
	return fi, nil
}
