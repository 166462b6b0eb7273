package repo

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/html"

	"github.com/bigrig/bigrig/internal/config"
	"github.com/bigrig/bigrig/internal/dist"
)

// SimpleRepo is a PEP 503 compliant repository, such as pypi.org/simple.
type SimpleRepo struct {
	location string
	base     *url.URL
	creds    *config.Credentials
	client   *Client
	verifier *Verifier
	progress io.Writer
}

// NewSimpleRepo opens the simple index at location.
func NewSimpleRepo(location string, creds *config.Credentials, opts Options) (*SimpleRepo, error) {
	base, err := url.Parse(location)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid repository URL %q", location)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	client := opts.Client
	if client == nil {
		client = NewClient(ClientConfig{})
	}
	return &SimpleRepo{
		location: location,
		base:     base,
		creds:    creds,
		client:   client,
		verifier: opts.Verifier,
		progress: opts.Progress,
	}, nil
}

// Location implements Repository.
func (r *SimpleRepo) Location() string {
	return r.location
}

func (r *SimpleRepo) projectURL(project string) *url.URL {
	return r.base.ResolveReference(&url.URL{Path: dist.NormalizeName(project) + "/"})
}

// credentialsFor returns the repository credentials when u is served by
// the index host itself, so they are never sent to a third party.
func (r *SimpleRepo) credentialsFor(u string) *config.Credentials {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host != r.base.Host {
		return nil
	}
	return r.creds
}

// ProjectFiles implements Repository.
func (r *SimpleRepo) ProjectFiles(ctx context.Context, project string) ([]DistributionPackage, error) {
	pageURL := r.projectURL(project)
	resp, err := r.client.Get(ctx, pageURL.String(), r.creds)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		closeRespBody(resp)
		return nil, errors.Wrapf(ErrNotAvailable, "project %s is not in %s", project, r.base.Redacted())
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	defer closeRespBody(resp)

	// Redirects change the base for relative links.
	files, err := parseSimplePage(resp.Body, resp.Request.URL, project)
	if err != nil {
		return nil, errors.Wrapf(err, "parse index page for %s", project)
	}
	slog.Debug("listed project files", "repo", r.base.Redacted(), "project", project, "files", len(files))
	return files, nil
}

// Download implements Repository. The advertised digest is verified, and
// so is the detached signature when a verifier is configured and the index
// offers one. The signature is kept next to the file as <file>.asc.
func (r *SimpleRepo) Download(ctx context.Context, project, filename, destDir string) (string, error) {
	if err := validateFilename(filename); err != nil {
		return "", err
	}

	files, err := r.ProjectFiles(ctx, project)
	if err != nil {
		return "", err
	}
	var pkg *DistributionPackage
	for i := range files {
		if files[i].Filename == filename {
			pkg = &files[i]
			break
		}
	}
	if pkg == nil {
		return "", errors.Wrapf(ErrNotAvailable, "%s is not available in project %s", filename, project)
	}

	dest := filepath.Join(destDir, filename)
	_, err = DownloadFile(ctx, r.client, pkg.URL, dest, DownloadOptions{
		Credentials: r.credentialsFor(pkg.URL),
		Progress:    r.progress,
		Digests:     pkg.Digests,
	})
	if err != nil {
		return "", err
	}
	slog.Info("downloaded", "repo", r.base.Redacted(), "project", project, "path", dest)

	if r.verifier == nil || pkg.SignatureURL == "" {
		return dest, nil
	}
	sigPath := dest + ".asc"
	_, err = DownloadFile(ctx, r.client, pkg.SignatureURL, sigPath, DownloadOptions{
		Credentials: r.credentialsFor(pkg.SignatureURL),
	})
	if err == nil {
		err = r.verifier.VerifyFile(dest, sigPath)
	}
	if err != nil {
		_ = os.Remove(dest)
		_ = os.Remove(sigPath)
		return "", errors.Wrapf(err, "signature of %s", filename)
	}
	return dest, nil
}

// parseSimplePage extracts the anchors of a PEP 503 project page.
func parseSimplePage(body io.Reader, pageURL *url.URL, project string) ([]DistributionPackage, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return nil, err
	}

	base := pageURL
	var files []DistributionPackage
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "base":
				if href, ok := attr(n, "href"); ok {
					if u, err := pageURL.Parse(href); err == nil {
						base = u
					}
				}
			case "a":
				if pkg, ok := anchorPackage(n, base, project); ok {
					files = append(files, pkg)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return files, nil
}

func anchorPackage(n *html.Node, base *url.URL, project string) (DistributionPackage, bool) {
	href, ok := attr(n, "href")
	if !ok {
		return DistributionPackage{}, false
	}
	u, err := base.Parse(href)
	if err != nil {
		slog.Debug("skipping unparseable link", "project", project, "href", href, "error", err)
		return DistributionPackage{}, false
	}

	digests := map[string]string{}
	if name, value, found := strings.Cut(u.Fragment, "="); found && value != "" {
		digests[strings.ToLower(name)] = value
	}
	u.Fragment = ""
	u.RawFragment = ""

	filename := strings.TrimSpace(text(n))
	if filename == "" {
		filename = path.Base(u.Path)
	}

	pkg := packageFromFilename(project, filename)
	pkg.URL = u.String()
	pkg.Digests = digests
	pkg.RequiresPython, _ = attr(n, "data-requires-python")
	if sig, ok := attr(n, "data-gpg-sig"); ok && strings.EqualFold(sig, "true") {
		pkg.SignatureURL = pkg.URL + ".asc"
	}
	if reason, ok := attr(n, "data-yanked"); ok {
		pkg.Yanked = true
		pkg.YankedReason = reason
	}
	return pkg, true
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
