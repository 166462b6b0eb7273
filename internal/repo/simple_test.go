package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"

	"github.com/bigrig/bigrig/internal/config"
	"github.com/bigrig/bigrig/internal/dist"
	"github.com/bigrig/bigrig/internal/dist/disttest"
)

func TestParseSimplePage(t *testing.T) {
	t.Parallel()

	page := `<!DOCTYPE html>
<html><body>
<h1>Links for demo-pkg</h1>
<a href="../../files/demo-pkg-1.0.tar.gz#sha256=abc123" data-requires-python="&gt;=3.8">demo-pkg-1.0.tar.gz</a><br/>
<a href="https://cdn.example.com/demo_pkg-1.0-py3-none-any.whl#md5=ffff" data-gpg-sig="true">demo_pkg-1.0-py3-none-any.whl</a><br/>
<a href="/files/demo-pkg-0.9.zip" data-yanked="broken build">demo-pkg-0.9.zip</a>
<a>no href</a>
</body></html>`
	pageURL, _ := url.Parse("https://index.example.com/simple/demo-pkg/")

	got, err := parseSimplePage(strings.NewReader(page), pageURL, "demo-pkg")
	if err != nil {
		t.Fatal(err)
	}

	want := []DistributionPackage{
		{
			Filename:       "demo-pkg-1.0.tar.gz",
			URL:            "https://index.example.com/files/demo-pkg-1.0.tar.gz",
			Project:        "demo-pkg",
			Version:        "1.0",
			PackageType:    dist.TypeSdist,
			Digests:        map[string]string{"sha256": "abc123"},
			RequiresPython: ">=3.8",
		},
		{
			Filename:     "demo_pkg-1.0-py3-none-any.whl",
			URL:          "https://cdn.example.com/demo_pkg-1.0-py3-none-any.whl",
			Project:      "demo-pkg",
			Version:      "1.0",
			PackageType:  dist.TypeWheel,
			Digests:      map[string]string{"md5": "ffff"},
			SignatureURL: "https://cdn.example.com/demo_pkg-1.0-py3-none-any.whl.asc",
		},
		{
			Filename:     "demo-pkg-0.9.zip",
			URL:          "https://index.example.com/files/demo-pkg-0.9.zip",
			Project:      "demo-pkg",
			Version:      "0.9",
			PackageType:  dist.TypeSdist,
			Digests:      map[string]string{},
			Yanked:       true,
			YankedReason: "broken build",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseSimplePage() mismatch (-want +got):\n%s", diff)
	}
}

// fakeIndex is a minimal PEP 503 index with a legacy upload endpoint.
type fakeIndex struct {
	t     *testing.T
	creds *config.Credentials

	mu       sync.Mutex
	files    map[string]map[string][]byte // project -> filename -> body
	sigs     map[string][]byte
	uploads  []url.Values
	conflict int
}

func newFakeIndex(t *testing.T, creds *config.Credentials) (*fakeIndex, *httptest.Server) {
	fi := &fakeIndex{
		t:     t,
		creds: creds,
		files: make(map[string]map[string][]byte),
		sigs:  make(map[string][]byte),
	}
	srv := httptest.NewServer(fi)
	t.Cleanup(srv.Close)
	return fi, srv
}

func (f *fakeIndex) add(project, filename string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[project] == nil {
		f.files[project] = make(map[string][]byte)
	}
	f.files[project][filename] = body
}

func (f *fakeIndex) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.creds != nil {
		user, pass, ok := r.BasicAuth()
		if !ok || user != f.creds.Username || pass != f.creds.Password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/simple/":
		f.handleUpload(w, r)
	case strings.HasPrefix(r.URL.Path, "/simple/"):
		project := strings.Trim(strings.TrimPrefix(r.URL.Path, "/simple/"), "/")
		files, ok := f.files[project]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "<html><body>\n")
		for name, body := range files {
			sum := sha256.Sum256(body)
			sig := ""
			if _, ok := f.sigs[name]; ok {
				sig = ` data-gpg-sig="true"`
			}
			fmt.Fprintf(w, `<a href="../../files/%s#sha256=%s"%s>%s</a>`+"\n", name, hex.EncodeToString(sum[:]), sig, name)
		}
		fmt.Fprintf(w, "</body></html>\n")
	case strings.HasPrefix(r.URL.Path, "/files/"):
		name := strings.TrimPrefix(r.URL.Path, "/files/")
		if strings.HasSuffix(name, ".asc") {
			if sig, ok := f.sigs[strings.TrimSuffix(name, ".asc")]; ok {
				_, _ = w.Write(sig)
				return
			}
		}
		for _, files := range f.files {
			if body, ok := files[name]; ok {
				_, _ = w.Write(body)
				return
			}
		}
		http.NotFound(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeIndex) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("content")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	body, _ := io.ReadAll(file)

	project := dist.NormalizeName(r.FormValue("name"))
	if _, ok := f.files[project][hdr.Filename]; ok {
		f.conflict++
		http.Error(w, "File already exists. See https://pypi.org/help/#file-name-reuse", http.StatusBadRequest)
		return
	}
	if f.files[project] == nil {
		f.files[project] = make(map[string][]byte)
	}
	f.files[project][hdr.Filename] = body

	values := url.Values{}
	for k, v := range r.MultipartForm.Value {
		values[k] = v
	}
	values.Set("content_filename", hdr.Filename)
	if _, ok := r.MultipartForm.File["gpg_signature"]; ok {
		values.Set("has_signature", "true")
	}
	f.uploads = append(f.uploads, values)
}

func testClient() *Client {
	return NewClient(ClientConfig{UserAgent: "bigrig/test", Backoff: time.Millisecond})
}

func TestSimpleRepoProjectFiles(t *testing.T) {
	t.Parallel()

	creds := &config.Credentials{Username: "builder", Password: "s3cret"}
	idx, srv := newFakeIndex(t, creds)
	idx.add("demo-pkg", "demo-pkg-1.0.tar.gz", []byte("one"))
	idx.add("demo-pkg", "demo_pkg-1.0-py3-none-any.whl", []byte("two"))

	r, err := NewSimpleRepo(srv.URL+"/simple", creds, Options{Client: testClient()})
	if err != nil {
		t.Fatal(err)
	}

	files, err := r.ProjectFiles(context.Background(), "Demo_Pkg")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}
	for _, f := range files {
		if f.Version != "1.0" {
			t.Errorf("%s: Version = %q, want 1.0", f.Filename, f.Version)
		}
		if f.Digests[dist.SHA256] == "" {
			t.Errorf("%s: no sha256 digest", f.Filename)
		}
		if !strings.HasPrefix(f.URL, srv.URL+"/files/") {
			t.Errorf("%s: URL = %q", f.Filename, f.URL)
		}
	}

	if _, err := r.ProjectFiles(context.Background(), "missing"); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("err = %v, want ErrNotAvailable", err)
	}

	anon, _ := NewSimpleRepo(srv.URL+"/simple/", nil, Options{Client: testClient()})
	var se *StatusError
	if _, err := anon.ProjectFiles(context.Background(), "demo-pkg"); !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Errorf("err = %v, want status 401", err)
	}
}

func TestSimpleRepoDownload(t *testing.T) {
	t.Parallel()

	idx, srv := newFakeIndex(t, nil)
	idx.add("demo-pkg", "demo-pkg-1.0.tar.gz", []byte("sdist body"))
	r, _ := NewSimpleRepo(srv.URL+"/simple/", nil, Options{Client: testClient()})
	dir := t.TempDir()

	p, err := r.Download(context.Background(), "demo-pkg", "demo-pkg-1.0.tar.gz", dir)
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(dir, "demo-pkg-1.0.tar.gz") {
		t.Errorf("path = %q", p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "sdist body" {
		t.Errorf("content = %q", data)
	}

	if _, err := r.Download(context.Background(), "demo-pkg", "demo-pkg-2.0.tar.gz", dir); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("err = %v, want ErrNotAvailable", err)
	}
	if _, err := r.Download(context.Background(), "demo-pkg", "../escape.tar.gz", dir); err == nil {
		t.Error("expected error for unsafe file name")
	}
}

func TestSimpleRepoDownloadDigestMismatch(t *testing.T) {
	t.Parallel()

	// The page advertises the digest of a different body than served.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/simple/") {
			fmt.Fprintf(w, `<a href="/f/demo-pkg-1.0.tar.gz#sha256=%s">demo-pkg-1.0.tar.gz</a>`, strings.Repeat("0", 64))
			return
		}
		_, _ = w.Write([]byte("tampered"))
	}))
	t.Cleanup(srv.Close)

	r, _ := NewSimpleRepo(srv.URL+"/simple/", nil, Options{Client: testClient()})
	dir := t.TempDir()
	_, err := r.Download(context.Background(), "demo-pkg", "demo-pkg-1.0.tar.gz", dir)
	if err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Fatalf("err = %v, want digest mismatch", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("download left %d files behind", len(entries))
	}
}

func TestSimpleRepoDownloadSignature(t *testing.T) {
	t.Parallel()

	payload, err := os.ReadFile(filepath.Join("testdata", "pgp", "payload.txt"))
	if err != nil {
		t.Fatal(err)
	}
	goodSig, _ := os.ReadFile(filepath.Join("testdata", "pgp", "payload.txt.asc"))
	otherSig, _ := os.ReadFile(filepath.Join("testdata", "pgp", "payload-other.txt.asc"))
	verifier, err := LoadVerifier(filepath.Join("testdata", "pgp", "public-key.asc"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		sig     []byte
		wantErr bool
	}{
		{"valid signature", goodSig, false},
		{"foreign signature", otherSig, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			idx, srv := newFakeIndex(t, nil)
			idx.add("demo-pkg", "demo-pkg-1.0.tar.gz", payload)
			idx.sigs["demo-pkg-1.0.tar.gz"] = tt.sig

			r, _ := NewSimpleRepo(srv.URL+"/simple/", nil, Options{Client: testClient(), Verifier: verifier})
			dir := t.TempDir()
			p, err := r.Download(context.Background(), "demo-pkg", "demo-pkg-1.0.tar.gz", dir)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected signature error")
				}
				if _, statErr := os.Stat(filepath.Join(dir, "demo-pkg-1.0.tar.gz")); !os.IsNotExist(statErr) {
					t.Error("file with bad signature was kept")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if _, err := os.Stat(p + ".asc"); err != nil {
				t.Errorf("signature not kept: %v", err)
			}
		})
	}
}

func TestSimpleRepoUpload(t *testing.T) {
	t.Parallel()

	creds := &config.Credentials{Username: "builder", Password: "s3cret"}
	idx, srv := newFakeIndex(t, creds)
	r, _ := NewSimpleRepo(srv.URL+"/simple/", creds, Options{Client: testClient()})

	dir := t.TempDir()
	sdist := disttest.Sdist(t, dir, "demo-pkg", "1.0")
	if err := os.WriteFile(sdist+".asc", []byte("signature"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := r.Upload(context.Background(), "demo-pkg", sdist); err != nil {
		t.Fatal(err)
	}

	if len(idx.uploads) != 1 {
		t.Fatalf("len(uploads) = %d, want 1", len(idx.uploads))
	}
	got := idx.uploads[0]
	data, _ := os.ReadFile(sdist)
	sum := sha256.Sum256(data)
	want := map[string]string{
		":action":          "file_upload",
		"protocol_version": "1",
		"metadata_version": "2.1",
		"name":             "demo-pkg",
		"version":          "1.0",
		"filetype":         "sdist",
		"pyversion":        "source",
		"sha256_digest":    hex.EncodeToString(sum[:]),
		"content_filename": "demo-pkg-1.0.tar.gz",
		"has_signature":    "true",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("field %s = %q, want %q", k, got.Get(k), v)
		}
	}
	for _, k := range []string{"md5_digest", "blake2_256_digest"} {
		if got.Get(k) == "" {
			t.Errorf("field %s missing", k)
		}
	}

	err := r.Upload(context.Background(), "demo-pkg", sdist)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}

	wheel := disttest.Wheel(t, dir, "demo-pkg", "1.0")
	if err := r.Upload(context.Background(), "demo-pkg", wheel); err != nil {
		t.Fatal(err)
	}
	if ft := idx.uploads[1].Get("filetype"); ft != "bdist_wheel" {
		t.Errorf("wheel filetype = %q", ft)
	}
	if pv := idx.uploads[1].Get("pyversion"); pv != "py3" {
		t.Errorf("wheel pyversion = %q", pv)
	}

	if err := r.Upload(context.Background(), "other", sdist); err == nil {
		t.Error("expected error uploading to the wrong project")
	}
}

func TestSimpleRepoUploadConflict(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusConflict)
	}))
	t.Cleanup(srv.Close)

	r, _ := NewSimpleRepo(srv.URL, nil, Options{Client: testClient()})
	sdist := disttest.Sdist(t, t.TempDir(), "demo-pkg", "1.0")
	if err := r.Upload(context.Background(), "demo-pkg", sdist); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestClientRetries(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if r.Header.Get("User-Agent") != "bigrig/test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	c := testClient()
	resp, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	closeRespBody(resp)
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)
	c = NewClient(ClientConfig{MaxAttempts: 2, Backoff: time.Millisecond})
	var se *StatusError
	if _, err := c.Get(context.Background(), failing.URL, nil); !errors.As(err, &se) || se.StatusCode != 500 {
		t.Errorf("err = %v, want status 500", err)
	}
}

func TestClientContextCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(ClientConfig{Backoff: time.Hour})
	if _, err := c.Get(ctx, srv.URL, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDownloadFileProgress(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("x", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	var progress strings.Builder
	dest := filepath.Join(t.TempDir(), "demo-pkg-1.0.tar.gz")
	fi, err := DownloadFile(context.Background(), testClient(), srv.URL, dest, DownloadOptions{Progress: &progress})
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != uint64(len(body)) {
		t.Errorf("Size() = %d, want %d", fi.Size(), len(body))
	}
	if !strings.Contains(progress.String(), "demo-pkg-1.0.tar.gz") {
		t.Errorf("progress output lacks file name: %q", progress.String())
	}
}

func TestDownloadFileStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "f.tar.gz")
	_, err := DownloadFile(context.Background(), testClient(), srv.URL, dest, DownloadOptions{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusGone {
		t.Fatalf("err = %v, want status 410", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("failed download left a file behind")
	}
}
