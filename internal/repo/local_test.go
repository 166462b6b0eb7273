package repo

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/bigrig/bigrig/internal/config"
	"github.com/bigrig/bigrig/internal/dist"
	"github.com/bigrig/bigrig/internal/dist/disttest"
)

func TestNew(t *testing.T) {
	t.Parallel()

	r, err := New("https://pypi.org/simple/", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*SimpleRepo); !ok {
		t.Errorf("New(url) = %T, want *SimpleRepo", r)
	}

	creds := &config.Credentials{Username: "u", Password: "p"}
	r, err = New(t.TempDir(), creds, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*LocalRepo); !ok {
		t.Errorf("New(path) = %T, want *LocalRepo", r)
	}
}

func TestLocalRepo(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "repo")
	r, err := NewLocalRepo(root, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.ProjectFiles(ctx, "demo-pkg"); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("err = %v, want ErrNotAvailable", err)
	}

	src := t.TempDir()
	sdist := disttest.Sdist(t, src, "Demo_Pkg", "1.0")
	wheel := disttest.Wheel(t, src, "demo-pkg", "1.1")
	if err := os.WriteFile(wheel+".asc", []byte("sig"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{sdist, wheel} {
		if err := r.Upload(ctx, "demo-pkg", p); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Upload(ctx, "demo-pkg", sdist); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
	if _, err := os.Stat(filepath.Join(root, "demo-pkg", filepath.Base(wheel)+".asc")); err != nil {
		t.Errorf("signature not stored: %v", err)
	}

	// A fresh instance must see the persisted digests.
	r2, _ := NewLocalRepo(root, Options{})
	files, err := r2.ProjectFiles(ctx, "DEMO.pkg")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2: %+v", len(files), files)
	}
	for _, f := range files {
		if f.Digests[dist.SHA256] == "" {
			t.Errorf("%s has no recorded sha256", f.Filename)
		}
	}
	if files[0].PackageType != dist.TypeSdist || files[0].Version != "1.0" {
		t.Errorf("files[0] = %+v", files[0])
	}
	if files[1].SignatureURL == "" {
		t.Errorf("wheel signature not listed: %+v", files[1])
	}

	dest := t.TempDir()
	p, err := DownloadSdist(ctx, r2, "demo-pkg", "1.0", dest)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := os.ReadFile(sdist)
	got, _ := os.ReadFile(p)
	if string(got) != string(want) {
		t.Error("downloaded sdist differs from uploaded one")
	}

	if _, err := DownloadSdist(ctx, r2, "demo-pkg", "1.1", dest); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("err = %v, want ErrNotAvailable (1.1 has only a wheel)", err)
	}
	if _, err := r2.Download(ctx, "demo-pkg", "demo-pkg-9.9.tar.gz", dest); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("err = %v, want ErrNotAvailable", err)
	}
	if _, err := r2.Download(ctx, "demo-pkg", "../info.json", dest); err == nil {
		t.Error("traversal accepted")
	}
}

func TestLocalRepoMissingRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "typo", "target")
	r, err := New(root, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.ProjectFiles(ctx, "demo")
	if !errors.Is(err, fs.ErrNotExist) || !errors.Is(err, ErrNotAvailable) {
		t.Errorf("ProjectFiles() err = %v, want ErrNotExist and ErrNotAvailable", err)
	}
	if _, err := r.Download(ctx, "demo", "demo-1.0.tar.gz", t.TempDir()); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Download() err = %v, want ErrNotExist", err)
	}
	if _, err := os.Stat(filepath.Dir(root)); !os.IsNotExist(err) {
		t.Fatalf("reading a missing repository created %s", filepath.Dir(root))
	}

	p := disttest.Sdist(t, t.TempDir(), "demo", "1.0")
	if err := r.Upload(ctx, "demo", p); err != nil {
		t.Fatal(err)
	}
	files, err := r.ProjectFiles(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Filename != "demo-1.0.tar.gz" {
		t.Errorf("ProjectFiles() after upload = %+v", files)
	}
}

func TestLocalRepoDetectsCorruption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	r, _ := NewLocalRepo(root, Options{})
	sdist := disttest.Sdist(t, t.TempDir(), "demo-pkg", "1.0")
	if err := r.Upload(ctx, "demo-pkg", sdist); err != nil {
		t.Fatal(err)
	}

	stored := filepath.Join(root, "demo-pkg", filepath.Base(sdist))
	if err := os.WriteFile(stored, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Download(ctx, "demo-pkg", filepath.Base(sdist), t.TempDir()); err == nil {
		t.Error("corrupted file was handed out")
	}
}

func TestLocalRepoRejectsForeignFiles(t *testing.T) {
	t.Parallel()

	r, _ := NewLocalRepo(t.TempDir(), Options{})
	notes := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(notes, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.Upload(context.Background(), "demo-pkg", notes); !errors.Is(err, dist.ErrUnknownFormat) {
		t.Errorf("err = %v, want ErrUnknownFormat", err)
	}
}

func TestVersions(t *testing.T) {
	t.Parallel()

	files := []DistributionPackage{
		{Version: "1.0"}, {Version: "1.10"}, {Version: "1.2"}, {Version: "1.10"},
		{Version: "2.0rc1"}, {Version: ""}, {Version: "not.a-version!"},
	}
	got := Versions(files)
	want := []string{"2.0rc1", "1.10", "1.2", "1.0"}
	if len(got) != len(want) {
		t.Fatalf("Versions() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Versions()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
