// Package disttest builds small but valid distribution archives for tests.
package disttest

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Metadata returns a minimal core metadata document.
func Metadata(project, version string) string {
	return fmt.Sprintf("Metadata-Version: 2.1\nName: %s\nVersion: %s\nSummary: %s for tests\n\n", project, version, project)
}

// Sdist writes <project>-<version>.tar.gz with a PKG-INFO into dir and
// returns its path.
func Sdist(t testing.TB, dir, project, version string) string {
	t.Helper()

	stem := project + "-" + version
	p := filepath.Join(dir, stem+".tar.gz")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	members := map[string]string{
		stem + "/PKG-INFO": Metadata(project, version),
		stem + "/setup.py": "from setuptools import setup\nsetup()\n",
	}
	for name, body := range members {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

// Wheel writes a pure-python wheel of project into dir and returns its path.
func Wheel(t testing.TB, dir, project, version string) string {
	t.Helper()

	base := strings.ReplaceAll(project, "-", "_") + "-" + version
	p := filepath.Join(dir, base+"-py3-none-any.whl")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(base + ".dist-info/METADATA")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(Metadata(project, version))); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}
