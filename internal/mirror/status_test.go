package mirror

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/bigrig/bigrig/internal/config"
)

func TestStatus(t *testing.T) {
	t.Parallel()

	origin := seedRepo(t, nil)
	full := seedRepo(t, map[string][]string{"demo": {"sdist:1.0", "whl:1.2"}, "other": {"sdist:2.0"}})
	partial := seedRepo(t, map[string][]string{"demo": {"sdist:0.9"}})

	dir := writeConfig(t, origin.Location(), t.TempDir(), map[string]string{
		"co7_311": full.Location(),
		"deb_311": partial.Location(),
	}, "demo>=1.0", "other")
	settings := &config.Settings{}
	if err := settings.Configure(dir); err != nil {
		t.Fatal(err)
	}

	statuses, err := Status(context.Background(), settings, StatusOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 || statuses[0].Target != "co7_311" || statuses[1].Target != "deb_311" {
		t.Fatalf("statuses = %+v", statuses)
	}

	if !statuses[0].Satisfied() {
		t.Errorf("co7_311 should be satisfied: %+v", statuses[0].Packages)
	}
	if v := statuses[0].Packages[0].Version; v != "1.2" {
		t.Errorf("co7_311 demo version = %q, want 1.2", v)
	}

	if statuses[1].Satisfied() {
		t.Error("deb_311 should not be satisfied")
	}
	for _, p := range statuses[1].Packages {
		if p.Satisfied || p.Err != nil {
			t.Errorf("deb_311 package %+v", p)
		}
	}

	only, err := Status(context.Background(), settings, StatusOptions{Targets: []string{"deb_311"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 1 || only[0].Target != "deb_311" {
		t.Errorf("filtered statuses = %+v", only)
	}

	if _, err := Status(context.Background(), settings, StatusOptions{Targets: []string{"nope"}}); !errors.Is(err, config.ErrUnknownTarget) {
		t.Errorf("err = %v, want ErrUnknownTarget", err)
	}
}

func TestStatusMissingTarget(t *testing.T) {
	t.Parallel()

	origin := seedRepo(t, nil)
	missing := filepath.Join(t.TempDir(), "typo")
	dir := writeConfig(t, origin.Location(), t.TempDir(), map[string]string{"co7_311": missing}, "demo")
	settings := &config.Settings{}
	if err := settings.Configure(dir); err != nil {
		t.Fatal(err)
	}

	statuses, err := Status(context.Background(), settings, StatusOptions{})
	if err != nil {
		t.Fatal(err)
	}
	p := statuses[0].Packages[0]
	if !errors.Is(p.Err, fs.ErrNotExist) {
		t.Errorf("package status err = %v, want ErrNotExist", p.Err)
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Errorf("status created %s", missing)
	}
}
