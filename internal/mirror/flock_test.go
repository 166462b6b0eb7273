package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestFlock(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "lockfile")
	if err := os.WriteFile(p, nil, 0644); err != nil {
		t.Fatal(err)
	}

	f1, err := os.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f1.Close()
	f2, err := os.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	fl1, fl2 := Flock{f1}, Flock{f2}
	if err := fl1.Lock(); err != nil {
		t.Fatal(err)
	}
	if err := fl2.Lock(); !errors.Is(err, ErrLocked) {
		t.Errorf("second lock err = %v, want ErrLocked", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := fl2.Lock(); err != nil {
		t.Errorf("lock after unlock failed: %v", err)
	}
	if err := fl2.Unlock(); err != nil {
		t.Error(err)
	}
}

func TestAcquireLock(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "work")
	release, err := acquireLock(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := acquireLock(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("err = %v, want ErrLocked", err)
	}
	release()

	release, err = acquireLock(dir)
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	release()
}

func TestValidateLockFilePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lockFile string
		baseDir  string
		wantErr  bool
	}{
		{"/var/lib/bigrig/.lock", "/var/lib/bigrig", false},
		{"/var/lib/bigrig/../.lock", "/var/lib/bigrig", true},
		{"/tmp/.lock", "/var/lib/bigrig", true},
		{"/var/lib/bigrig/sub/.lock", "/var/lib/bigrig", true},
	}
	for _, tt := range tests {
		err := validateLockFilePath(tt.lockFile, tt.baseDir)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateLockFilePath(%q, %q) error = %v, wantErr %v", tt.lockFile, tt.baseDir, err, tt.wantErr)
		}
	}
}
