// Package mirror copies the distributions named by the required packages
// from the origin index to the source index, and reports which
// requirements each target already satisfies.
package mirror

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/bigrig/bigrig/internal/config"
	"github.com/bigrig/bigrig/internal/dist"
	"github.com/bigrig/bigrig/internal/repo"
)

const defaultMaxConns = 4

// Options tune Sync.
type Options struct {
	// WorkDir holds the run lock and temporary downloads.
	WorkDir string
	// MaxConns bounds how many requirements are processed at once.
	MaxConns int
	// DryRun plans transfers without performing them.
	DryRun bool
	// AllVersions mirrors every matching version instead of the newest.
	AllVersions bool
	// IncludeWheels also mirrors wheels; only sdists are copied otherwise.
	IncludeWheels bool
	// Projects limits the run to these requirement names; empty means all.
	Projects []string

	Repo repo.Options
}

// Sync mirrors the required packages of settings from origin to source.
// It holds the run lock of opts.WorkDir for its whole duration.
func Sync(ctx context.Context, settings *config.Settings, opts Options) ([]*Report, error) {
	root, err := settings.Root()
	if err != nil {
		return nil, err
	}
	if opts.WorkDir == "" {
		return nil, errors.New("sync needs a work directory")
	}

	repoOpts := transferOptions(opts)
	origin, err := repo.New(root.Config.Origin.Location, root.Config.Origin.Credentials, repoOpts)
	if err != nil {
		return nil, errors.Wrap(err, "origin")
	}
	source, err := repo.New(root.Config.Source.Location, root.Config.Source.Credentials, repoOpts)
	if err != nil {
		return nil, errors.Wrap(err, "source")
	}

	release, err := acquireLock(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	defer release()

	return SyncRepos(ctx, origin, source, selectPackages(root.Packages, opts.Projects), opts)
}

// transferOptions returns the repository options for a run. Progress bars
// are drawn only when a single transfer runs at a time, since concurrent
// bars on one writer garble each other.
func transferOptions(opts Options) repo.Options {
	ro := opts.Repo
	if ro.Progress != nil && opts.MaxConns != 1 {
		slog.Debug("progress bars disabled for concurrent transfers", "max_conns", opts.MaxConns)
		ro.Progress = nil
	}
	return ro
}

// selectPackages keeps the requirements named in projects, compared by
// normalized name. An empty filter keeps everything.
func selectPackages(reqs []config.Requirement, projects []string) []config.Requirement {
	if len(projects) == 0 {
		return reqs
	}
	want := make(map[string]bool, len(projects))
	for _, p := range projects {
		want[dist.NormalizeName(p)] = true
	}
	var out []config.Requirement
	for _, r := range reqs {
		if want[r.Key()] {
			out = append(out, r)
		} else {
			slog.Debug("requirement filtered out", "project", r.Name)
		}
	}
	return out
}
