package mirror

import (
	"context"
	"io/fs"
	"slices"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bigrig/bigrig/internal/config"
	"github.com/bigrig/bigrig/internal/repo"
)

// PackageStatus tells whether a target satisfies one requirement.
type PackageStatus struct {
	Requirement string
	// Version is the newest version in the target matching the requirement.
	Version   string
	Satisfied bool
	Err       error
}

// TargetStatus is the status of every requirement in one target.
type TargetStatus struct {
	Target   string
	Location string
	Packages []PackageStatus
}

// Satisfied reports whether every requirement is met.
func (ts *TargetStatus) Satisfied() bool {
	for _, p := range ts.Packages {
		if !p.Satisfied {
			return false
		}
	}
	return true
}

// StatusOptions tune Status.
type StatusOptions struct {
	// Targets limits the report to these names; empty means all.
	Targets  []string
	MaxConns int
	Repo     repo.Options
}

// Status checks, for each target, which required packages it already holds
// in a matching version. Targets are reported in name order.
func Status(ctx context.Context, settings *config.Settings, opts StatusOptions) ([]*TargetStatus, error) {
	root, err := settings.Root()
	if err != nil {
		return nil, err
	}

	names := root.Config.TargetNames()
	if len(opts.Targets) > 0 {
		for _, name := range opts.Targets {
			if !slices.Contains(names, name) {
				return nil, errors.Mark(errors.Newf("no target named %q", name), config.ErrUnknownTarget)
			}
		}
		names = slices.DeleteFunc(names, func(n string) bool { return !slices.Contains(opts.Targets, n) })
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}

	statuses := make([]*TargetStatus, 0, len(names))
	for _, name := range names {
		target := root.Config.Targets[name]
		r, err := repo.New(target.Location, target.Credentials, opts.Repo)
		if err != nil {
			return nil, errors.Wrapf(err, "target %s", name)
		}
		ts, err := RepoStatus(ctx, r, root.Packages, maxConns)
		if err != nil {
			return nil, err
		}
		ts.Target = name
		statuses = append(statuses, ts)
	}
	return statuses, nil
}

// RepoStatus checks reqs against a single repository.
func RepoStatus(ctx context.Context, r repo.Repository, reqs []config.Requirement, maxConns int) (*TargetStatus, error) {
	ts := &TargetStatus{Location: r.Location(), Packages: make([]PackageStatus, len(reqs))}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConns)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			ts.Packages[i] = packageStatus(ctx, r, req)
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ts, nil
}

func packageStatus(ctx context.Context, r repo.Repository, req config.Requirement) PackageStatus {
	ps := PackageStatus{Requirement: req.String()}
	files, err := r.ProjectFiles(ctx, req.Name)
	// A missing local target is an error, not a missing package.
	if errors.Is(err, repo.ErrNotAvailable) && !errors.Is(err, fs.ErrNotExist) {
		return ps
	}
	if err != nil {
		ps.Err = err
		return ps
	}

	var matching []repo.DistributionPackage
	for _, f := range files {
		if !f.Yanked && f.Version != "" && req.Contains(f.Version) {
			matching = append(matching, f)
		}
	}
	if versions := repo.Versions(matching); len(versions) > 0 {
		ps.Version = versions[0]
		ps.Satisfied = true
	}
	return ps
}
