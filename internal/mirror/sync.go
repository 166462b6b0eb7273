package mirror

import (
	"context"
	"log/slog"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bigrig/bigrig/internal/config"
	"github.com/bigrig/bigrig/internal/dist"
	"github.com/bigrig/bigrig/internal/repo"
)

// Action says what happened to one distribution file.
type Action string

// Actions recorded in a FileResult.
const (
	ActionUploaded Action = "uploaded"
	ActionPresent  Action = "present"
	ActionPlanned  Action = "planned"
	ActionFailed   Action = "failed"
)

// FileResult is the outcome for one distribution file.
type FileResult struct {
	Filename string
	Version  string
	Action   Action
	Size     int64
	Err      error
}

// Report is the outcome of syncing one requirement.
type Report struct {
	Requirement config.Requirement
	// Versions are the selected versions, newest first.
	Versions []string
	Files    []FileResult
	// Skipped explains why the requirement was not looked up at all.
	Skipped string
	Err     error
}

// Failed reports whether the requirement or any of its files failed.
func (r *Report) Failed() bool {
	if r.Err != nil {
		return true
	}
	for _, f := range r.Files {
		if f.Action == ActionFailed {
			return true
		}
	}
	return false
}

// Totals counts files per action over reports.
func Totals(reports []*Report) map[Action]int {
	totals := make(map[Action]int)
	for _, r := range reports {
		for _, f := range r.Files {
			totals[f.Action]++
		}
	}
	return totals
}

// SyncRepos mirrors reqs from origin to source. Requirements are processed
// concurrently, up to opts.MaxConns at a time. A failing requirement does
// not stop the others; the error returned then summarizes the failures and
// the reports carry the details.
func SyncRepos(ctx context.Context, origin, source repo.Repository, reqs []config.Requirement, opts Options) ([]*Report, error) {
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}

	if opts.DryRun {
		slog.Info("dry-run mode: planning transfers without downloading")
	} else {
		slog.Info("sync starts", "origin", origin.Location(), "source", source.Location(), "requirements", len(reqs))
	}

	reports := make([]*Report, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConns)
	for i, req := range reqs {
		req := req
		report := &Report{Requirement: req}
		reports[i] = report
		g.Go(func() error {
			report.Err = syncRequirement(ctx, origin, source, report, opts)
			if report.Err != nil {
				slog.Error("sync failed", "project", req.Name, "error", report.Err)
			}
			// Only cancellation stops the whole run.
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}

	failed := 0
	for _, r := range reports {
		if r.Failed() {
			failed++
		}
	}
	if failed > 0 {
		return reports, errors.Newf("%d of %d requirements failed", failed, len(reqs))
	}
	slog.Info("sync ends", "requirements", len(reqs))
	return reports, nil
}

func syncRequirement(ctx context.Context, origin, source repo.Repository, report *Report, opts Options) error {
	req := report.Requirement
	if req.URL != "" {
		report.Skipped = "direct URL requirement"
		return nil
	}

	files, err := origin.ProjectFiles(ctx, req.Name)
	if err != nil {
		return errors.Wrapf(err, "list %s in origin", req.Name)
	}
	candidates := selectFiles(files, req, opts)
	if len(candidates) == 0 {
		return errors.Wrapf(repo.ErrNotAvailable, "no distribution of %s matches", req.String())
	}

	report.Versions = repo.Versions(candidates)
	if len(report.Versions) == 0 {
		return errors.Wrapf(repo.ErrNotAvailable, "no orderable version of %s", req.String())
	}
	if !opts.AllVersions {
		report.Versions = report.Versions[:1]
	}
	wanted := make(map[string]bool, len(report.Versions))
	for _, v := range report.Versions {
		wanted[v] = true
	}

	present, err := sourceFiles(ctx, source, req.Name)
	if err != nil {
		return err
	}

	var workDir string
	defer func() {
		if workDir != "" {
			if err := os.RemoveAll(workDir); err != nil {
				slog.Warn("failed to remove work dir", "path", workDir, "error", err)
			}
		}
	}()

	for _, f := range candidates {
		if !wanted[f.Version] {
			continue
		}
		result := FileResult{Filename: f.Filename, Version: f.Version}
		switch {
		case present[f.Filename]:
			result.Action = ActionPresent
		case opts.DryRun:
			result.Action = ActionPlanned
		default:
			if workDir == "" {
				if workDir, err = os.MkdirTemp(opts.WorkDir, "sync-"); err != nil {
					return errors.Wrap(err, "create work dir")
				}
			}
			result.Size, result.Err = transfer(ctx, origin, source, req.Name, f.Filename, workDir)
			switch {
			case result.Err == nil:
				result.Action = ActionUploaded
			case errors.Is(result.Err, repo.ErrAlreadyExists):
				result.Action, result.Err = ActionPresent, nil
			default:
				result.Action = ActionFailed
				slog.Error("transfer failed", "project", req.Name, "filename", f.Filename, "error", result.Err)
			}
		}
		slog.Debug("file processed", "project", req.Name, "filename", f.Filename, "action", result.Action)
		report.Files = append(report.Files, result)
	}
	return ctx.Err()
}

// selectFiles returns the files of a requirement worth mirroring, sorted
// by file name.
func selectFiles(files []repo.DistributionPackage, req config.Requirement, opts Options) []repo.DistributionPackage {
	var out []repo.DistributionPackage
	for _, f := range files {
		if f.Yanked || f.Version == "" {
			continue
		}
		switch f.PackageType {
		case dist.TypeSdist:
		case dist.TypeWheel:
			if !opts.IncludeWheels {
				continue
			}
		default:
			continue
		}
		if !req.Contains(f.Version) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

func sourceFiles(ctx context.Context, source repo.Repository, project string) (map[string]bool, error) {
	files, err := source.ProjectFiles(ctx, project)
	if errors.Is(err, repo.ErrNotAvailable) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list %s in source", project)
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Filename] = true
	}
	return present, nil
}

func transfer(ctx context.Context, origin, source repo.Repository, project, filename, dir string) (int64, error) {
	p, err := origin.Download(ctx, project, filename, dir)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	if err := source.Upload(ctx, project, p); err != nil {
		return 0, err
	}
	slog.Info("mirrored", "project", project, "filename", filename, "size", st.Size())
	return st.Size(), nil
}
