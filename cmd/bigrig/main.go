// Package main implements the bigrig command-line tool for mirroring Python
// packages between package indexes.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bigrig/bigrig/internal/config"
	"github.com/bigrig/bigrig/internal/dist"
	"github.com/bigrig/bigrig/internal/mirror"
	"github.com/bigrig/bigrig/internal/repo"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configDir    string
	configFile   string
	packagesFile string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "bigrig",
	Short: "Mirror Python packages between package indexes",
	Long: `bigrig keeps an internal staging index of Python source distributions,
fetched from a public origin index, for the build targets described in its
configuration.

The configuration directory holds config.yaml (or config.toml) and
packages.txt. It is taken from --config-dir, then BIGRIG_CONFIG_PATH, then
the BIGRIG_CONFIG_FILE and BIGRIG_PACKAGES_FILE pair.`,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long:  `Load the configuration and the package list and report any issues.`,
	Args:  cobra.NoArgs,
	Run:   runValidate,
}

var showCmd = &cobra.Command{
	Use:   "show [origin|source|targets|packages]",
	Short: "Print the loaded configuration as YAML",
	Long: `Print the loaded configuration as YAML. Passwords are redacted.

Examples:
  bigrig show
  bigrig show targets`,
	Args: cobra.MaximumNArgs(1),
	Run:  runShow,
}

var filesCmd = &cobra.Command{
	Use:   "files <project>",
	Short: "List the distribution files of a project",
	Long: `List the distribution files a repository holds for a project.

The repository is origin, source or the name of a target.

Examples:
  bigrig files requests
  bigrig files requests --repo co7_37`,
	Args: cobra.ExactArgs(1),
	Run:  runFiles,
}

var downloadCmd = &cobra.Command{
	Use:   "download <project> [filename]",
	Short: "Download a distribution file",
	Long: `Download a distribution file from a repository.

Without a filename the source distribution of --release is downloaded.

Examples:
  bigrig download requests requests-2.31.0.tar.gz
  bigrig download requests --release 2.31.0 --dest /tmp`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runDownload,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file...>",
	Short: "Upload distribution files",
	Long: `Upload distribution files to a repository. The project name is read from
the metadata of each file. A detached signature next to a file (file.asc)
is uploaded along with it.

Examples:
  bigrig upload dist/requests-2.31.0.tar.gz
  bigrig upload --repo co7_37 dist/*.whl`,
	Args: cobra.MinimumNArgs(1),
	Run:  runUpload,
}

var syncCmd = &cobra.Command{
	Use:   "sync [projects...]",
	Short: "Copy required packages from origin to source",
	Long: `Copies the distributions matching packages.txt from the origin index to
the source index. Files already in source are left alone.

Usage:
  # Mirror the newest matching sdist of every required package
  bigrig sync

  # Mirror only some of the required packages
  bigrig sync requests six

  # Mirror every matching version, wheels included
  bigrig sync --all-versions --wheels

  # Show what would be transferred
  bigrig sync --dry-run`,
	Run: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status [targets...]",
	Short: "Report which required packages each target holds",
	Long: `Checks, for each target, whether a version matching every requirement of
packages.txt is present. Exits non-zero when a target is missing packages.`,
	Run: runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		printVersion(os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "d", "", "configuration directory holding config.yaml and packages.txt")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path, used together with --packages")
	rootCmd.PersistentFlags().StringVarP(&packagesFile, "packages", "p", "", "package list path, used together with --config")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (plain, json)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")
	rootCmd.PersistentFlags().Int("max-conns", 0, "maximum number of packages processed at once (progress bars are shown only with 1)")
	rootCmd.PersistentFlags().String("pgp-key", "", "armored public key verifying detached signatures")

	for _, cmd := range []*cobra.Command{filesCmd, downloadCmd} {
		cmd.Flags().String("repo", "origin", "repository to use: origin, source or a target name")
	}
	uploadCmd.Flags().String("repo", "source", "repository to use: origin, source or a target name")

	downloadCmd.Flags().String("dest", ".", "directory to download into")
	downloadCmd.Flags().String("release", "", "download the sdist of this version")

	syncCmd.Flags().Bool("dry-run", false, "plan transfers without downloading")
	syncCmd.Flags().Bool("all-versions", false, "mirror every matching version, not only the newest")
	syncCmd.Flags().Bool("wheels", false, "mirror wheels as well as sdists")
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "bigrig %s\n", version)
	fmt.Fprintf(w, "commit: %s\n", commit)
	fmt.Fprintf(w, "built: %s\n", buildDate)
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}
	return err.Error()
}

// fail logs err and exits.
func fail(cmd *cobra.Command, msg string, err error) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	slog.Error(msg, "error", formatError(err, verboseErrors))
	if !verboseErrors {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

// loadRuntime builds the tool settings: defaults, then BIGRIG_* variables,
// then command-line flags. The resulting log configuration is applied.
func loadRuntime(cmd *cobra.Command) (*config.Runtime, error) {
	rt := config.NewRuntime()
	if err := rt.ApplyEnvironmentVariables(); err != nil {
		return nil, err
	}

	if logLevel != "" {
		rt.Log.Level = logLevel
	}
	if logFormat != "" {
		rt.Log.Format = logFormat
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		rt.Log.Level = "error"
		rt.NoProgress = true
	}
	if cmd.Flags().Changed("max-conns") {
		rt.MaxConns, _ = cmd.Flags().GetInt("max-conns")
	}
	if key, _ := cmd.Flags().GetString("pgp-key"); key != "" {
		rt.PGPKeyPath = key
	}

	if err := rt.Check(); err != nil {
		return nil, errors.Wrap(err, "invalid runtime configuration")
	}
	if err := rt.Log.Apply(); err != nil {
		return nil, err
	}
	return rt, nil
}

// loadSettings configures config.Global from the command-line flags, or
// from the environment when none are given.
func loadSettings() (*config.Settings, error) {
	settings := config.Global
	switch {
	case configFile != "" || packagesFile != "":
		if configFile == "" || packagesFile == "" {
			return nil, errors.New("--config and --packages must be given together")
		}
		root, err := config.LoadRootConfigFiles(configFile, packagesFile)
		if err != nil {
			return nil, err
		}
		if err := settings.ConfigureRoot(root, configFile); err != nil {
			return nil, err
		}
	default:
		if err := settings.Configure(configDir); err != nil {
			return nil, err
		}
	}
	slog.Debug("configuration loaded", "settings", settings.String())
	return settings, nil
}

func repoOptions(rt *config.Runtime) (repo.Options, error) {
	opts := repo.Options{
		Client: repo.NewClient(repo.ClientConfig{
			UserAgent:         "bigrig/" + version,
			RequestsPerSecond: rt.RequestsPerSecond,
			Timeout:           rt.Timeout,
		}),
	}
	if !rt.NoProgress {
		opts.Progress = os.Stderr
	}
	if rt.PGPKeyPath != "" {
		v, err := repo.LoadVerifier(rt.PGPKeyPath)
		if err != nil {
			return repo.Options{}, err
		}
		slog.Debug("signature verification enabled", "key_id", v.KeyID())
		opts.Verifier = v
	}
	return opts, nil
}

// repoLocation resolves a repository name: origin, source or a target.
func repoLocation(settings *config.Settings, name string) (string, *config.Credentials, error) {
	switch name {
	case "origin":
		o, err := settings.Origin()
		return o.Location, o.Credentials, err
	case "source":
		s, err := settings.Source()
		return s.Location, s.Credentials, err
	default:
		t, err := settings.Target(name)
		return t.Location, t.Credentials, err
	}
}

// setup loads everything a repository command needs and opens the
// repository named by --repo.
func setup(cmd *cobra.Command) (*config.Runtime, repo.Repository) {
	rt, err := loadRuntime(cmd)
	if err != nil {
		fail(cmd, "failed to load runtime configuration", err)
	}
	settings, err := loadSettings()
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}
	opts, err := repoOptions(rt)
	if err != nil {
		fail(cmd, "failed to set up repositories", err)
	}

	name, _ := cmd.Flags().GetString("repo")
	location, creds, err := repoLocation(settings, name)
	if err != nil {
		fail(cmd, "unknown repository", err)
	}
	r, err := repo.New(location, creds, opts)
	if err != nil {
		fail(cmd, "failed to open repository", err)
	}
	slog.Debug("repository opened", "repo", name, "location", r.Location())
	return rt, r
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runValidate(cmd *cobra.Command, _ []string) {
	if _, err := loadRuntime(cmd); err != nil {
		fail(cmd, "failed to load runtime configuration", err)
	}
	settings, err := loadSettings()
	if err != nil {
		fail(cmd, "the configuration is not valid", err)
	}
	root, err := settings.Root()
	if err != nil {
		fail(cmd, "the configuration is not valid", err)
	}

	var problems []error
	for _, name := range root.Config.TargetNames() {
		if root.Config.Targets[name].Location == "" {
			problems = append(problems, errors.Newf("target %q has an empty location", name))
		}
	}
	seen := make(map[string]bool)
	for _, req := range root.Packages {
		if seen[req.Key()] {
			problems = append(problems, errors.Newf("package %q is listed more than once", req.Name))
		}
		seen[req.Key()] = true
	}
	if len(problems) > 0 {
		slog.Error("the configuration is not valid")
		for _, err := range problems {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the configuration passes validation checks",
		"settings", settings.String(),
		"targets", len(root.Config.Targets),
		"packages", len(root.Packages))
}

func runShow(cmd *cobra.Command, args []string) {
	if _, err := loadRuntime(cmd); err != nil {
		fail(cmd, "failed to load runtime configuration", err)
	}
	settings, err := loadSettings()
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}

	var doc any
	if len(args) == 1 {
		doc, err = settings.Get(args[0])
	} else {
		var root *config.RootConfig
		root, err = settings.Root()
		if root != nil {
			doc = root.AllSettings()
		}
	}
	if err != nil {
		fail(cmd, "failed to read setting", err)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		fail(cmd, "failed to print configuration", err)
	}
	if err := enc.Close(); err != nil {
		fail(cmd, "failed to print configuration", err)
	}
}

func runFiles(cmd *cobra.Command, args []string) {
	_, r := setup(cmd)
	ctx, cancel := signalContext()
	defer cancel()

	files, err := r.ProjectFiles(ctx, args[0])
	if err != nil {
		fail(cmd, "failed to list files", err)
	}
	writeFiles(os.Stdout, files)
}

func writeFiles(w io.Writer, files []repo.DistributionPackage) {
	if len(files) == 0 {
		fmt.Fprintln(w, "No files found")
		return
	}
	for _, f := range files {
		flags := ""
		if f.Yanked {
			flags += " yanked"
		}
		if f.SignatureURL != "" {
			flags += " signed"
		}
		fmt.Fprintf(w, "%-50s %-12s %-12s%s\n", f.Filename, f.Version, f.PackageType, flags)
	}
}

func runDownload(cmd *cobra.Command, args []string) {
	_, r := setup(cmd)
	ctx, cancel := signalContext()
	defer cancel()

	dest, _ := cmd.Flags().GetString("dest")
	release, _ := cmd.Flags().GetString("release")
	if err := os.MkdirAll(dest, 0755); err != nil {
		fail(cmd, "failed to create destination", err)
	}

	var p string
	var err error
	switch {
	case len(args) == 2:
		p, err = r.Download(ctx, args[0], args[1], dest)
	case release != "":
		p, err = repo.DownloadSdist(ctx, r, args[0], release, dest)
	default:
		err = errors.New("give a filename or --release")
	}
	if err != nil {
		fail(cmd, "download failed", err)
	}
	slog.Info("downloaded", "path", p)
}

func runUpload(cmd *cobra.Command, args []string) {
	_, r := setup(cmd)
	ctx, cancel := signalContext()
	defer cancel()

	failed := 0
	for _, p := range args {
		if strings.HasSuffix(p, ".asc") {
			continue
		}
		if err := uploadFile(ctx, r, p); err != nil {
			verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
			slog.Error("upload failed", "path", p, "error", formatError(err, verboseErrors))
			failed++
			continue
		}
		slog.Info("uploaded", "path", p, "repo", r.Location())
	}
	if failed > 0 {
		fail(cmd, "upload failed", errors.Newf("%d of %d files failed", failed, len(args)))
	}
}

func uploadFile(ctx context.Context, r repo.Repository, p string) error {
	md, err := dist.ReadMetadata(p)
	if err != nil {
		return errors.Wrapf(err, "read metadata of %s", filepath.Base(p))
	}
	return r.Upload(ctx, md.Name, p)
}

func runSync(cmd *cobra.Command, args []string) {
	rt, err := loadRuntime(cmd)
	if err != nil {
		fail(cmd, "failed to load runtime configuration", err)
	}
	settings, err := loadSettings()
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}
	repoOpts, err := repoOptions(rt)
	if err != nil {
		fail(cmd, "failed to set up repositories", err)
	}

	opts := mirror.Options{
		WorkDir:  filepath.Join(rt.WorkDir, "bigrig"),
		MaxConns: rt.MaxConns,
		Projects: args,
		Repo:     repoOpts,
	}
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	opts.AllVersions, _ = cmd.Flags().GetBool("all-versions")
	opts.IncludeWheels, _ = cmd.Flags().GetBool("wheels")

	ctx, cancel := signalContext()
	defer cancel()

	reports, err := mirror.Sync(ctx, settings, opts)
	if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
		writeReports(os.Stdout, reports)
	}
	if err != nil {
		fail(cmd, "sync failed", err)
	}
}

func writeReports(w io.Writer, reports []*mirror.Report) {
	for _, r := range reports {
		switch {
		case r.Skipped != "":
			fmt.Fprintf(w, "%s: skipped (%s)\n", r.Requirement.String(), r.Skipped)
			continue
		case r.Err != nil:
			fmt.Fprintf(w, "%s: failed: %s\n", r.Requirement.String(), formatError(r.Err, false))
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", r.Requirement.String(), strings.Join(r.Versions, ", "))
		for _, f := range r.Files {
			fmt.Fprintf(w, "  %-9s %s\n", f.Action, f.Filename)
		}
	}

	if len(reports) == 0 {
		return
	}
	totals := mirror.Totals(reports)
	fmt.Fprintf(w, "\n%d uploaded, %d present, %d planned, %d failed\n",
		totals[mirror.ActionUploaded], totals[mirror.ActionPresent],
		totals[mirror.ActionPlanned], totals[mirror.ActionFailed])
}

func runStatus(cmd *cobra.Command, args []string) {
	rt, err := loadRuntime(cmd)
	if err != nil {
		fail(cmd, "failed to load runtime configuration", err)
	}
	settings, err := loadSettings()
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}
	repoOpts, err := repoOptions(rt)
	if err != nil {
		fail(cmd, "failed to set up repositories", err)
	}
	// Status only lists pages, so there is nothing to show progress for.
	repoOpts.Progress = nil

	targets := args
	if len(targets) == 0 {
		targets = rt.Targets
	}

	ctx, cancel := signalContext()
	defer cancel()

	statuses, err := mirror.Status(ctx, settings, mirror.StatusOptions{
		Targets:  targets,
		MaxConns: rt.MaxConns,
		Repo:     repoOpts,
	})
	if err != nil {
		fail(cmd, "status failed", err)
	}

	if !writeStatuses(os.Stdout, statuses) {
		os.Exit(1)
	}
}

// writeStatuses prints statuses and reports whether every target is
// satisfied.
func writeStatuses(w io.Writer, statuses []*mirror.TargetStatus) bool {
	ok := true
	for _, ts := range statuses {
		fmt.Fprintf(w, "Target '%s' (%s):\n", ts.Target, ts.Location)
		for _, p := range ts.Packages {
			switch {
			case p.Err != nil:
				fmt.Fprintf(w, "  error    %s: %s\n", p.Requirement, formatError(p.Err, false))
			case p.Satisfied:
				fmt.Fprintf(w, "  ok       %s (%s)\n", p.Requirement, p.Version)
			default:
				fmt.Fprintf(w, "  missing  %s\n", p.Requirement)
			}
		}
		if !ts.Satisfied() {
			ok = false
		}
		fmt.Fprintln(w)
	}
	return ok
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
