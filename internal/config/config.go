// Package config provides configuration loading and management for gitbridge.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stacklok/gitbridge/internal/redact"
	"github.com/stacklok/gitbridge/internal/telemetry"
)

const (
	// EnvPrefix is the prefix of every environment variable read by gitbridge
	EnvPrefix = "GITBRIDGE"

	// DefaultPort is the port used when neither an address nor a port is configured
	DefaultPort = 8022

	// DefaultDataPath is the default root of the editing platform's data volume
	DefaultDataPath = "/sharelatex-data"

	// DefaultProjectsDir is the default location of project directories, relative to the data path
	DefaultProjectsDir = "data/compiles"

	// DefaultGitRoot is the default directory holding the mirror repositories
	DefaultGitRoot = "/data/git-bridge"

	// DefaultBranch is the default name of the single read-only branch
	DefaultBranch = "master"

	// TokensFileName is the tokens file name inside the git root
	TokensFileName = "tokens.json"

	redacted = "<redacted>"
)

// Configuration keys shared by flags, environment variables and config files.
const (
	KeyConfigFile        = "config"
	KeyAddress           = "address"
	KeyPort              = "port"
	KeyDataPath          = "data-path"
	KeyProjectsDir       = "projects-dir"
	KeyGitRoot           = "git-root"
	KeyTokensFile        = "tokens-file"
	KeyBranch            = "branch"
	KeyAdminKey          = "admin-key"
	KeyCommitAuthorName  = "commit-author-name"
	KeyCommitAuthorEmail = "commit-author-email"

	KeyTelemetryEnabled     = "telemetry.enabled"
	KeyTelemetryEndpoint    = "telemetry.endpoint"
	KeyTelemetryInsecure    = "telemetry.insecure"
	KeyTelemetryServiceName = "telemetry.service-name"
	KeyTracingEnabled       = "telemetry.tracing.enabled"
	KeyTracingSampling      = "telemetry.tracing.sampling"
	KeyMetricsEnabled       = "telemetry.metrics.enabled"
	KeyPrometheusEnabled    = "telemetry.prometheus"
)

// legacyEnv lists environment variable names understood for compatibility
// with existing deployments, in addition to the GITBRIDGE_ prefixed ones.
var legacyEnv = map[string]string{
	KeyPort:        "PORT",
	KeyDataPath:    "SHARELATEX_DATA_PATH",
	KeyProjectsDir: "PROJECTS_DIR",
	KeyGitRoot:     "GIT_ROOT",
	KeyBranch:      "READONLY_BRANCH",
	KeyAdminKey:    "ADMIN_PASSWORD",
}

// Branch names are restricted to a conservative subset of git's ref rules.
var branchPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// Config is the immutable runtime configuration of gitbridge
type Config struct {
	// Address is the listen address of the HTTP server
	Address string `yaml:"address"`

	// DataPath is the root of the editing platform's data volume
	DataPath string `yaml:"data-path"`

	// ProjectsDir holds one directory per project, relative to DataPath unless absolute
	ProjectsDir string `yaml:"projects-dir"`

	// GitRoot holds the bare mirror repositories and lock files
	GitRoot string `yaml:"git-root"`

	// TokensFile is the JSON file backing the global token store
	TokensFile string `yaml:"tokens-file"`

	// Branch is the only branch written to mirrors
	Branch string `yaml:"branch"`

	// AdminKey protects the admin API. Empty disables it.
	AdminKey string `yaml:"admin-key,omitempty"`

	// CommitAuthorName and CommitAuthorEmail identify snapshot commits
	CommitAuthorName  string `yaml:"commit-author-name"`
	CommitAuthorEmail string `yaml:"commit-author-email"`

	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(KeyConfigFile, "", "Path to an optional YAML configuration file")
	fs.String(KeyAddress, "", fmt.Sprintf("Address to listen on (default \":%d\")", DefaultPort))
	fs.String(KeyDataPath, DefaultDataPath, "Root of the editing platform's data volume")
	fs.String(KeyProjectsDir, DefaultProjectsDir, "Directory of projects, relative to the data path unless absolute")
	fs.String(KeyGitRoot, DefaultGitRoot, "Directory holding the mirror repositories")
	fs.String(KeyTokensFile, "", "Token store file (default <git-root>/"+TokensFileName+")")
	fs.String(KeyBranch, DefaultBranch, "Name of the read-only branch")
	fs.String(KeyCommitAuthorName, "gitbridge", "Author name of snapshot commits")
	fs.String(KeyCommitAuthorEmail, "gitbridge@localhost", "Author email of snapshot commits")
}

// Bind wires flags, environment variables and defaults into v. Flags that
// were not registered on fs are skipped, so commands may expose a subset.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDataPath, DefaultDataPath)
	v.SetDefault(KeyProjectsDir, DefaultProjectsDir)
	v.SetDefault(KeyGitRoot, DefaultGitRoot)
	v.SetDefault(KeyBranch, DefaultBranch)
	v.SetDefault(KeyCommitAuthorName, "gitbridge")
	v.SetDefault(KeyCommitAuthorEmail, "gitbridge@localhost")
	v.SetDefault(KeyTelemetryServiceName, telemetry.DefaultServiceName)
	v.SetDefault(KeyTelemetryEndpoint, telemetry.DefaultEndpoint)
	v.SetDefault(KeyTracingSampling, telemetry.DefaultSampling)
	v.SetDefault(KeyPrometheusEnabled, true)

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if fs == nil {
		return nil
	}
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			errs = append(errs, fmt.Errorf("failed to bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Load builds a Config from v, reading the config file first when one is set.
// Relative paths are resolved against the working directory.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Address:           v.GetString(KeyAddress),
		DataPath:          v.GetString(KeyDataPath),
		ProjectsDir:       v.GetString(KeyProjectsDir),
		GitRoot:           v.GetString(KeyGitRoot),
		TokensFile:        v.GetString(KeyTokensFile),
		Branch:            strings.TrimSpace(v.GetString(KeyBranch)),
		AdminKey:          v.GetString(KeyAdminKey),
		CommitAuthorName:  v.GetString(KeyCommitAuthorName),
		CommitAuthorEmail: v.GetString(KeyCommitAuthorEmail),
		Telemetry: &telemetry.Config{
			Enabled:     v.GetBool(KeyTelemetryEnabled),
			ServiceName: v.GetString(KeyTelemetryServiceName),
			Endpoint:    v.GetString(KeyTelemetryEndpoint),
			Insecure:    v.GetBool(KeyTelemetryInsecure),
			Prometheus:  v.GetBool(KeyPrometheusEnabled),
			Tracing: &telemetry.TracingConfig{
				Enabled:  v.GetBool(KeyTracingEnabled),
				Sampling: v.GetFloat64(KeyTracingSampling),
			},
			Metrics: &telemetry.MetricsConfig{
				Enabled: v.GetBool(KeyMetricsEnabled),
			},
		},
	}

	if cfg.Address == "" {
		port := strings.TrimSpace(v.GetString(KeyPort))
		if port == "" {
			port = strconv.Itoa(DefaultPort)
		}
		cfg.Address = ":" + port
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) resolvePaths() error {
	var err error
	if c.DataPath, err = filepath.Abs(c.DataPath); err != nil {
		return fmt.Errorf("failed to resolve data path: %w", err)
	}
	if c.GitRoot, err = filepath.Abs(c.GitRoot); err != nil {
		return fmt.Errorf("failed to resolve git root: %w", err)
	}
	if c.TokensFile == "" {
		c.TokensFile = filepath.Join(c.GitRoot, TokensFileName)
	}
	if c.TokensFile, err = filepath.Abs(c.TokensFile); err != nil {
		return fmt.Errorf("failed to resolve tokens file: %w", err)
	}
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.GitRoot == "" {
		errs = append(errs, errors.New("git root is required"))
	}
	if c.ProjectsDir == "" {
		errs = append(errs, errors.New("projects dir is required"))
	}
	if err := ValidateBranch(c.Branch); err != nil {
		errs = append(errs, err)
	}
	if c.CommitAuthorName == "" || c.CommitAuthorEmail == "" {
		errs = append(errs, errors.New("commit author name and email are required"))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

// ValidateBranch rejects branch names git would refuse or misinterpret.
func ValidateBranch(branch string) error {
	switch {
	case branch == "":
		return errors.New("branch is required")
	case !branchPattern.MatchString(branch),
		strings.Contains(branch, ".."),
		strings.Contains(branch, "//"),
		strings.HasSuffix(branch, "/"),
		strings.HasSuffix(branch, ".lock"),
		strings.HasSuffix(branch, "."):
		return fmt.Errorf("invalid branch name %q", branch)
	}
	return nil
}

// ProjectsRoot returns the directory holding one directory per project.
func (c *Config) ProjectsRoot() string {
	if filepath.IsAbs(c.ProjectsDir) {
		return filepath.Clean(c.ProjectsDir)
	}
	return filepath.Join(c.DataPath, c.ProjectsDir)
}

// MirrorPath returns the path of the bare mirror for a validated project id.
func (c *Config) MirrorPath(projectID string) string {
	return filepath.Join(c.GitRoot, projectID+".git")
}

// LockDir returns the directory holding per-project lock files.
func (c *Config) LockDir() string {
	return filepath.Join(c.GitRoot, ".locks")
}

// Paths returns the redactor for the directories of c. Logs and error
// responses show the placeholders instead of the host layout.
func (c *Config) Paths() *redact.Paths {
	return redact.NewPaths(map[string]string{
		c.DataPath:       "$DATA",
		c.ProjectsRoot(): "$PROJECTS",
		c.GitRoot:        "$GIT_ROOT",
		c.LockDir():      "$LOCK_DIR",
		c.TokensFile:     "$TOKENS_FILE",
	})
}

// Redacted returns a copy of c that is safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.AdminKey != "" {
		out.AdminKey = redacted
	}
	return &out
}
