package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
)

// EnvPrefix is prepended to every environment override, e.g. MULTIARCH_PACKAGE_VERSION.
const EnvPrefix = "MULTIARCH"

// ErrInvalid marks configuration that cannot drive a run.
var ErrInvalid = errors.New("invalid configuration")

// PackageConfig describes the upstream project and the package to produce.
type PackageConfig struct {
	Name       string           `mapstructure:"name"`
	Repository string           `mapstructure:"repository"`
	Version    string           `mapstructure:"version"`
	Build      int              `mapstructure:"build"`
	TagPrefix  string           `mapstructure:"tag_prefix"`
	Format     string           `mapstructure:"archive_format"`
	BinaryPath string           `mapstructure:"binary_path"`
	Metadata   builder.Metadata `mapstructure:"metadata"`
}

// DiscoveryConfig tunes auto-discovery of release assets.
type DiscoveryConfig struct {
	Patterns          map[string]string `mapstructure:"patterns"`
	VariantPreference []string          `mapstructure:"variant_preference"`
}

// ConcurrencyConfig carries the request default and the override layer for the
// architecture pool size.
type ConcurrencyConfig struct {
	MaxParallel int `mapstructure:"max_parallel"`
	Override    int `mapstructure:"override"`
	HardCeiling int `mapstructure:"hard_ceiling"`
}

// ResourceConfig overrides detected host capacity and the per-job floors.
type ResourceConfig struct {
	CPUs           int    `mapstructure:"cpus"`
	MemoryBytes    uint64 `mapstructure:"memory_bytes"`
	DiskFreeBytes  uint64 `mapstructure:"disk_free_bytes"`
	Environment    string `mapstructure:"environment"`
	JobMemoryFloor uint64 `mapstructure:"job_memory_floor"`
	JobCPUFloor    int    `mapstructure:"job_cpu_floor"`
	JobDiskFloor   uint64 `mapstructure:"job_disk_floor"`
}

// TimeoutConfig bounds each unit of work; zero disables the deadline.
type TimeoutConfig struct {
	Architecture time.Duration `mapstructure:"architecture"`
	Distribution time.Duration `mapstructure:"distribution"`
	Preflight    time.Duration `mapstructure:"preflight"`
}

// LintConfig is the quality-check policy.
type LintConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Command       string   `mapstructure:"command"`
	FailOnError   bool     `mapstructure:"fail_on_error"`
	FailOnWarning bool     `mapstructure:"fail_on_warning"`
	Suppress      []string `mapstructure:"suppress"`
}

// BackendConfig drives the image-based packaging backend.
type BackendConfig struct {
	Command       string   `mapstructure:"command"`
	Dockerfile    string   `mapstructure:"dockerfile"`
	RequiredTools []string `mapstructure:"required_tools"`
	DaemonCheck   string   `mapstructure:"daemon_check"`
}

// ReleaseConfig points at the upstream release host.
type ReleaseConfig struct {
	APIURL      string        `mapstructure:"api_url"`
	DownloadURL string        `mapstructure:"download_url"`
	Token       string        `mapstructure:"token"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// CacheConfig enables the cross-run release listing cache.
type CacheConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// StoreConfig enables run history persistence.
type StoreConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

// PublishConfig uploads produced packages to a repository host.
type PublishConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	PrivateKey string `mapstructure:"private_key"`
	Dir        string `mapstructure:"dir"`
}

// TelemetryConfig controls sampling, tracing and baselines.
type TelemetryConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	BaselinePath   string        `mapstructure:"baseline_path"`
	Trace          bool          `mapstructure:"trace"`
}

// OutputConfig controls where artifacts and the summary land.
type OutputConfig struct {
	Dir           string `mapstructure:"dir"`
	WorkDir       string `mapstructure:"work_dir"`
	SummaryPath   string `mapstructure:"summary_path"`
	SummaryFormat string `mapstructure:"summary_format"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the immutable run configuration shared by every component.
type Config struct {
	Package       PackageConfig       `mapstructure:"package"`
	Distributions []string            `mapstructure:"distributions"`
	Discovery     DiscoveryConfig     `mapstructure:"discovery"`
	Concurrency   ConcurrencyConfig   `mapstructure:"concurrency"`
	Resources     ResourceConfig      `mapstructure:"resources"`
	Timeouts      TimeoutConfig       `mapstructure:"timeouts"`
	Policy        map[string][]string `mapstructure:"policy"`
	Lint          LintConfig          `mapstructure:"lint"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Release       ReleaseConfig       `mapstructure:"release"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Store         StoreConfig         `mapstructure:"store"`
	Publish       PublishConfig       `mapstructure:"publish"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Output        OutputConfig        `mapstructure:"output"`
	Log           LogConfig           `mapstructure:"log"`

	// Architectures and Templates are derived from the shape of the
	// "architectures" key: a list selects auto-discovery, a map of
	// arch -> asset template selects manual mode.
	Architectures []string          `mapstructure:"-"`
	Templates     map[string]string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("package.build", 1)
	v.SetDefault("package.tag_prefix", "v")
	v.SetDefault("package.archive_format", "tar.gz")
	v.SetDefault("discovery.variant_preference", []string{"gnu", "musl"})
	v.SetDefault("concurrency.max_parallel", 0)
	v.SetDefault("concurrency.override", 0)
	v.SetDefault("concurrency.hard_ceiling", 16)
	v.SetDefault("resources.cpus", 0)
	v.SetDefault("resources.memory_bytes", uint64(0))
	v.SetDefault("resources.disk_free_bytes", uint64(0))
	v.SetDefault("resources.environment", "auto")
	v.SetDefault("resources.job_memory_floor", uint64(2<<30))
	v.SetDefault("resources.job_cpu_floor", 1)
	v.SetDefault("resources.job_disk_floor", uint64(5<<30))
	v.SetDefault("timeouts.architecture", 45*time.Minute)
	v.SetDefault("timeouts.distribution", 30*time.Minute)
	v.SetDefault("timeouts.preflight", 20*time.Second)
	v.SetDefault("lint.enabled", true)
	v.SetDefault("lint.command", "lintian")
	v.SetDefault("lint.fail_on_error", true)
	v.SetDefault("lint.fail_on_warning", false)
	v.SetDefault("backend.dockerfile", "Dockerfile")
	v.SetDefault("backend.required_tools", []string{"docker"})
	v.SetDefault("backend.daemon_check", "docker info")
	v.SetDefault("release.api_url", "https://api.github.com")
	v.SetDefault("release.download_url", "https://github.com")
	v.SetDefault("release.token", "")
	v.SetDefault("release.max_retries", 3)
	v.SetDefault("release.timeout", 10*time.Minute)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("store.database_url", "")
	v.SetDefault("publish.host", "")
	v.SetDefault("publish.port", 22)
	v.SetDefault("publish.user", "")
	v.SetDefault("publish.password", "")
	v.SetDefault("publish.private_key", "")
	v.SetDefault("publish.dir", "")
	v.SetDefault("telemetry.sample_interval", 2*time.Second)
	v.SetDefault("telemetry.baseline_path", ".multiarch/baseline.toml")
	v.SetDefault("telemetry.trace", false)
	v.SetDefault("output.dir", "dist")
	v.SetDefault("output.work_dir", "")
	v.SetDefault("output.summary_path", "dist/build-summary.json")
	v.SetDefault("output.summary_format", "json")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path (any format viper understands) with
// MULTIARCH_* environment overrides applied on top. An empty path reads
// multiarch.{yaml,toml,json} from the working directory when present.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("multiarch")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	archs, templates, err := architectureSpec(v.Get("architectures"))
	if err != nil {
		return Config{}, err
	}
	cfg.Architectures = archs
	cfg.Templates = templates
	return cfg, nil
}

func architectureSpec(raw any) ([]string, map[string]string, error) {
	switch spec := raw.(type) {
	case nil:
		return nil, nil, nil
	case string:
		// env overrides arrive as a comma or space separated string
		return splitList(spec), nil, nil
	case []string:
		return append([]string(nil), spec...), nil, nil
	case []any:
		archs := make([]string, 0, len(spec))
		for _, item := range spec {
			archs = append(archs, strings.TrimSpace(fmt.Sprint(item)))
		}
		return archs, nil, nil
	case map[string]any:
		templates := make(map[string]string, len(spec))
		archs := make([]string, 0, len(spec))
		for arch, tmpl := range spec {
			s, ok := tmpl.(string)
			if !ok {
				return nil, nil, fmt.Errorf("%w: architecture %q template must be a string", ErrInvalid, arch)
			}
			templates[arch] = s
			archs = append(archs, arch)
		}
		sort.Strings(archs)
		return archs, templates, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported architectures shape %T", ErrInvalid, raw)
	}
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Request builds the immutable BuildRequest for this run. A non-empty only
// list narrows the configured architectures.
func (c Config) Request(only []string) builder.BuildRequest {
	archs := c.Architectures
	if len(only) > 0 {
		archs = append([]string(nil), only...)
	}
	var templates map[string]string
	if c.Templates != nil {
		templates = make(map[string]string, len(c.Templates))
		for k, v := range c.Templates {
			templates[k] = v
		}
	}
	return builder.BuildRequest{
		Package:       c.Package.Name,
		Repository:    c.Package.Repository,
		Version:       c.Package.Version,
		Build:         c.Package.Build,
		TagPrefix:     c.Package.TagPrefix,
		Format:        c.Package.Format,
		BinaryPath:    c.Package.BinaryPath,
		Architectures: archs,
		Distributions: append([]string(nil), c.Distributions...),
		Templates:     templates,
		MaxParallel:   c.Concurrency.MaxParallel,
		Metadata:      c.Package.Metadata,
	}
}

// RequestedParallel resolves the user-requested architecture pool size:
// explicit CLI value, then the override layer, then the request default.
// Zero means nothing was requested and the computed resource bound applies.
// The result is always clamped later by the resource profile.
func (c Config) RequestedParallel(cli int) (int, string) {
	switch {
	case cli > 0:
		return cli, "cli"
	case c.Concurrency.Override > 0:
		return c.Concurrency.Override, "override"
	case c.Concurrency.MaxParallel > 0:
		return c.Concurrency.MaxParallel, "request"
	default:
		return 0, "computed"
	}
}

// SupportedFormats lists the archive formats the fetcher can extract.
var SupportedFormats = []string{"tar.gz", "tgz", "tar.xz", "txz", "tar.bz2", "tbz2", "tar.zst", "zip"}

// Validate reports configuration that makes any run impossible.
func (c Config) Validate() error {
	var problems []string
	if err := c.Request(nil).Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if !containsString(SupportedFormats, c.Package.Format) {
		problems = append(problems, fmt.Sprintf("unsupported archive format %q", c.Package.Format))
	}
	for arch, tmpl := range c.Templates {
		if strings.TrimSpace(tmpl) == "" {
			problems = append(problems, fmt.Sprintf("architecture %q has an empty template", arch))
		}
	}
	for arch, pattern := range c.Discovery.Patterns {
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			problems = append(problems, fmt.Sprintf("pattern for %q does not compile: %v", arch, err))
		}
	}
	if c.Concurrency.MaxParallel < 0 || c.Concurrency.Override < 0 {
		problems = append(problems, "concurrency values must not be negative")
	}
	if c.Concurrency.HardCeiling < 1 {
		problems = append(problems, "concurrency.hard_ceiling must be >= 1")
	}
	switch c.Output.SummaryFormat {
	case "json", "yaml":
	default:
		problems = append(problems, fmt.Sprintf("unsupported summary format %q", c.Output.SummaryFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
