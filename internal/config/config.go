package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"
)

const (
	// FileName is the configuration file name without extension.
	FileName = "provision"

	// EnvPrefix is the prefix for environment variable overrides.
	// PROVISION_BASE_IMAGE overrides base_image, PROVISION_PIP_INDEX_URL
	// overrides pip.index_url, and so on.
	EnvPrefix = "PROVISION"
)

// keyDelimiter separates nested configuration keys.
const keyDelimiter = "::"

// Nested configuration keys, for use in LoadOptions.Overrides.
const (
	KeyPipIndexURL  = "pip" + keyDelimiter + "index_url"
	KeyPipExtraArgs = "pip" + keyDelimiter + "extra_args"
)

// Extensions lists the configuration file extensions searched in the build
// context, in lookup order.
var Extensions = []string{"yaml", "yml", "toml", "json", "jsonc"}

// PipConfig holds installer settings applied on top of the manifest's own
// option lines.
type PipConfig struct {
	// IndexURL replaces the default package index (pip --index-url).
	IndexURL string `mapstructure:"index_url" yaml:"index_url,omitempty" json:"indexUrl,omitempty"`

	// ExtraArgs are appended verbatim to every pip install invocation.
	ExtraArgs []string `mapstructure:"extra_args" yaml:"extra_args,omitempty" json:"extraArgs,omitempty"`
}

// Config is the effective provisioner configuration.
type Config struct {
	// Context is the build context directory. Every other relative path is
	// resolved against it.
	Context string `mapstructure:"context" yaml:"context" json:"context"`

	// Source is the application tree copied into the working root.
	Source string `mapstructure:"source" yaml:"source" json:"source"`

	// Manifest is the dependency manifest (requirements.txt or pyproject.toml).
	Manifest string `mapstructure:"manifest" yaml:"manifest" json:"manifest"`

	// Entrypoint is the program launched at run time, relative to the
	// working root.
	Entrypoint string `mapstructure:"entrypoint" yaml:"entrypoint" json:"entrypoint"`

	// Interpreter is the Python executable used to create the local virtual
	// environment and to run the entrypoint inside images.
	Interpreter string `mapstructure:"interpreter" yaml:"interpreter" json:"interpreter"`

	// WorkingRoot is the absolute working root inside images.
	WorkingRoot string `mapstructure:"working_root" yaml:"working_root" json:"workingRoot"`

	// LocalRoot is the working root for the local backend.
	LocalRoot string `mapstructure:"local_root" yaml:"local_root" json:"localRoot"`

	// BaseImage is the image every container build starts from.
	BaseImage string `mapstructure:"base_image" yaml:"base_image" json:"baseImage"`

	// Tag is the reference applied to built images.
	Tag string `mapstructure:"tag" yaml:"tag" json:"tag"`

	// Exclude holds extra patterns skipped when copying the source tree,
	// on top of the built-in excludes.
	Exclude []string `mapstructure:"exclude" yaml:"exclude,omitempty" json:"exclude,omitempty"`

	// Pip holds installer settings.
	Pip PipConfig `mapstructure:"pip" yaml:"pip" json:"pip"`

	// Labels are extra image labels. Keys under the provisioner label
	// namespace are reserved.
	Labels map[string]string `mapstructure:"labels" yaml:"labels,omitempty" json:"labels,omitempty"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Context:     ".",
		Source:      ".",
		Manifest:    "requirements.txt",
		Entrypoint:  "main.py",
		Interpreter: "python3",
		WorkingRoot: "/app",
		LocalRoot:   filepath.Join(".provision", "root"),
		BaseImage:   "python:3.11-slim",
		Tag:         "provisioner-app:latest",
	}
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// ConfigFile, when set, is read exclusively. A missing file is an error.
	ConfigFile string

	// ContextDir is searched for provision.* when ConfigFile is empty.
	// It also becomes the default build context.
	ContextDir string

	// Overrides are applied last, keyed by configuration key (e.g., "tag",
	// KeyPipIndexURL). The CLI passes changed flags here.
	Overrides map[string]any
}

// Load builds the effective configuration. It returns the configuration,
// the path of the file that was read (empty when none was found) and an
// error. Load does not validate; call Validate on the result.
func Load(opts LoadOptions) (*Config, string, error) {
	// Label keys are dotted ("org.opencontainers.image.title"), so the
	// default "." key delimiter would split them into nested maps.
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))

	defaults := DefaultConfig()
	if opts.ContextDir != "" {
		defaults.Context = opts.ContextDir
	}
	v.SetDefault("context", defaults.Context)
	v.SetDefault("source", defaults.Source)
	v.SetDefault("manifest", defaults.Manifest)
	v.SetDefault("entrypoint", defaults.Entrypoint)
	v.SetDefault("interpreter", defaults.Interpreter)
	v.SetDefault("working_root", defaults.WorkingRoot)
	v.SetDefault("local_root", defaults.LocalRoot)
	v.SetDefault("base_image", defaults.BaseImage)
	v.SetDefault("tag", defaults.Tag)
	v.SetDefault("exclude", []string{})
	v.SetDefault(KeyPipIndexURL, "")
	v.SetDefault(KeyPipExtraArgs, []string{})
	v.SetDefault("labels", map[string]string{})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	path := opts.ConfigFile
	if path == "" {
		path = findConfigFile(defaults.Context)
	} else if _, err := os.Stat(path); err != nil {
		return nil, "", fmt.Errorf("config file not found: %s: %w", path, err)
	}

	if path != "" {
		if err := readInto(v, path); err != nil {
			return nil, "", err
		}
		// A context given in the file is relative to the file itself.
		if v.InConfig("context") {
			if ctxDir := v.GetString("context"); !filepath.IsAbs(ctxDir) {
				v.Set("context", filepath.Join(filepath.Dir(path), ctxDir))
			}
		}
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	abs, err := filepath.Abs(cfg.Context)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve context %s: %w", cfg.Context, err)
	}
	cfg.Context = abs

	return &cfg, path, nil
}

// findConfigFile returns the first provision.<ext> file in dir, or "".
func findConfigFile(dir string) string {
	for _, ext := range Extensions {
		candidate := filepath.Join(dir, FileName+"."+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// readInto merges a configuration file into v. JSON files are stripped of
// comments and trailing commas first.
func readInto(v *viper.Viper, path string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))

	switch ext {
	case "json", "jsonc":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewReader(jsonc.ToJSON(data))); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case "yaml", "yml", "toml":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file type %q: %s", ext, path)
	}

	return nil
}

// SourceDir returns the absolute application tree directory.
func (c *Config) SourceDir() string {
	return c.resolve(c.Source)
}

// ManifestPath returns the absolute dependency manifest path.
func (c *Config) ManifestPath() string {
	return c.resolve(c.Manifest)
}

// LocalRootDir returns the absolute working root for the local backend.
func (c *Config) LocalRootDir() string {
	return c.resolve(c.LocalRoot)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Context, p)
}
