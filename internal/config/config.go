// Package config loads service settings from defaults, an optional TOML
// file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	EnvConfigPath = "MANIMATIC_CONFIG"
	envFile       = ".env"
)

// Duration is a time.Duration that reads as "90s" or "5m" from TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Model   ModelConfig   `toml:"model"`
	Render  RenderConfig  `toml:"render"`
	Publish PublishConfig `toml:"publish"`
	Limits  LimitsConfig  `toml:"limits"`
}

type ServerConfig struct {
	Addr         string   `toml:"addr"`
	MaxBodyBytes int64    `toml:"max_body_bytes"`
	RetryAfter   Duration `toml:"retry_after"`
}

type ModelConfig struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
	// APIKey is only read from the environment.
	APIKey string `toml:"-"`
	// APIKeyParam names the SSM parameter holding the key when APIKey is empty.
	APIKeyParam string `toml:"api_key_param"`
}

type RenderConfig struct {
	Command   string `toml:"command"`
	Quality   string `toml:"quality"`
	Scene     string `toml:"scene"`
	Script    string `toml:"script"`
	MediaDir  string `toml:"media_dir"`
	Extension string `toml:"extension"`
	TempDir   string `toml:"temp_dir"`
}

type PublishConfig struct {
	Dir       string `toml:"dir"`
	URLPrefix string `toml:"url_prefix"`
}

type LimitsConfig struct {
	MaxPromptLength      int      `toml:"max_prompt_length"`
	MaxConcurrentRenders int      `toml:"max_concurrent_renders"`
	QueueWait            Duration `toml:"queue_wait"`
	GenerateTimeout      Duration `toml:"generate_timeout"`
	RenderTimeout        Duration `toml:"render_timeout"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
			RetryAfter:   Duration(10 * time.Second),
		},
		Model: ModelConfig{
			Name:    "gemini-2.0-flash",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
		},
		Render: RenderConfig{
			Command:   "manim",
			Quality:   "l",
			Scene:     "Animation",
			Script:    "main.py",
			MediaDir:  "media",
			Extension: ".mp4",
			TempDir:   "temp",
		},
		Publish: PublishConfig{
			Dir:       "public/animations",
			URLPrefix: "/animations",
		},
		Limits: LimitsConfig{
			MaxPromptLength:      4000,
			MaxConcurrentRenders: 2,
			QueueWait:            Duration(30 * time.Second),
			GenerateTimeout:      Duration(60 * time.Second),
			RenderTimeout:        Duration(5 * time.Minute),
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// MANIMATIC_CONFIG is consulted; with neither set only defaults and the
// environment apply. A missing .env file is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path == "" {
		path, _ = lookup(EnvConfigPath)
	}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("MANIMATIC_API_KEY", &c.Model.APIKey)
	str("GEMINI_API_KEY", &c.Model.APIKey)
	str("MANIMATIC_API_KEY_PARAM", &c.Model.APIKeyParam)
	str("MANIMATIC_ADDR", &c.Server.Addr)
	str("MANIMATIC_PUBLIC_DIR", &c.Publish.Dir)
	str("MANIMATIC_TEMP_DIR", &c.Render.TempDir)
	str("MANIMATIC_MODEL", &c.Model.Name)
	str("MANIMATIC_BASE_URL", &c.Model.BaseURL)
	str("MANIMATIC_RENDERER", &c.Render.Command)

	if v, ok := lookup("MANIMATIC_MAX_RENDERS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: MANIMATIC_MAX_RENDERS: %w", err)
		}
		c.Limits.MaxConcurrentRenders = n
	}
	for key, dst := range map[string]*Duration{
		"MANIMATIC_RENDER_TIMEOUT":   &c.Limits.RenderTimeout,
		"MANIMATIC_GENERATE_TIMEOUT": &c.Limits.GenerateTimeout,
	} {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}

// WithBaseDir returns a copy of c with relative render and publish
// directories rooted at root. Absolute paths are left alone.
func (c Config) WithBaseDir(root string) Config {
	rebase := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	c.Render.TempDir = rebase(c.Render.TempDir)
	c.Publish.Dir = rebase(c.Publish.Dir)
	return c
}

func (c Config) Validate() error {
	var errs []error
	required := map[string]string{
		"server.addr":        c.Server.Addr,
		"model.name":         c.Model.Name,
		"model.base_url":     c.Model.BaseURL,
		"render.command":     c.Render.Command,
		"render.scene":       c.Render.Scene,
		"render.script":      c.Render.Script,
		"render.media_dir":   c.Render.MediaDir,
		"render.temp_dir":    c.Render.TempDir,
		"publish.dir":        c.Publish.Dir,
		"publish.url_prefix": c.Publish.URLPrefix,
	}
	for name, v := range required {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}
	if c.Model.APIKey == "" && c.Model.APIKeyParam == "" {
		errs = append(errs, errors.New("an API key (GEMINI_API_KEY) or model.api_key_param is required"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Limits.MaxPromptLength <= 0 {
		errs = append(errs, errors.New("limits.max_prompt_length must be positive"))
	}
	if c.Limits.MaxConcurrentRenders <= 0 {
		errs = append(errs, errors.New("limits.max_concurrent_renders must be positive"))
	}
	if c.Limits.QueueWait < 0 {
		errs = append(errs, errors.New("limits.queue_wait must not be negative"))
	}
	if c.Limits.GenerateTimeout <= 0 {
		errs = append(errs, errors.New("limits.generate_timeout must be positive"))
	}
	if c.Limits.RenderTimeout <= 0 {
		errs = append(errs, errors.New("limits.render_timeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
