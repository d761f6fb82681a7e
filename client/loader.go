package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// KernelSpecFile is the name of a kernelspec inside its directory.
const KernelSpecFile = "kernel.json"

// LoadKernelSpec reads a kernelspec. path may be a kernel.json file or the
// directory holding one. Relative argv entries stay relative; Dir is set
// to the kernelspec directory.
func LoadKernelSpec(path string) (LaunchSpec, error) {
	var spec LaunchSpec
	info, err := os.Stat(path)
	if err != nil {
		return spec, fmt.Errorf("failed to read kernelspec: %w", err)
	}
	if info.IsDir() {
		path = filepath.Join(path, KernelSpecFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("failed to read kernelspec: %w", err)
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("failed to parse kernelspec %s: %w", path, err)
	}
	if len(spec.Argv) == 0 {
		return spec, fmt.Errorf("kernelspec %s has no argv", path)
	}
	spec.Dir = filepath.Dir(path)
	return spec, nil
}

// KernelSpecDirs returns the directories searched for named kernelspecs:
// each entry of JUPYTER_PATH, then the user and system data directories.
func KernelSpecDirs() []string {
	var dirs []string
	for _, p := range filepath.SplitList(os.Getenv("JUPYTER_PATH")) {
		if p != "" {
			dirs = append(dirs, filepath.Join(p, "kernels"))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(home, ".local", "share", "jupyter", "kernels"),
			filepath.Join(home, "Library", "Jupyter", "kernels"),
		)
	}
	return append(dirs, "/usr/local/share/jupyter/kernels", "/usr/share/jupyter/kernels")
}

// FindKernelSpec looks up a kernelspec by name in dirs, or in
// KernelSpecDirs when dirs is empty. The first match wins.
func FindKernelSpec(name string, dirs ...string) (LaunchSpec, error) {
	if len(dirs) == 0 {
		dirs = KernelSpecDirs()
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name, KernelSpecFile)
		if _, err := os.Stat(candidate); err == nil {
			return LoadKernelSpec(candidate)
		}
	}
	return LaunchSpec{}, fmt.Errorf("kernelspec %q not found in %s", name, strings.Join(dirs, ", "))
}

// Config is a client configuration file. Durations are strings such as
// "30s" or "1m30s".
type Config struct {
	// KernelSpec names a kernelspec, or a path to one.
	KernelSpec string `toml:"kernelspec" yaml:"kernelspec" json:"kernelspec"`
	// Kernel is an inline launch spec, used when KernelSpec is empty.
	Kernel         *LaunchSpec `toml:"kernel" yaml:"kernel" json:"kernel"`
	ConnectionFile string      `toml:"connection_file" yaml:"connection_file" json:"connection_file"`
	ConnectionDir  string      `toml:"connection_dir" yaml:"connection_dir" json:"connection_dir"`

	Username       string `toml:"username" yaml:"username" json:"username"`
	Correlation    string `toml:"correlation" yaml:"correlation" json:"correlation"`
	RequestTimeout string `toml:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	SendTimeout    string `toml:"send_timeout" yaml:"send_timeout" json:"send_timeout"`
	KillTimeout    string `toml:"kill_timeout" yaml:"kill_timeout" json:"kill_timeout"`

	Heartbeat   HeartbeatConfig `toml:"heartbeat" yaml:"heartbeat" json:"heartbeat"`
	LaunchRetry RetryConfig     `toml:"launch_retry" yaml:"launch_retry" json:"launch_retry"`
	SSH         string          `toml:"ssh" yaml:"ssh" json:"ssh"`
	Gateway     GatewayConfig   `toml:"gateway" yaml:"gateway" json:"gateway"`
	LogLevel    string          `toml:"log_level" yaml:"log_level" json:"log_level"`
}

// HeartbeatConfig enables the heartbeat monitor when Interval is set.
type HeartbeatConfig struct {
	Interval string `toml:"interval" yaml:"interval" json:"interval"`
	Misses   int    `toml:"misses" yaml:"misses" json:"misses"`
}

// RetryConfig describes an exponential backoff for the launch connect.
type RetryConfig struct {
	Attempts     int    `toml:"attempts" yaml:"attempts" json:"attempts"`
	InitialDelay string `toml:"initial_delay" yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     string `toml:"max_delay" yaml:"max_delay" json:"max_delay"`
}

// GatewayConfig points the client at a kernel gateway instead of direct sockets.
type GatewayConfig struct {
	URL      string `toml:"url" yaml:"url" json:"url"`
	KernelID string `toml:"kernel_id" yaml:"kernel_id" json:"kernel_id"`
	Token    string `toml:"token" yaml:"token" json:"token"`
	// JWTSecret mints short-lived HS256 tokens instead of a static Token.
	JWTSecret string `toml:"jwt_secret" yaml:"jwt_secret" json:"jwt_secret"`
	JWTIssuer string `toml:"jwt_issuer" yaml:"jwt_issuer" json:"jwt_issuer"`
}

// LoadConfig reads a configuration file. The format follows the extension:
// .toml, .yaml/.yml or .json.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("config load failed (%s): unknown format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return &cfg, nil
}

// LaunchSpec resolves the kernel to launch: the named or referenced
// kernelspec, else the inline kernel section.
func (c *Config) LaunchSpec() (LaunchSpec, error) {
	if ks := strings.TrimSpace(c.KernelSpec); ks != "" {
		if strings.ContainsRune(ks, filepath.Separator) || strings.HasSuffix(ks, ".json") {
			return LoadKernelSpec(ks)
		}
		return FindKernelSpec(ks)
	}
	if c.Kernel != nil {
		return *c.Kernel, nil
	}
	return LaunchSpec{}, fmt.Errorf("config names no kernel")
}

// Options converts the file settings into client options. Unset fields
// keep their defaults.
func (c *Config) Options() ([]Option, error) {
	var opts []Option

	if c.Username != "" {
		opts = append(opts, WithUsername(c.Username))
	}
	switch strings.ToLower(strings.TrimSpace(c.Correlation)) {
	case "", "parent":
	case "type":
		opts = append(opts, WithCorrelationPolicy(MatchByType))
	default:
		return nil, fmt.Errorf("parse correlation: unknown policy %q", c.Correlation)
	}
	if c.ConnectionDir != "" {
		opts = append(opts, WithConnectionDir(c.ConnectionDir))
	}

	durations := []struct {
		name  string
		value string
		apply func(time.Duration) Option
	}{
		{"request_timeout", c.RequestTimeout, WithRequestTimeout},
		{"send_timeout", c.SendTimeout, WithSendTimeout},
		{"kill_timeout", c.KillTimeout, WithKillTimeout},
	}
	for _, d := range durations {
		v, ok, err := parseDuration(d.name, d.value)
		if err != nil {
			return nil, err
		}
		if ok {
			opts = append(opts, d.apply(v))
		}
	}

	interval, ok, err := parseDuration("heartbeat.interval", c.Heartbeat.Interval)
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, WithHeartbeat(interval, c.Heartbeat.Misses))
	}

	if c.LaunchRetry.Attempts > 1 {
		initial, ok, err := parseDuration("launch_retry.initial_delay", c.LaunchRetry.InitialDelay)
		if err != nil {
			return nil, err
		}
		if !ok {
			initial = 100 * time.Millisecond
		}
		maxDelay, ok, err := parseDuration("launch_retry.max_delay", c.LaunchRetry.MaxDelay)
		if err != nil {
			return nil, err
		}
		if !ok {
			maxDelay = 2 * time.Second
		}
		opts = append(opts, WithLaunchRetry(NewExponentialBackoff(initial, maxDelay, c.LaunchRetry.Attempts)))
	}
	return opts, nil
}

func parseDuration(name, raw string) (time.Duration, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, true, nil
}
