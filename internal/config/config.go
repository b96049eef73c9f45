package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/throw-if-null/taskrelay/internal/api"
	"github.com/throw-if-null/taskrelay/internal/paths"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Executor  ExecutorConfig  `toml:"executor"`
	Store     StoreConfig     `toml:"store"`
	Relay     RelayConfig     `toml:"relay"`
	Recovery  RecoveryConfig  `toml:"recovery"`
	Rollback  RollbackConfig  `toml:"rollback"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ExecutorConfig struct {
	Command          []string `toml:"command"`
	PromptFlag       string   `toml:"prompt_flag"`
	Args             []string `toml:"args"`
	Workdir          string   `toml:"workdir"`
	RespondTimeoutMS int      `toml:"respond_timeout_ms"`
}

func (e ExecutorConfig) RespondTimeout() time.Duration {
	return time.Duration(e.RespondTimeoutMS) * time.Millisecond
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type RelayConfig struct {
	SendBuffer     int `toml:"send_buffer"`
	WriteTimeoutMS int `toml:"write_timeout_ms"`
}

func (r RelayConfig) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMS) * time.Millisecond
}

type RecoveryConfig struct {
	ReconcileRunning bool `toml:"reconcile_running"`
	ResumeScheduled  bool `toml:"resume_scheduled"`
}

type RollbackConfig struct {
	Command []string `toml:"command"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

func Default() Config {
	return Config{
		Server:    ServerConfig{Host: api.DefaultHost, Port: api.DefaultPort},
		Executor:  ExecutorConfig{Command: []string{"codex"}, PromptFlag: "--prompt", Args: []string{"--json-output"}, RespondTimeoutMS: 5000},
		Store:     StoreConfig{Path: paths.StateDirName + "/taskrelay.db"},
		Relay:     RelayConfig{SendBuffer: 64, WriteTimeoutMS: 5000},
		Recovery:  RecoveryConfig{ReconcileRunning: true, ResumeScheduled: true},
		Telemetry: TelemetryConfig{ServiceName: "taskrelayd"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads <repoRoot>/.taskrelay/config.toml over the defaults. Keys absent
// from the file keep their default values.
func Load(repoRoot string) LoadResult {
	res := LoadResult{Config: Default()}
	path := paths.ConfigPath(repoRoot)
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	parsed := Default()
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}
	if err := parsed.Validate(); err != nil {
		res.ParseError = err
		return res
	}

	res.Config = parsed
	return res
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	if len(c.Executor.Command) == 0 || strings.TrimSpace(c.Executor.Command[0]) == "" {
		return fmt.Errorf("%w: executor.command must name an executable", ErrInvalid)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required", ErrInvalid)
	}
	if c.Executor.RespondTimeoutMS < 0 {
		return fmt.Errorf("%w: executor.respond_timeout_ms must not be negative", ErrInvalid)
	}
	if c.Relay.SendBuffer < 0 || c.Relay.WriteTimeoutMS < 0 {
		return fmt.Errorf("%w: relay values must not be negative", ErrInvalid)
	}
	return nil
}

// ApplyEnv overrides file values from the environment: CODEX_CLI_PATH
// replaces the executable and PORT the listen port.
func ApplyEnv(cfg Config, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if exe := getenv("CODEX_CLI_PATH"); exe != "" {
		cmd := append([]string{}, cfg.Executor.Command...)
		if len(cmd) == 0 {
			cmd = []string{exe}
		} else {
			cmd[0] = exe
		}
		cfg.Executor.Command = cmd
	}
	if p := getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return cfg, fmt.Errorf("%w: PORT=%q: %v", ErrInvalid, p, err)
		}
		cfg.Server.Port = port
	}
	return cfg, cfg.Validate()
}
