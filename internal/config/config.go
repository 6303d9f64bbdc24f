package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agent-arcade/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

// ConfigFileName is the TOML config file for user preferences.
const ConfigFileName = "config.toml"

// Config is the full agent-arcade configuration. Fields are pre-filled with
// built-in defaults; a user's config.toml is decoded on top, so unset keys
// keep their defaults. The built-in agents are always present and a user
// table with the same id overrides them field-by-field.
type Config struct {
	// Tmux defines session-level settings.
	Tmux TmuxConfig `toml:"tmux"`

	// Monitoring defines detection loop settings shared by all strategies.
	Monitoring MonitoringConfig `toml:"monitoring"`

	// Keybindings defines root-table tmux key bindings.
	Keybindings KeybindingsConfig `toml:"keybindings"`

	// Games defines the companion window command.
	Games GamesConfig `toml:"games"`

	// History defines run/transition recording settings.
	History HistoryConfig `toml:"history"`

	// Logs defines debug log settings.
	Logs LogConfig `toml:"logs"`

	// Agents defines agent profiles, keyed by agent id.
	Agents map[string]AgentConfig `toml:"agents"`
}

// TmuxConfig defines session-level tmux settings.
type TmuxConfig struct {
	SessionName string `toml:"session_name"`
	StatusBar   bool   `toml:"status_bar"`
	MouseMode   bool   `toml:"mouse_mode"`
}

// MonitoringConfig defines detection loop settings.
type MonitoringConfig struct {
	// CheckIntervalSecs is the pane/game poll interval (default 0.5).
	CheckIntervalSecs float64 `toml:"check_interval"`

	// InactivityTimeoutSecs is seconds of unchanged output before an agent
	// with no direct idle signal is declared idle (default 2.0).
	InactivityTimeoutSecs float64 `toml:"inactivity_timeout"`

	// BufferLines is how many lines of pane history each capture reads
	// (default 50).
	BufferLines int `toml:"buffer_lines"`
}

// KeybindingsConfig defines tmux key bindings.
type KeybindingsConfig struct {
	// ToggleWindow switches between the agent and games windows.
	ToggleWindow string `toml:"toggle_window"`

	// ExitApp kills the whole session.
	ExitApp string `toml:"exit_app"`
}

// GamesConfig defines the companion window.
type GamesConfig struct {
	// Command is launched in window 1 under the crash guard.
	Command string `toml:"command"`
}

// HistoryConfig defines run history recording.
type HistoryConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig defines debug log settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AgentConfig is one agent profile.
type AgentConfig struct {
	ID   string `toml:"-"`
	Name string `toml:"name"`

	// Command + Args launch the agent in window 0.
	Command string   `toml:"command"`
	Args    []string `toml:"args"`

	// Detection picks the strategy: "statefile", "layered", or "" / "pattern"
	// for regex matching against pane text.
	Detection string `toml:"detection"`

	// StateFile overrides the sidecar state file path for statefile agents.
	StateFile string `toml:"state_file"`

	// ReadyPatterns are ordered regexes tested against cleaned pane text by
	// the pattern strategy; first match means idle.
	ReadyPatterns []string `toml:"ready_patterns"`

	// WorkingDirectory is the directory the agent runs in (~ expanded).
	WorkingDirectory string `toml:"working_directory"`

	// LogFile overrides the raw log path for log-tailing agents.
	LogFile string `toml:"log_file"`

	// SessionDir overrides the transcript session directory.
	SessionDir string `toml:"session_dir"`
}

// DataDir returns the agent-arcade data directory (~/.agent-arcade, or
// ~/.agent-arcade-dev when AGENT_ARCADE_DEV is set).
func DataDir() string {
	name := ".agent-arcade"
	if os.Getenv("AGENT_ARCADE_DEV") != "" {
		name = ".agent-arcade-dev"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), name)
	}
	return filepath.Join(home, name)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Tmux: TmuxConfig{
			SessionName: "agent-arcade",
			StatusBar:   true,
			MouseMode:   false,
		},
		Monitoring: MonitoringConfig{
			CheckIntervalSecs:     0.5,
			InactivityTimeoutSecs: 2.0,
			BufferLines:           50,
		},
		Keybindings: KeybindingsConfig{
			ToggleWindow: "C-Space",
			ExitApp:      "C-x",
		},
		Games: GamesConfig{
			Command: "agent-arcade-games",
		},
		History: HistoryConfig{Enabled: true},
		Logs:    LogConfig{Level: "info", Format: "json"},
		Agents:  defaultAgents(),
	}
}

func defaultAgents() map[string]AgentConfig {
	return map[string]AgentConfig{
		"claude_code": {
			ID:        "claude_code",
			Name:      "Claude Code",
			Command:   "claude",
			Detection: "statefile",
			ReadyPatterns: []string{
				`What would you like to do\?`,
				`^> `,
			},
		},
		"codex": {
			ID:         "codex",
			Name:       "Codex",
			Command:    "codex",
			Detection:  "layered",
			LogFile:    "~/.codex/log/codex-tui.log",
			SessionDir: "~/.codex/sessions",
		},
	}
}

// Load reads config.toml from the data directory, merging user values over
// the built-in defaults. A missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(DataDir(), ConfigFileName))
}

// LoadFrom reads a specific config file path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Decode over a copy of the defaults so unset keys keep their built-in
	// values. Agents decode into an empty map so a partial [agents.<id>]
	// table can override the built-in profile field-by-field below.
	user := *cfg
	user.Agents = make(map[string]AgentConfig)
	if _, err := toml.Decode(string(data), &user); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	merged := user
	merged.Agents = cfg.Agents
	for id, a := range user.Agents {
		base, ok := merged.Agents[id]
		if !ok {
			base = AgentConfig{}
		}
		if a.Name != "" {
			base.Name = a.Name
		}
		if a.Command != "" {
			base.Command = a.Command
		}
		if a.Args != nil {
			base.Args = a.Args
		}
		if a.ReadyPatterns != nil {
			base.ReadyPatterns = a.ReadyPatterns
		}
		if a.Detection != "" {
			base.Detection = a.Detection
		}
		if a.StateFile != "" {
			base.StateFile = a.StateFile
		}
		if a.WorkingDirectory != "" {
			base.WorkingDirectory = a.WorkingDirectory
		}
		if a.LogFile != "" {
			base.LogFile = a.LogFile
		}
		if a.SessionDir != "" {
			base.SessionDir = a.SessionDir
		}
		merged.Agents[id] = base
	}

	for id := range merged.Agents {
		a := merged.Agents[id]
		a.ID = id
		a.WorkingDirectory = ExpandHome(a.WorkingDirectory)
		a.LogFile = ExpandHome(a.LogFile)
		a.SessionDir = ExpandHome(a.SessionDir)
		a.StateFile = ExpandHome(a.StateFile)
		merged.Agents[id] = a
	}

	configLog.Debug("config_loaded", "path", path, "agents", len(merged.Agents))
	return &merged, nil
}

// ResolveAgent matches a selector against agent ids and names,
// case-insensitively.
func (c *Config) ResolveAgent(selector string) (AgentConfig, bool) {
	if selector == "" {
		return AgentConfig{}, false
	}
	if a, ok := c.Agents[selector]; ok {
		return a, true
	}
	lower := strings.ToLower(selector)
	for _, a := range c.Agents {
		if strings.ToLower(a.ID) == lower || strings.ToLower(a.Name) == lower {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// AgentIDs returns all configured agent ids, sorted.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckInterval returns the poll interval as a duration.
func (m MonitoringConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalSecs * float64(time.Second))
}

// InactivityTimeout returns the inactivity timeout as a duration.
func (m MonitoringConfig) InactivityTimeout() time.Duration {
	return time.Duration(m.InactivityTimeoutSecs * float64(time.Second))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
