package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	Tasks        TasksConfig        `yaml:"tasks"`
	Bus          BusConfig          `yaml:"bus"`
	NATS         NATSConfig         `yaml:"nats"`
	Store        StoreConfig        `yaml:"store"`
	Redis        RedisConfig        `yaml:"redis"`
	Web          WebConfig          `yaml:"web"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Recurring    []RecurringTask    `yaml:"recurring"`
	Log          LogConfig          `yaml:"log"`
}

type OrchestratorConfig struct {
	MasterID            string        `yaml:"master_id"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	AgentTimeout        time.Duration `yaml:"agent_timeout"`
	MaxSlaveAgents      int           `yaml:"max_slave_agents"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	MessagePollInterval time.Duration `yaml:"message_poll_interval"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
	CleanupGrace        time.Duration `yaml:"cleanup_grace"`
}

type AgentConfig struct {
	ID                string        `yaml:"id"`
	Capabilities      []string      `yaml:"capabilities"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	// Local is the number of agents the master runs in-process.
	Local    int    `yaml:"local"`
	Executor string `yaml:"executor"` // "command" or "docker"
}

type TasksConfig struct {
	Dir        string `yaml:"dir"`
	MaxRetries int    `yaml:"max_retries"`
}

type BusConfig struct {
	Backend       string        `yaml:"backend"` // "sqlite", "redis" or "none"
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	QueuePath     string        `yaml:"queue_path"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ReplayRate    float64       `yaml:"replay_rate"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// URL is used by agent processes to reach the master's embedded server.
	URL string `yaml:"url"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type ExecutorConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
	Workdir string        `yaml:"workdir"`
	Image   string        `yaml:"image"`
	// Mounts are extra docker binds, "source:target[:ro]".
	Mounts []string `yaml:"mounts"`
	// Env names host variables forwarded to task containers.
	Env []string `yaml:"env"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
	// AllowFrom limits bot commands to these user ids; alerts go to ChatID.
	AllowFrom []int64 `yaml:"allow_from"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RecurringTask struct {
	Name        string `yaml:"name"`
	Schedule    string `yaml:"schedule"`
	Type        string `yaml:"type"`
	Priority    string `yaml:"priority"`
	Description string `yaml:"description"`
	FilePattern string `yaml:"file_pattern"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			MasterID:            "master",
			HealthCheckInterval: 10 * time.Second,
			AgentTimeout:        30 * time.Second,
			MaxSlaveAgents:      10,
			MaxConcurrent:       4,
			MessagePollInterval: time.Second,
			DrainTimeout:        30 * time.Second,
			CleanupGrace:        10 * time.Minute,
		},
		Agent: AgentConfig{
			Capabilities:      []string{"code", "test", "review"},
			HeartbeatInterval: 5 * time.Second,
			PollInterval:      time.Second,
			Executor:          "command",
		},
		Tasks: TasksConfig{
			Dir:        "data/tasks",
			MaxRetries: 3,
		},
		Bus: BusConfig{
			Backend:       "sqlite",
			DefaultTTL:    300 * time.Second,
			QueuePath:     "data/queue.json",
			SweepInterval: 15 * time.Second,
			ReplayRate:    50,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/drover.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Executor: ExecutorConfig{
			Command: "claude",
			Args:    []string{"-p"},
			Timeout: 30 * time.Minute,
			Image:   "drover-agent:latest",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("DROVER_CONFIG")
	if path == "" {
		path = "config/drover.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.MasterID == "" {
		return fmt.Errorf("orchestrator.master_id is required")
	}
	if c.Orchestrator.HealthCheckInterval <= 0 {
		return fmt.Errorf("orchestrator.health_check_interval must be positive")
	}
	if c.Orchestrator.AgentTimeout <= 0 {
		return fmt.Errorf("orchestrator.agent_timeout must be positive")
	}
	if c.Orchestrator.MaxConcurrent <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent must be positive")
	}
	switch c.Bus.Backend {
	case "sqlite", "redis", "none":
	default:
		return fmt.Errorf("unknown bus backend: %s", c.Bus.Backend)
	}
	switch c.Agent.Executor {
	case "command", "docker":
	default:
		return fmt.Errorf("unknown agent executor: %s", c.Agent.Executor)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DROVER_MASTER_ID"); v != "" {
		cfg.Orchestrator.MasterID = v
	}
	if v := os.Getenv("DROVER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxConcurrent = n
		}
	}
	if v := os.Getenv("DROVER_AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("DROVER_AGENT_CAPABILITIES"); v != "" {
		cfg.Agent.Capabilities = splitList(v)
	}
	if v := os.Getenv("DROVER_BUS_BACKEND"); v != "" {
		cfg.Bus.Backend = v
	}
	if v := os.Getenv("DROVER_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("DROVER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("DROVER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DROVER_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("DROVER_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("DROVER_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("DROVER_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("DROVER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
