package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"pushfanout/pkg/config"
)

type PushBreaker struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	SuccessThreshold    int `yaml:"success_threshold"`
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	HalfOpenMaxRequests int `yaml:"half_open_max_requests"`
}

type Push struct {
	// fcm 或 log
	Driver          string      `yaml:"driver"`
	ProjectID       string      `yaml:"project_id"`
	CredentialsFile string      `yaml:"credentials_file"`
	BatchSize       int         `yaml:"batch_size"`
	Breaker         PushBreaker `yaml:"breaker"`
}

type Fanout struct {
	Queue          string `yaml:"queue"`
	Prefetch       int    `yaml:"prefetch"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxDeliveries  int    `yaml:"max_deliveries"`
	DedupTTLHours  int    `yaml:"dedup_ttl_hours"`
}

type Retention struct {
	WindowHours   int  `yaml:"window_hours"`
	IntervalHours int  `yaml:"interval_hours"`
	RunOnStart    bool `yaml:"run_on_start"`
	PurgeOutbox   bool `yaml:"purge_outbox"`
}

type Outbox struct {
	IntervalMs int `yaml:"interval_ms"`
	BatchSize  int `yaml:"batch_size"`
	MaxRetries int `yaml:"max_retries"`
}

type Config struct {
	Service struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"service"`
	Server config.ServerConfig `yaml:"server"`
	Worker struct {
		HTTPPort string `yaml:"http_port"`
	} `yaml:"worker"`
	DB    config.DBConfig    `yaml:"db"`
	MQ    config.MQConfig    `yaml:"mq"`
	Redis config.RedisConfig `yaml:"redis"`
	JWT   config.JWTConfig   `yaml:"jwt"`
	Push  Push               `yaml:"push"`
	Links struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"links"`
	Fanout    Fanout            `yaml:"fanout"`
	Retention Retention         `yaml:"retention"`
	Outbox    Outbox            `yaml:"outbox"`
	OTel      config.OTelConfig `yaml:"otel"`
}

// Load 读取失败时直接退出进程
func Load() *Config {
	cfg, err := LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideOTelFromEnv(&cfg.OTel)
	overridePushFromEnv(&cfg.Push)

	cfg.applyDefaults()
	return &cfg, nil
}

func overridePushFromEnv(p *Push) {
	if v := os.Getenv("PUSH_DRIVER"); v != "" {
		p.Driver = v
	}
	if v := os.Getenv("PUSH_PROJECT_ID"); v != "" {
		p.ProjectID = v
	}
	if v := os.Getenv("PUSH_CREDENTIALS_FILE"); v != "" {
		p.CredentialsFile = v
	}
	if v := os.Getenv("PUSH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.BatchSize = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Worker.HTTPPort == "" {
		c.Worker.HTTPPort = "8085"
	}
	if c.Push.Driver == "" {
		c.Push.Driver = "log"
	}
	if c.Push.BatchSize <= 0 || c.Push.BatchSize > 500 {
		c.Push.BatchSize = 500
	}
	if c.Links.BasePath == "" {
		c.Links.BasePath = "/admin"
	}
	if c.Fanout.Queue == "" {
		c.Fanout.Queue = "trigger.fanout.q"
	}
	if c.Fanout.Prefetch <= 0 {
		c.Fanout.Prefetch = 8
	}
	if c.Fanout.TimeoutSeconds <= 0 {
		c.Fanout.TimeoutSeconds = 60
	}
	if c.Fanout.MaxDeliveries <= 0 {
		c.Fanout.MaxDeliveries = 5
	}
	if c.Fanout.DedupTTLHours <= 0 {
		c.Fanout.DedupTTLHours = 48
	}
	if c.Retention.WindowHours <= 0 {
		c.Retention.WindowHours = 24
	}
	if c.Retention.IntervalHours <= 0 {
		c.Retention.IntervalHours = 24
	}
	if c.Outbox.IntervalMs <= 0 {
		c.Outbox.IntervalMs = 1000
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 5
	}
}

func (f Fanout) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

func (f Fanout) DedupTTL() time.Duration {
	return time.Duration(f.DedupTTLHours) * time.Hour
}

func (r Retention) Window() time.Duration {
	return time.Duration(r.WindowHours) * time.Hour
}

func (r Retention) Interval() time.Duration {
	return time.Duration(r.IntervalHours) * time.Hour
}

func (o Outbox) Interval() time.Duration {
	return time.Duration(o.IntervalMs) * time.Millisecond
}

func (b PushBreaker) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}
