package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/chaos-io/bgremove/rembg"
)

const envPrefix = "BGREMOVE"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Models     ModelsConfig     `mapstructure:"models"`
	Guided     GuidedConfig     `mapstructure:"guided"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Hints      HintsConfig      `mapstructure:"hints"`
	Redis      RedisConfig      `mapstructure:"redis"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxUploadSize  int64         `mapstructure:"max_upload_size"`
}

type ModelsConfig struct {
	CacheDir    string          `mapstructure:"cache_dir"`
	OnnxLibrary string          `mapstructure:"onnx_library"`
	Backends    []rembg.Backend `mapstructure:"backends"`
	// SweepSchedule 清理残留 .part 文件的 cron 表达式
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	PartMaxAge    time.Duration `mapstructure:"part_max_age"`
	// Preload 启动时预先创建的模型
	Preload []string `mapstructure:"preload"`
}

type GuidedConfig struct {
	Strategy      string `mapstructure:"strategy"`
	Iterations    int    `mapstructure:"iterations"`
	MaxSide       int    `mapstructure:"max_side"`
	UndecidedBias string `mapstructure:"undecided_bias"`
}

type ProcessingConfig struct {
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
}

type HintsConfig struct {
	Keep      string `mapstructure:"keep"`
	Remove    string `mapstructure:"remove"`
	Tolerance int    `mapstructure:"tolerance"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Load 从 YAML 文件加载配置，环境变量（BGREMOVE_ 前缀）优先于文件
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return unmarshal(v)
}

// New 使用默认配置路径加载配置，文件不存在时使用默认值与环境变量
func New() *Config {
	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg, err := Load("config.yaml")
	if err != nil {
		return Default()
	}
	return cfg
}

// Default 默认值叠加环境变量
func Default() *Config {
	cfg, err := unmarshal(newViper())
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Models.Backends) == 0 {
		cfg.Models.Backends = rembg.DefaultBackends()
	}
	cacheDir, err := expandHome(cfg.Models.CacheDir)
	if err != nil {
		return nil, err
	}
	cfg.Models.CacheDir = cacheDir
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.max_upload_size", 20*1024*1024)

	v.SetDefault("models.cache_dir", "~/.u2net")
	v.SetDefault("models.onnx_library", "")
	v.SetDefault("models.sweep_schedule", "@every 30m")
	v.SetDefault("models.part_max_age", rembg.DefaultPartMaxAge)
	v.SetDefault("models.preload", []string{})

	v.SetDefault("guided.strategy", "fusion")
	v.SetDefault("guided.iterations", 5)
	v.SetDefault("guided.max_side", 512)
	v.SetDefault("guided.undecided_bias", "background")

	v.SetDefault("processing.max_concurrent", 4)
	v.SetDefault("processing.queue_timeout", 30*time.Second)

	v.SetDefault("hints.keep", "#22c55e")
	v.SetDefault("hints.remove", "#ef4444")
	v.SetDefault("hints.tolerance", 20)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)
}

// Validate 检查无法回退到默认值的配置
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("processing.max_concurrent must be positive"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	seen := map[string]bool{}
	for _, b := range c.Models.Backends {
		if b.Name == "" {
			errs = append(errs, errors.New("models.backends: backend without name"))
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("models.backends: duplicate backend %q", b.Name))
		}
		seen[b.Name] = true
		switch b.Kind {
		case rembg.KindONNX:
			if b.File == "" {
				errs = append(errs, fmt.Errorf("models.backends: %s needs a file", b.Name))
			}
		case rembg.KindHTTP:
			if b.URL == "" {
				errs = append(errs, fmt.Errorf("models.backends: %s needs a url", b.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("models.backends: %s has unknown kind %q", b.Name, b.Kind))
		}
	}
	return errors.Join(errs...)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
