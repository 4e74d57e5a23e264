package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/agentlab/internal/domain"
)

// Config — корневая структура конфигурации оркестратора.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Ports       PortsConfig       `mapstructure:"ports"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Training    TrainingConfig    `mapstructure:"training"`
	AgentClient AgentClientConfig `mapstructure:"agent_client"`
	Dialog      DialogConfig      `mapstructure:"dialog"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCConfig — gRPC health-сервис для внешних супервизоров (systemd, k8s).
type GRPCConfig struct {
	Port int `mapstructure:"port"` // 0 — не поднимать
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // Пусто — /metrics только на основном API
}

// RegistryConfig — где лежит документ реестра агентов.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
	// StrictLoad: битый файл реестра — фатальная ошибка старта.
	// По умолчанию файл откладывается в сторону, реестр стартует пустым.
	StrictLoad bool `mapstructure:"strict_load"`
}

// PortsConfig — полуоткрытый диапазон [lower, upper) для портов агентов.
type PortsConfig struct {
	Lower     int    `mapstructure:"lower"`
	Upper     int    `mapstructure:"upper"`
	BindHost string `mapstructure:"bind_host"`
}

type WorkspaceConfig struct {
	BaseDir      string            `mapstructure:"base_dir"`
	TemplatesDir string            `mapstructure:"templates_dir"`
	Templates    map[string]string `mapstructure:"templates"` // agent_type -> имя шаблона
}

// TrainingConfig настраивает ProcessSupervisor.
type TrainingConfig struct {
	Backend        string        `mapstructure:"backend"` // external | simulated | auto
	Binary         string        `mapstructure:"binary"`
	Args           []string      `mapstructure:"args"`
	Timeout        time.Duration `mapstructure:"timeout"`
	SimulatedDelay time.Duration `mapstructure:"simulated_delay"`
}

// AgentClientConfig — вызовы к процессам агентов.
type AgentClientConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	MessageTimeout time.Duration `mapstructure:"message_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`

	RetryAttempts uint    `mapstructure:"retry_attempts"`
	RateLimit     float64 `mapstructure:"rate_limit"` // запросов в секунду на весь клиент
	RateBurst     int     `mapstructure:"rate_burst"`

	// Настройки Circuit Breaker (свой предохранитель на каждый порт)
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`
}

// DialogConfig — куда пишется журнал диалогов.
type DialogConfig struct {
	Driver        string        `mapstructure:"driver"` // sqlite | postgres
	DSN           string        `mapstructure:"dsn"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub событий статусов).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и учетки операторов.
type AuthConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	PublicKeyPath  string            `mapstructure:"public_key_path"`
	PrivateKeyPath string            `mapstructure:"private_key_path"`
	TokenTTL       time.Duration     `mapstructure:"token_ttl"`
	Operators      []domain.Operator `mapstructure:"operators"`
	PublicKey      []byte
	PrivateKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig собирает конфигурацию из файла, ENV и дефолтов.
// Пустой path — ищем config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Поиск файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает файл: TRAINING_BACKEND=simulated -> training.backend
	v.SetEnvPrefix("AGENTLAB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// 6. Ключи: сначала PEM прямо из ENV (Docker/K8s), потом файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AGENTLAB_AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AGENTLAB_AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("grpc.port", 50052)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("registry.path", "agents_state.json")
	v.SetDefault("registry.strict_load", false)

	v.SetDefault("ports.lower", 5005)
	v.SetDefault("ports.upper", 6000)
	v.SetDefault("ports.bind_host", "")

	v.SetDefault("workspace.base_dir", "lab_complex/agents")
	v.SetDefault("workspace.templates_dir", "lab_complex/agents")
	v.SetDefault("workspace.templates", map[string]string{
		string(domain.AgentTypeFAQ):  "faq_agent",
		string(domain.AgentTypeForm): "form_agent",
	})

	v.SetDefault("training.backend", "auto")
	v.SetDefault("training.binary", "rasa")
	v.SetDefault("training.args", []string{"train"})
	v.SetDefault("training.timeout", 30*time.Minute)
	v.SetDefault("training.simulated_delay", 2*time.Second)

	v.SetDefault("agent_client.base_url", "http://localhost")
	v.SetDefault("agent_client.health_timeout", 3*time.Second)
	v.SetDefault("agent_client.message_timeout", 10*time.Second)
	v.SetDefault("agent_client.shutdown_grace", 5*time.Second)
	v.SetDefault("agent_client.retry_attempts", 3)
	v.SetDefault("agent_client.rate_limit", 100)
	v.SetDefault("agent_client.rate_burst", 20)
	v.SetDefault("agent_client.cb_max_requests", 3)
	v.SetDefault("agent_client.cb_interval", 5*time.Second)
	v.SetDefault("agent_client.cb_timeout", 30*time.Second)
	v.SetDefault("agent_client.cb_max_failures", 5)

	v.SetDefault("dialog.driver", "sqlite")
	v.SetDefault("dialog.dsn", "dialogs.db")
	v.SetDefault("dialog.buffer_size", 10000)
	v.SetDefault("dialog.batch_size", 100)
	v.SetDefault("dialog.flush_interval", 500*time.Millisecond)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

func (c *Config) validate() error {
	if c.Ports.Lower <= 0 || c.Ports.Upper > 65536 || c.Ports.Lower >= c.Ports.Upper {
		return fmt.Errorf("invalid port range [%d, %d)", c.Ports.Lower, c.Ports.Upper)
	}
	switch c.Training.Backend {
	case "external", "simulated", "auto":
	default:
		return fmt.Errorf("unknown training backend %q", c.Training.Backend)
	}
	switch c.Dialog.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown dialog driver %q", c.Dialog.Driver)
	}
	if c.Registry.Path == "" {
		return errors.New("registry.path is required")
	}
	return nil
}

// loadKeyResource — PEM из ENV либо из файла по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
