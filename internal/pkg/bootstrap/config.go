package bootstrap

import (
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"turnstile/internal/pkg/logger"
	"turnstile/internal/pkg/nacos"
)

// Duration 让 yaml 里可以写 "15m" 这样的时长。
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std 返回标准库的 time.Duration。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config 是全部服务共享的配置结构。加载顺序：内置默认值 <-
// 配置文件 (CONFIG_PATH) <- Nacos 配置中心 <- 环境变量，后者覆盖前者。
type Config struct {
	App struct {
		HoldTTL       Duration `yaml:"hold_ttl"`
		SweepInterval Duration `yaml:"sweep_interval"`
		HoldRetention Duration `yaml:"hold_retention"`
		SoldOutTTL    Duration `yaml:"sold_out_ttl"`
		// PolicyRule 是可选的 CEL 购买规则，空串表示不启用。
		PolicyRule string `yaml:"policy_rule"`
	} `yaml:"app"`

	Infra struct {
		Mysql struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
		Redis struct {
			Addr string `yaml:"addr"`
		} `yaml:"redis"`
		Kafka struct {
			Brokers         []string `yaml:"brokers"`
			HoldEventsTopic string   `yaml:"hold_events_topic"`
		} `yaml:"kafka"`
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Zookeeper struct {
			Servers []string `yaml:"servers"`
		} `yaml:"zookeeper"`
		Nacos struct {
			ServerAddrs string `yaml:"server_addrs"`
			Namespace   string `yaml:"namespace"`
			Group       string `yaml:"group"`
			DataID      string `yaml:"data_id"`
		} `yaml:"nacos"`
	} `yaml:"infra"`
}

var (
	configMu      sync.RWMutex
	currentConfig = defaultConfig()
)

func defaultConfig() Config {
	var cfg Config
	cfg.App.HoldTTL = Duration(15 * time.Minute)
	cfg.App.SweepInterval = Duration(30 * time.Second)
	cfg.App.HoldRetention = Duration(24 * time.Hour)
	cfg.App.SoldOutTTL = Duration(5 * time.Second)
	cfg.Infra.Kafka.HoldEventsTopic = "hold-events-topic"
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	return cfg
}

// GetCurrentConfig 返回当前生效的配置快照。
func GetCurrentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return currentConfig
}

// Init 加载配置。应在 main 里最先调用。
func Init() {
	cfg := defaultConfig()

	if path := getEnv("CONFIG_PATH", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.L().Fatal().Err(err).Str("path", path).Msg("failed to read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			logger.L().Fatal().Err(err).Str("path", path).Msg("failed to parse config file")
		}
	}

	applyEnvOverrides(&cfg)
	loadFromNacos(&cfg)

	configMu.Lock()
	currentConfig = cfg
	configMu.Unlock()
}

// loadFromNacos 在配置了 Nacos 配置中心时用远端内容覆盖本地配置。
func loadFromNacos(cfg *Config) {
	n := cfg.Infra.Nacos
	if n.ServerAddrs == "" || n.DataID == "" {
		return
	}
	client, err := nacos.NewClient(n.ServerAddrs, n.Namespace, n.Group)
	if err != nil {
		logger.L().Warn().Err(err).Msg("nacos unavailable, using local config")
		return
	}
	defer client.Close()

	content, err := client.GetConfig(n.DataID)
	if err != nil || content == "" {
		logger.L().Warn().Err(err).Str("data_id", n.DataID).Msg("no config from nacos, using local config")
		return
	}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		logger.L().Warn().Err(err).Msg("invalid config from nacos, using local config")
		return
	}
	// 环境变量仍然最高优先级。
	applyEnvOverrides(cfg)
	logger.L().Info().Str("data_id", n.DataID).Msg("config loaded from nacos")
}

func applyEnvOverrides(cfg *Config) {
	if v := getEnv("MYSQL_DSN", ""); v != "" {
		cfg.Infra.Mysql.DSN = v
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		cfg.Infra.Redis.Addr = v
	}
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.Infra.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getEnv("JAEGER_ENDPOINT", ""); v != "" {
		cfg.Infra.Jaeger.Endpoint = v
	}
	if v := getEnv("ZK_SERVERS", ""); v != "" {
		cfg.Infra.Zookeeper.Servers = strings.Split(v, ",")
	}
	if v := getEnv("NACOS_SERVER_ADDRS", ""); v != "" {
		cfg.Infra.Nacos.ServerAddrs = v
	}
	if v := getEnv("NACOS_NAMESPACE", ""); v != "" {
		cfg.Infra.Nacos.Namespace = v
	}
	if v := getEnv("NACOS_GROUP", ""); v != "" {
		cfg.Infra.Nacos.Group = v
	}
	if v := getEnv("HOLD_TTL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.HoldTTL = Duration(d)
		}
	}
	if v := getEnv("POLICY_RULE", ""); v != "" {
		cfg.App.PolicyRule = v
	}
}

// getEnv 从环境变量读取配置，缺省时返回 fallback。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
