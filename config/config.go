package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		URL       string `mapstructure:"url"`
		ExportURL string `mapstructure:"exportUrl"`
	} `mapstructure:"server"`
	Connection struct {
		AutoReconnect     bool          `mapstructure:"autoReconnect"`
		ReconnectAttempts int           `mapstructure:"reconnectAttempts"`
		ReconnectDelay    time.Duration `mapstructure:"reconnectDelay"`
		ReconnectDebounce time.Duration `mapstructure:"reconnectDebounce"`
		HandshakeTimeout  time.Duration `mapstructure:"handshakeTimeout"`
		PingInterval      time.Duration `mapstructure:"pingInterval"`
		SendQueueSize     int           `mapstructure:"sendQueueSize"`
	} `mapstructure:"connection"`
	Auth struct {
		Token     string `mapstructure:"token"`
		TokenFile string `mapstructure:"tokenFile"`
		Cookie    string `mapstructure:"cookie"`
	} `mapstructure:"auth"`
	Storage struct {
		Driver        string `mapstructure:"driver"`
		SQLitePath    string `mapstructure:"sqlitePath"`
		MySQLDSN      string `mapstructure:"mysqlDsn"`
		RedisAddr     string `mapstructure:"redisAddr"`
		RedisPassword string `mapstructure:"redisPassword"`
		Compress      bool   `mapstructure:"compress"`
	} `mapstructure:"storage"`
	Status struct {
		Enabled      bool     `mapstructure:"enabled"`
		Addr         string   `mapstructure:"addr"`
		// 允许跨域访问的页面来源；为空时拒绝所有浏览器跨域请求
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"status"`
	Relay struct {
		Enabled     bool          `mapstructure:"enabled"`
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		Kinds       []string      `mapstructure:"kinds"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"relay"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverRedis  = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("server.exportUrl", "")

	v.SetDefault("connection.autoReconnect", true)
	v.SetDefault("connection.reconnectAttempts", 5)
	v.SetDefault("connection.reconnectDelay", time.Second)
	v.SetDefault("connection.reconnectDebounce", 2*time.Second)
	v.SetDefault("connection.handshakeTimeout", 10*time.Second)
	v.SetDefault("connection.pingInterval", 25*time.Second)
	v.SetDefault("connection.sendQueueSize", 64)

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.tokenFile", "")
	v.SetDefault("auth.cookie", "")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlitePath", "substrate.db")
	v.SetDefault("storage.mysqlDsn", "")
	v.SetDefault("storage.redisAddr", "127.0.0.1:6379")
	v.SetDefault("storage.redisPassword", "")
	v.SetDefault("storage.compress", true)

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.addr", "127.0.0.1:7070")
	v.SetDefault("status.allowOrigins", []string{})

	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.brokers", []string{})
	v.SetDefault("relay.topic", "sync-events")
	v.SetDefault("relay.kinds", []string{"presence", "notification", "substrate:updated"})
	v.SetDefault("relay.queueSize", 1024)
	v.SetDefault("relay.workers", 2)
	v.SetDefault("relay.maxRetry", 3)
	v.SetDefault("relay.baseBackoff", 50*time.Millisecond)
	v.SetDefault("relay.maxBackoff", time.Second)

	v.SetDefault("log.level", "info")
}

// Load 读取配置文件（path 为空时在 ./config 和 . 下找 syncclient.yaml，找不到就用默认值），
// 环境变量 SYNC_ 前缀覆盖，例如 SYNC_SERVER_URL、SYNC_STORAGE_DRIVER。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("syncclient")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlitePath is required for sqlite"))
		}
	case DriverMySQL:
		if c.Storage.MySQLDSN == "" {
			errs = append(errs, errors.New("storage.mysqlDsn is required for mysql"))
		} else if _, err := mysql.ParseDSN(c.Storage.MySQLDSN); err != nil {
			errs = append(errs, fmt.Errorf("storage.mysqlDsn: %w", err))
		}
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redisAddr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Connection.AutoReconnect && c.Connection.ReconnectAttempts <= 0 {
		errs = append(errs, errors.New("connection.reconnectAttempts must be positive when autoReconnect is on"))
	}
	if c.Connection.ReconnectDebounce < 0 || c.Connection.ReconnectDelay < 0 {
		errs = append(errs, errors.New("connection delays must not be negative"))
	}
	if c.Status.Enabled && c.Status.Addr == "" {
		errs = append(errs, errors.New("status.addr is required when status is enabled"))
	}
	for _, origin := range c.Status.AllowOrigins {
		if !validOrigin(origin) {
			errs = append(errs, fmt.Errorf("status.allowOrigins: %q must be a scheme://host[:port] origin", origin))
		}
	}
	if c.Relay.Enabled {
		if len(c.Relay.Brokers) == 0 {
			errs = append(errs, errors.New("relay.brokers is required when relay is enabled"))
		}
		if c.Relay.Topic == "" {
			errs = append(errs, errors.New("relay.topic is required when relay is enabled"))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// validOrigin 只接受完整的 http(s) 来源，不接受通配符或带路径的地址
func validOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || strings.Contains(origin, "*") {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Path == "" && u.RawQuery == "" && u.Fragment == ""
}
