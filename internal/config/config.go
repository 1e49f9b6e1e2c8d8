package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"minter/internal/errors"
	"minter/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 MINTER_SERVER_PORT
const EnvPrefix = "MINTER"

// DatabaseDSNEnv 设置后从PostgreSQL加载配置覆盖项
const DatabaseDSNEnv = "MINTER_DB_DSN"

// Config 主配置
type Config struct {
	Ledger   *LedgerConfig      `mapstructure:"ledger"`
	Engine   *EngineConfig      `mapstructure:"engine"`
	Server   *ServerConfig      `mapstructure:"server"`
	Store    *StoreConfig       `mapstructure:"store"`
	Events   *EventsConfig      `mapstructure:"events"`
	Archive  *ArchiveConfig     `mapstructure:"archive"`
	Logging  *logging.LogConfig `mapstructure:"logging"`
	Shutdown *ShutdownConfig    `mapstructure:"shutdown"`
}

// LedgerConfig 账本配置
type LedgerConfig struct {
	Admin string `mapstructure:"admin"` // 管理员地址，创建后不可更改
}

// EngineConfig 拍卖引擎配置
type EngineConfig struct {
	Operator       string `mapstructure:"operator"` // 引擎在物品登记处中的运营方地址
	StrictAddress  bool   `mapstructure:"strict_address"`
	MaxBidsPerPage int    `mapstructure:"max_bids_per_page"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin模式: debug, release, test
}

// StoreConfig 状态存储配置
type StoreConfig struct {
	Path    string `mapstructure:"path"`    // bbolt文件路径，为空则只在内存中保存
	Timeout string `mapstructure:"timeout"` // 打开文件的锁等待时间
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"` // 事件类型到topic的映射
}

// EventsConfig 事件输出配置
type EventsConfig struct {
	Format    string       `mapstructure:"format"` // file, kafka, memory, none
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// ArchiveConfig 结算归档配置
type ArchiveConfig struct {
	DSN string `mapstructure:"dsn"` // PostgreSQL连接串，为空则归档在内存中
}

// ShutdownConfig 优雅关闭配置
type ShutdownConfig struct {
	Timeout string `mapstructure:"timeout"`
}

// LoadConfig 加载配置：默认值 → YAML文件 → MINTER_ 环境变量 → 数据库覆盖项
func LoadConfig(configPath string) (*Config, error) {
	config, err := load(configPath)
	if err != nil {
		return nil, err
	}

	dsn := os.Getenv(DatabaseDSNEnv)
	if dsn == "" {
		if err := config.Validate(); err != nil {
			return nil, err
		}
		return config, nil
	}

	logger := logrus.New()
	dbConfig, err := NewDatabaseConfig(dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("连接配置数据库失败: %w", err)
	}
	defer dbConfig.Close()

	if err := dbConfig.ApplyOverrides(config); err != nil {
		return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
	}
	logger.Info("已从数据库加载配置覆盖项")

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfigFromFile 从文件和环境变量加载配置，configPath 为空时只使用默认值和环境变量
func LoadConfigFromFile(configPath string) (*Config, error) {
	config, err := load(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// load 读取配置但不校验
func load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, GetDefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return config, nil
}

// setDefaults 把默认配置登记到viper，使环境变量可以覆盖每个键
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("ledger.admin", d.Ledger.Admin)
	v.SetDefault("engine.operator", d.Engine.Operator)
	v.SetDefault("engine.strict_address", d.Engine.StrictAddress)
	v.SetDefault("engine.max_bids_per_page", d.Engine.MaxBidsPerPage)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.timeout", d.Store.Timeout)
	v.SetDefault("events.format", d.Events.Format)
	v.SetDefault("events.directory", d.Events.Directory)
	v.SetDefault("events.kafka.brokers", d.Events.Kafka.Brokers)
	v.SetDefault("events.kafka.topics", d.Events.Kafka.Topics)
	v.SetDefault("archive.dsn", d.Archive.DSN)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("shutdown.timeout", d.Shutdown.Timeout)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Ledger: &LedgerConfig{
			Admin: "", // 必须在YAML、环境变量或数据库中指定
		},
		Engine: &EngineConfig{
			Operator:       "0x000000000000000000000000000000000000a0c7",
			StrictAddress:  false,
			MaxBidsPerPage: 100,
		},
		Server: &ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Mode: "release",
		},
		Store: &StoreConfig{
			Path:    "./data/minter.db",
			Timeout: "1s",
		},
		Events: &EventsConfig{
			Format:    "file",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics:  DefaultTopics(),
			},
		},
		Archive: &ArchiveConfig{},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Shutdown: &ShutdownConfig{
			Timeout: "30s",
		},
	}
}

// DefaultTopics 默认的事件topic映射
func DefaultTopics() map[string]string {
	return map[string]string{
		"auction_started": "minter_auction_started",
		"bid_placed":      "minter_bids",
		"auction_claimed": "minter_settlements",
		"minted":          "minter_ledger",
		"burned":          "minter_ledger",
		"transferred":     "minter_ledger",
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Ledger == nil || c.Ledger.Admin == "" {
		return errors.ErrConfigInvalid.New("缺少 ledger.admin")
	}
	if !common.IsHexAddress(c.Ledger.Admin) {
		return errors.ErrConfigInvalid.Newf("ledger.admin 不是有效地址: %s", c.Ledger.Admin)
	}
	if c.Engine == nil || !common.IsHexAddress(c.Engine.Operator) {
		return errors.ErrConfigInvalid.New("engine.operator 不是有效地址")
	}
	if c.AdminAddress() == c.OperatorAddress() {
		return errors.ErrConfigInvalid.New("管理员和运营方不能是同一地址")
	}
	if c.Server == nil || c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.ErrConfigInvalid.New("server.port 超出范围")
	}

	if c.Events == nil {
		return errors.ErrConfigInvalid.New("缺少 events")
	}
	switch c.Events.Format {
	case "file", "kafka", "memory", "none":
	default:
		return errors.ErrConfigInvalid.Newf("不支持的事件格式 %s", c.Events.Format)
	}
	if c.Events.Format == "kafka" && (c.Events.Kafka == nil || len(c.Events.Kafka.Brokers) == 0) {
		return errors.ErrConfigInvalid.New("kafka 输出需要至少一个broker")
	}

	if _, err := c.ShutdownTimeout(); err != nil {
		return err
	}
	if _, err := c.StoreTimeout(); err != nil {
		return err
	}
	return nil
}

// AdminAddress 返回管理员地址
func (c *Config) AdminAddress() common.Address {
	return common.HexToAddress(c.Ledger.Admin)
}

// OperatorAddress 返回拍卖引擎的运营方地址
func (c *Config) OperatorAddress() common.Address {
	return common.HexToAddress(c.Engine.Operator)
}

// ShutdownTimeout 解析关闭超时
func (c *Config) ShutdownTimeout() (time.Duration, error) {
	if c.Shutdown == nil || c.Shutdown.Timeout == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Shutdown.Timeout)
	if err != nil {
		return 0, errors.ErrConfigInvalid.New("shutdown.timeout 格式错误").WithContext("value", c.Shutdown.Timeout)
	}
	return d, nil
}

// StoreTimeout 解析存储打开超时
func (c *Config) StoreTimeout() (time.Duration, error) {
	if c.Store == nil || c.Store.Timeout == "" {
		return time.Second, nil
	}
	d, err := time.ParseDuration(c.Store.Timeout)
	if err != nil {
		return 0, errors.ErrConfigInvalid.New("store.timeout 格式错误").WithContext("value", c.Store.Timeout)
	}
	return d, nil
}
