package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// 可以在数据库中覆盖的配置键
var overridableKeys = map[string]bool{
	"ledger.admin":             true,
	"engine.operator":          true,
	"engine.strict_address":    true,
	"engine.max_bids_per_page": true,
	"server.port":              true,
	"server.mode":              true,
	"store.path":               true,
	"events.format":            true,
	"events.directory":         true,
	"events.kafka.brokers":     true,
	"archive.dsn":              true,
	"logging.level":            true,
	"shutdown.timeout":         true,
}

// schema 配置覆盖表
const schema = `
CREATE TABLE IF NOT EXISTS minter_config (
	config_key   TEXT PRIMARY KEY,
	config_value TEXT NOT NULL,
	is_active    BOOLEAN NOT NULL DEFAULT true,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS minter_kafka_topics (
	event_kind TEXT PRIMARY KEY,
	topic_name TEXT NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT true
);`

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigFromDB(db, logger), nil
}

// NewDatabaseConfigFromDB 使用已有连接创建配置管理器
func NewDatabaseConfigFromDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}
}

// EnsureSchema 创建配置表
func (dc *DatabaseConfig) EnsureSchema() error {
	if _, err := dc.DB.Exec(schema); err != nil {
		return fmt.Errorf("创建配置表失败: %w", err)
	}
	return nil
}

// ApplyOverrides 把数据库中的配置项覆盖到 config 上
func (dc *DatabaseConfig) ApplyOverrides(config *Config) error {
	values, err := dc.ListConfigs()
	if err != nil {
		return fmt.Errorf("加载配置项失败: %w", err)
	}

	for key, value := range values {
		if err := applyValue(config, key, value); err != nil {
			return err
		}
		dc.logger.Debugf("数据库配置覆盖: %s", key)
	}

	topics, err := dc.loadKafkaTopics()
	if err != nil {
		return fmt.Errorf("加载Kafka主题配置失败: %w", err)
	}
	if len(topics) > 0 {
		if config.Events.Kafka == nil {
			config.Events.Kafka = &KafkaConfig{}
		}
		if config.Events.Kafka.Topics == nil {
			config.Events.Kafka.Topics = make(map[string]string)
		}
		for kind, topic := range topics {
			config.Events.Kafka.Topics[kind] = topic
		}
	}

	return nil
}

// applyValue 按键写入单个配置值
func applyValue(config *Config, key, value string) error {
	switch key {
	case "ledger.admin":
		config.Ledger.Admin = value
	case "engine.operator":
		config.Engine.Operator = value
	case "engine.strict_address":
		config.Engine.StrictAddress = strings.ToLower(value) == "true"
	case "engine.max_bids_per_page":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("配置项 %s 不是整数: %w", key, err)
		}
		config.Engine.MaxBidsPerPage = v
	case "server.port":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("配置项 %s 不是整数: %w", key, err)
		}
		config.Server.Port = v
	case "server.mode":
		config.Server.Mode = value
	case "store.path":
		config.Store.Path = value
	case "events.format":
		config.Events.Format = value
	case "events.directory":
		config.Events.Directory = value
	case "events.kafka.brokers":
		var brokers []string
		if err := json.Unmarshal([]byte(value), &brokers); err != nil {
			return fmt.Errorf("配置项 %s 必须是JSON数组: %w", key, err)
		}
		if config.Events.Kafka == nil {
			config.Events.Kafka = &KafkaConfig{}
		}
		config.Events.Kafka.Brokers = brokers
	case "archive.dsn":
		config.Archive.DSN = value
	case "logging.level":
		config.Logging.Level = value
	case "shutdown.timeout":
		config.Shutdown.Timeout = value
	default:
		// 未知键忽略，便于新旧版本共用一张表
	}
	return nil
}

// loadKafkaTopics 加载Kafka主题配置
func (dc *DatabaseConfig) loadKafkaTopics() (map[string]string, error) {
	query := `SELECT event_kind, topic_name FROM minter_kafka_topics WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topics := make(map[string]string)
	for rows.Next() {
		var kind, topic string
		if err := rows.Scan(&kind, &topic); err != nil {
			return nil, err
		}
		topics[kind] = topic
	}
	return topics, rows.Err()
}

// UpdateConfig 写入配置项
func (dc *DatabaseConfig) UpdateConfig(key, value string) error {
	if !overridableKeys[key] {
		return fmt.Errorf("不支持的配置项: %s", key)
	}

	query := `
		INSERT INTO minter_config (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, is_active = true, updated_at = CURRENT_TIMESTAMP`

	if _, err := dc.DB.Exec(query, key, value); err != nil {
		return fmt.Errorf("写入配置项失败: %w", err)
	}
	dc.logger.Infof("配置项已更新: %s", key)
	return nil
}

// UpdateTopic 写入事件类型的Kafka主题
func (dc *DatabaseConfig) UpdateTopic(kind, topic string) error {
	query := `
		INSERT INTO minter_kafka_topics (event_kind, topic_name)
		VALUES ($1, $2)
		ON CONFLICT (event_kind)
		DO UPDATE SET topic_name = $2, is_active = true`

	if _, err := dc.DB.Exec(query, kind, topic); err != nil {
		return fmt.Errorf("写入Kafka主题失败: %w", err)
	}
	return nil
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(key string) (string, error) {
	query := `SELECT config_value FROM minter_config WHERE config_key = $1 AND is_active = true`
	var value string
	err := dc.DB.QueryRow(query, key).Scan(&value)
	return value, err
}

// ListConfigs 列出所有生效的配置项
func (dc *DatabaseConfig) ListConfigs() (map[string]string, error) {
	query := `SELECT config_key, config_value FROM minter_config WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}
	return configs, rows.Err()
}

// OverridableKeys 返回可覆盖的配置键
func OverridableKeys() []string {
	keys := make([]string, 0, len(overridableKeys))
	for k := range overridableKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
