package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"backd/internal/hook"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

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

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigWithDB(db, logger), nil
}

// NewDatabaseConfigWithDB 使用已有连接创建
func NewDatabaseConfigWithDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}
}

// LoadConfig 从数据库加载完整配置，表中没有的键保留默认值
func (dc *DatabaseConfig) LoadConfig() (*Config, error) {
	config := GetDefaultConfig()

	values, err := dc.ListConfigs()
	if err != nil {
		return nil, fmt.Errorf("加载重放配置失败: %w", err)
	}
	for key, value := range values {
		if err := applyValue(config, key, value); err != nil {
			return nil, fmt.Errorf("配置项 %s 无效: %w", key, err)
		}
	}

	nodes, err := dc.loadNodes()
	if err != nil {
		return nil, fmt.Errorf("加载区块链配置失败: %w", err)
	}
	if len(nodes) > 0 {
		config.Blockchain.Nodes = nodes
	}

	hooks, err := dc.loadHooks()
	if err != nil {
		return nil, fmt.Errorf("加载钩子配置失败: %w", err)
	}
	config.Hooks = hooks

	return config, nil
}

// loadNodes 加载节点配置
func (dc *DatabaseConfig) loadNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, rate_limit, priority FROM blockchain_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		node := NodeConfig{MaxConnections: 4}
		if err := rows.Scan(&node.Name, &node.URL, &node.RateLimit, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// loadHooks 按 position 顺序加载钩子，params 为 JSON 对象
func (dc *DatabaseConfig) loadHooks() ([]hook.Spec, error) {
	query := `SELECT name, params FROM replay_hooks WHERE is_active = true ORDER BY position`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []hook.Spec
	for rows.Next() {
		var name string
		var params sql.NullString
		if err := rows.Scan(&name, &params); err != nil {
			return nil, err
		}

		spec := hook.Spec{Name: name}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &spec.Params); err != nil {
				return nil, fmt.Errorf("钩子 %s 参数解析失败: %w", name, err)
			}
		}
		hooks = append(hooks, spec)
	}
	return hooks, rows.Err()
}

// applyValue 把 section.key 形式的配置项写入配置
func applyValue(config *Config, key, value string) error {
	var err error
	switch key {
	case "protocol":
		config.Protocol = value
	case "source.type":
		config.Source.Type = value
	case "source.path":
		config.Source.Path = value
	case "source.dsn":
		config.Source.DSN = value
	case "source.table":
		config.Source.Table = value
	case "source.page_size":
		config.Source.PageSize, err = strconv.Atoi(value)
	case "source.contracts":
		err = json.Unmarshal([]byte(value), &config.Source.Contracts)
	case "source.from_block":
		config.Source.FromBlock, err = strconv.ParseUint(value, 10, 64)
	case "source.to_block":
		config.Source.ToBlock, err = strconv.ParseUint(value, 10, 64)
	case "source.batch_blocks":
		config.Source.BatchBlocks, err = strconv.ParseUint(value, 10, 64)
	case "processor.on_precondition":
		config.Processor.OnPrecondition = value
	case "processor.on_lookup":
		config.Processor.OnLookup = value
	case "processor.seize_on_liquidation":
		config.Processor.SeizeOnLiquidation = strings.ToLower(value) == "true"
	case "processor.strict":
		config.Processor.Strict = strings.ToLower(value) == "true"
	case "snapshot.path":
		config.Snapshot.Path = value
	case "snapshot.interval":
		config.Snapshot.Interval, err = strconv.Atoi(value)
	case "snapshot.keep":
		config.Snapshot.Keep, err = strconv.Atoi(value)
	case "snapshot.resume":
		config.Snapshot.Resume = strings.ToLower(value) == "true"
	case "output.format":
		config.Output.Format = value
	case "output.directory":
		config.Output.Directory = value
	case "output.kafka_brokers":
		err = json.Unmarshal([]byte(value), &config.Output.Kafka.Brokers)
	case "output.kafka_topics":
		err = json.Unmarshal([]byte(value), &config.Output.Kafka.Topics)
	case "oracles.aliases":
		err = json.Unmarshal([]byte(value), &config.Oracles.Aliases)
	case "interest_rate_models.aliases":
		err = json.Unmarshal([]byte(value), &config.InterestRateModels.Aliases)
	case "interest_rate_models.fallback":
		config.InterestRateModels.Fallback = value
	case "logging.level":
		config.Logging.Level = value
	case "logging.format":
		config.Logging.Format = value
	case "logging.output":
		config.Logging.Output = value
	default:
		return fmt.Errorf("未知的配置项")
	}
	return err
}

// CheckValue 校验单个配置项能否写入配置
func CheckValue(key, value string) error {
	if err := applyValue(GetDefaultConfig(), key, value); err != nil {
		return fmt.Errorf("配置项 %s 无效: %w", key, err)
	}
	return nil
}

// UpdateConfig 更新配置
func (dc *DatabaseConfig) UpdateConfig(key, value string) error {
	if err := CheckValue(key, value); err != nil {
		return err
	}

	query := `
		INSERT INTO replay_config (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.Exec(query, key, value)
	return err
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(key string) (string, error) {
	query := `SELECT config_value FROM replay_config WHERE config_key = $1 AND is_active = true`
	var value string
	err := dc.DB.QueryRow(query, key).Scan(&value)
	return value, err
}

// ListConfigs 列出所有配置
func (dc *DatabaseConfig) ListConfigs() (map[string]string, error) {
	query := `SELECT config_key, config_value FROM replay_config WHERE is_active = true`
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

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
