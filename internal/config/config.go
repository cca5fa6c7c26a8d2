package config

import (
	"fmt"
	"os"
	"strings"

	"backd/internal/hook"
	"backd/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// 事件源类型
const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
	SourceRPC      = "rpc"
)

// 输出格式
const (
	OutputFile  = "file"
	OutputKafka = "kafka"
	OutputNone  = "none"
)

// Config 主配置
type Config struct {
	Protocol           string                    `mapstructure:"protocol"`
	Source             *SourceConfig             `mapstructure:"source"`
	Blockchain         *BlockchainConfig         `mapstructure:"blockchain"`
	Processor          *ProcessorConfig          `mapstructure:"processor"`
	Hooks              []hook.Spec               `mapstructure:"hooks"`
	Snapshot           *SnapshotConfig           `mapstructure:"snapshot"`
	Output             *OutputConfig             `mapstructure:"output"`
	Oracles            *OraclesConfig            `mapstructure:"oracles"`
	InterestRateModels *InterestRateModelsConfig `mapstructure:"interest_rate_models"`
	API                *APIConfig                `mapstructure:"api"`
	Logging            *logging.LogConfig        `mapstructure:"logging"`
}

// SourceConfig 事件源配置
type SourceConfig struct {
	Type        string   `mapstructure:"type"`
	Path        string   `mapstructure:"path"`         // file: JSONL 路径
	DSN         string   `mapstructure:"dsn"`          // postgres: 连接串
	Table       string   `mapstructure:"table"`        // postgres: 事件表
	PageSize    int      `mapstructure:"page_size"`    // postgres: 每页行数
	Contracts   []string `mapstructure:"contracts"`    // rpc: 监听的合约地址
	FromBlock   uint64   `mapstructure:"from_block"`   // rpc: 起始区块
	ToBlock     uint64   `mapstructure:"to_block"`     // rpc: 结束区块，0 表示当前高度
	BatchBlocks uint64   `mapstructure:"batch_blocks"` // rpc: 单次 eth_getLogs 的区块跨度
	Prefetch    int      `mapstructure:"prefetch"`     // rpc: 预取缓冲的批次数
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	Nodes []*NodeConfig `mapstructure:"nodes"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name           string `mapstructure:"name"`
	URL            string `mapstructure:"url"`
	RateLimit      int    `mapstructure:"rate_limit"` // 每秒请求数，0 表示不限
	Priority       int    `mapstructure:"priority"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// ProcessorConfig 处理器配置
type ProcessorConfig struct {
	OnPrecondition     string `mapstructure:"on_precondition"` // abort 或 skip
	OnLookup           string `mapstructure:"on_lookup"`       // abort 或 skip
	SeizeOnLiquidation bool   `mapstructure:"seize_on_liquidation"`
	Strict             bool   `mapstructure:"strict"` // 严格校验事件地址格式
}

// SnapshotConfig 快照配置
type SnapshotConfig struct {
	Path     string `mapstructure:"path"`
	Interval int    `mapstructure:"interval"` // 每处理多少个事件保存一次，0 表示只在结束时保存
	Keep     int    `mapstructure:"keep"`     // 保留最近的快照数，0 表示全部保留
	Resume   bool   `mapstructure:"resume"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers  []string          `mapstructure:"brokers"`
	Topics   map[string]string `mapstructure:"topics"`
	ClientID string            `mapstructure:"client_id"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"`
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// OraclesConfig 预言机地址别名，地址 -> 已注册的预言机名
type OraclesConfig struct {
	Aliases map[string]string `mapstructure:"aliases"`
}

// InterestRateModelsConfig 利率模型地址别名
type InterestRateModelsConfig struct {
	Aliases  map[string]string `mapstructure:"aliases"`
	Fallback string            `mapstructure:"fallback"` // 未知地址使用的模型
}

// APIConfig API服务配置
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin 模式: debug, release, test
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	// 首先尝试从环境变量获取数据库配置
	dbDSN := os.Getenv("BACKD_DB_DSN")
	if dbDSN != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dbDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		config, err := dbConfig.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}

		logger.Info("已从数据库加载配置")
		return config, nil
	}

	// 如果数据库配置不可用，回退到YAML文件
	return LoadConfigFromFile(configPath)
}

// LoadConfigFromFile 从文件加载配置，未出现的字段保留默认值
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 连接串允许由环境变量覆盖，避免写进配置文件
	if dsn := os.Getenv("BACKD_SOURCE_DSN"); dsn != "" {
		config.Source.DSN = dsn
	}

	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Protocol: "compound",
		Source: &SourceConfig{
			Type:        SourceFile,
			Path:        "./data/events.jsonl",
			Table:       "compound_events",
			PageSize:    1000,
			BatchBlocks: 2000,
			Prefetch:    2,
		},
		Blockchain: &BlockchainConfig{
			Nodes: []*NodeConfig{
				{
					Name:           "local_node",
					URL:            "", // 需要在YAML配置或数据库中指定
					RateLimit:      20,
					Priority:       1,
					MaxConnections: 4,
				},
			},
		},
		Processor: &ProcessorConfig{
			OnPrecondition:     "abort",
			OnLookup:           "abort",
			SeizeOnLiquidation: true,
			Strict:             false,
		},
		Snapshot: &SnapshotConfig{
			Path:     "./data/snapshots.db",
			Interval: 10000,
			Keep:     5,
			Resume:   false,
		},
		Output: &OutputConfig{
			Format:    OutputFile,
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers:  []string{"localhost:9092"},
				Topics:   map[string]string{},
				ClientID: "backd",
			},
		},
		Oracles: &OraclesConfig{
			Aliases: map[string]string{},
		},
		InterestRateModels: &InterestRateModelsConfig{
			Aliases: map[string]string{},
		},
		API: &APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Mode: "release",
		},
		Logging: &logging.LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			Rotation:   false,
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Protocol != "compound" {
		return fmt.Errorf("不支持的协议: %s", c.Protocol)
	}
	if c.Source == nil {
		return fmt.Errorf("缺少 source 配置")
	}

	switch c.Source.Type {
	case SourceFile:
		if c.Source.Path == "" {
			return fmt.Errorf("file 事件源需要 path")
		}
	case SourcePostgres:
		if c.Source.DSN == "" {
			return fmt.Errorf("postgres 事件源需要 dsn")
		}
		if c.Source.Table == "" {
			return fmt.Errorf("postgres 事件源需要 table")
		}
	case SourceRPC:
		if c.Blockchain == nil || len(c.Blockchain.Nodes) == 0 {
			return fmt.Errorf("rpc 事件源至少需要一个节点")
		}
		for _, node := range c.Blockchain.Nodes {
			if node.URL == "" {
				return fmt.Errorf("节点 %s 缺少 url", node.Name)
			}
		}
		if len(c.Source.Contracts) == 0 {
			return fmt.Errorf("rpc 事件源需要 contracts")
		}
		if c.Source.ToBlock != 0 && c.Source.ToBlock < c.Source.FromBlock {
			return fmt.Errorf("to_block %d 小于 from_block %d", c.Source.ToBlock, c.Source.FromBlock)
		}
	default:
		return fmt.Errorf("不支持的事件源类型: %s", c.Source.Type)
	}

	if c.Processor != nil {
		if !validPolicy(c.Processor.OnPrecondition) {
			return fmt.Errorf("无效的 on_precondition: %s", c.Processor.OnPrecondition)
		}
		if !validPolicy(c.Processor.OnLookup) {
			return fmt.Errorf("无效的 on_lookup: %s", c.Processor.OnLookup)
		}
	}

	for i, spec := range c.Hooks {
		if strings.TrimSpace(spec.Name) == "" {
			return fmt.Errorf("第 %d 个钩子缺少 name", i)
		}
	}

	if c.Snapshot != nil && (c.Snapshot.Interval < 0 || c.Snapshot.Keep < 0) {
		return fmt.Errorf("snapshot.interval 和 snapshot.keep 不能为负数")
	}

	if c.Output != nil {
		switch c.Output.Format {
		case OutputFile, OutputNone, "":
		case OutputKafka:
			if c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0 {
				return fmt.Errorf("kafka 输出需要 brokers")
			}
		default:
			return fmt.Errorf("不支持的输出格式: %s", c.Output.Format)
		}
	}

	return nil
}

func validPolicy(policy string) bool {
	switch policy {
	case "", "abort", "skip":
		return true
	}
	return false
}
