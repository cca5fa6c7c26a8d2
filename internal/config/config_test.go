package config

import (
	"os"
	"path/filepath"
	"testing"

	"backd/internal/hook"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	assert.NotNil(t, config)
	assert.Equal(t, "compound", config.Protocol)
	assert.NotNil(t, config.Source)
	assert.NotNil(t, config.Blockchain)
	assert.NotNil(t, config.Processor)
	assert.NotNil(t, config.Snapshot)
	assert.NotNil(t, config.Output)
	assert.NotNil(t, config.Logging)

	// 事件源
	assert.Equal(t, SourceFile, config.Source.Type)
	assert.Equal(t, 1000, config.Source.PageSize)
	assert.Equal(t, uint64(2000), config.Source.BatchBlocks)

	// 节点
	firstNode := config.Blockchain.Nodes[0]
	assert.Equal(t, "local_node", firstNode.Name)
	assert.Equal(t, "", firstNode.URL) // 默认为空，需要在YAML或数据库中配置

	// 处理器
	assert.Equal(t, "abort", config.Processor.OnPrecondition)
	assert.Equal(t, "abort", config.Processor.OnLookup)
	assert.True(t, config.Processor.SeizeOnLiquidation)

	// 输出与日志
	assert.Equal(t, OutputFile, config.Output.Format)
	assert.Equal(t, []string{"localhost:9092"}, config.Output.Kafka.Brokers)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)

	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backd.yaml")
	content := `
protocol: compound
source:
  type: rpc
  contracts: ["0x3d9819210a31b4961b30ef54be2aed79b9c9cd3b"]
  from_block: 7710000
blockchain:
  nodes:
    - name: archive
      url: http://localhost:8545
      rate_limit: 5
processor:
  on_precondition: skip
  seize_on_liquidation: false
hooks:
  - name: dsr
    params:
      path: ./data/dsr-rates.jsonl
  - name: suppliers
oracles:
  aliases:
    "0x1d8aedc9e924730dd3f9641cdb4d1b92b848b4bd": uniswap-anchor-view
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, SourceRPC, config.Source.Type)
	assert.Equal(t, uint64(7710000), config.Source.FromBlock)
	assert.Equal(t, uint64(2000), config.Source.BatchBlocks) // 默认值保留
	require.Len(t, config.Blockchain.Nodes, 1)
	assert.Equal(t, "http://localhost:8545", config.Blockchain.Nodes[0].URL)
	assert.Equal(t, "skip", config.Processor.OnPrecondition)
	assert.Equal(t, "abort", config.Processor.OnLookup)
	assert.False(t, config.Processor.SeizeOnLiquidation)

	require.Len(t, config.Hooks, 2)
	assert.Equal(t, "dsr", config.Hooks[0].Name)
	assert.Equal(t, "./data/dsr-rates.jsonl", config.Hooks[0].Params["path"])
	assert.Equal(t, "suppliers", config.Hooks[1].Name)

	assert.Equal(t, "uniswap-anchor-view", config.Oracles.Aliases["0x1d8aedc9e924730dd3f9641cdb4d1b92b848b4bd"])
	assert.Equal(t, "debug", config.Logging.Level)
	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		valid  bool
	}{
		{"default", func(c *Config) {}, true},
		{"unknown protocol", func(c *Config) { c.Protocol = "aave" }, false},
		{"file without path", func(c *Config) { c.Source.Path = "" }, false},
		{"postgres without dsn", func(c *Config) { c.Source.Type = SourcePostgres }, false},
		{"postgres", func(c *Config) {
			c.Source.Type = SourcePostgres
			c.Source.DSN = "postgres://localhost/backd"
		}, true},
		{"rpc without node url", func(c *Config) {
			c.Source.Type = SourceRPC
			c.Source.Contracts = []string{"0x1a3b"}
		}, false},
		{"rpc reversed range", func(c *Config) {
			c.Source.Type = SourceRPC
			c.Source.Contracts = []string{"0x1a3b"}
			c.Blockchain.Nodes[0].URL = "http://localhost:8545"
			c.Source.FromBlock = 100
			c.Source.ToBlock = 50
		}, false},
		{"invalid policy", func(c *Config) { c.Processor.OnLookup = "retry" }, false},
		{"nameless hook", func(c *Config) { c.Hooks = append(c.Hooks, hookSpec("")) }, false},
		{"negative interval", func(c *Config) { c.Snapshot.Interval = -1 }, false},
		{"kafka without brokers", func(c *Config) {
			c.Output.Format = OutputKafka
			c.Output.Kafka.Brokers = nil
		}, false},
		{"unknown output", func(c *Config) { c.Output.Format = "parquet" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := GetDefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDatabaseConfig_LoadConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT config_key, config_value FROM replay_config").
		WillReturnRows(sqlmock.NewRows([]string{"config_key", "config_value"}).
			AddRow("source.type", "postgres").
			AddRow("source.dsn", "postgres://events").
			AddRow("source.page_size", "500").
			AddRow("processor.on_lookup", "skip").
			AddRow("output.kafka_brokers", `["kafka-1:9092","kafka-2:9092"]`))
	mock.ExpectQuery("SELECT name, url, rate_limit, priority FROM blockchain_nodes").
		WillReturnRows(sqlmock.NewRows([]string{"name", "url", "rate_limit", "priority"}).
			AddRow("archive", "http://archive:8545", 10, 1))
	mock.ExpectQuery("SELECT name, params FROM replay_hooks").
		WillReturnRows(sqlmock.NewRows([]string{"name", "params"}).
			AddRow("dsr", `{"path":"./dsr.jsonl"}`).
			AddRow("borrowers", nil))
	mock.ExpectClose()

	dc := NewDatabaseConfigWithDB(db, logrus.New())
	config, err := dc.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, SourcePostgres, config.Source.Type)
	assert.Equal(t, "postgres://events", config.Source.DSN)
	assert.Equal(t, 500, config.Source.PageSize)
	assert.Equal(t, "skip", config.Processor.OnLookup)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, config.Output.Kafka.Brokers)
	require.Len(t, config.Blockchain.Nodes, 1)
	assert.Equal(t, "archive", config.Blockchain.Nodes[0].Name)
	require.Len(t, config.Hooks, 2)
	assert.Equal(t, "./dsr.jsonl", config.Hooks[0].Params["path"])
	assert.Nil(t, config.Hooks[1].Params)

	require.NoError(t, dc.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseConfig_InvalidValue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT config_key, config_value FROM replay_config").
		WillReturnRows(sqlmock.NewRows([]string{"config_key", "config_value"}).
			AddRow("snapshot.interval", "often"))

	_, err = NewDatabaseConfigWithDB(db, logrus.New()).LoadConfig()
	assert.Error(t, err)
}

func TestDatabaseConfig_UpdateConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dc := NewDatabaseConfigWithDB(db, logrus.New())

	mock.ExpectExec("INSERT INTO replay_config").
		WithArgs("snapshot.interval", "5000").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, dc.UpdateConfig("snapshot.interval", "5000"))

	// 未知键在写库之前被拒绝
	assert.Error(t, dc.UpdateConfig("collector.workers", "4"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func hookSpec(name string) hook.Spec {
	return hook.Spec{Name: name}
}
