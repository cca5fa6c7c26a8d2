package api

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"backd/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConfigManager 数据库中的重放配置，修改在下次启动重放时生效
type ConfigManager struct {
	dbConfig *config.DatabaseConfig
	logger   *logrus.Logger
}

// NodeRecord blockchain_nodes 表的一行
type NodeRecord struct {
	Name      string `json:"name" binding:"required"`
	URL       string `json:"url" binding:"required"`
	RateLimit int    `json:"rate_limit"`
	Priority  int    `json:"priority"`
	IsActive  bool   `json:"is_active"`
}

// HookRecord replay_hooks 表的一行
type HookRecord struct {
	Name     string          `json:"name"`
	Params   json.RawMessage `json:"params,omitempty"`
	Position int             `json:"position"`
	IsActive bool            `json:"is_active"`
}

const (
	selectNodes = `SELECT name, url, rate_limit, priority, is_active FROM blockchain_nodes ORDER BY priority`
	insertNode  = `INSERT INTO blockchain_nodes (name, url, rate_limit, priority) VALUES ($1, $2, $3, $4)`
	deleteNode  = `DELETE FROM blockchain_nodes WHERE name = $1`
	selectHooks = `SELECT name, params, position, is_active FROM replay_hooks ORDER BY position`
	upsertHook  = `INSERT INTO replay_hooks (name, params, position, is_active) VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET params = $2, position = $3, is_active = $4`
)

// NewConfigManager 创建配置管理器
func NewConfigManager(dbConfig *config.DatabaseConfig, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{dbConfig: dbConfig, logger: logger}
}

// fail 以统一格式返回错误
func fail(c *gin.Context, status int, message string, err error) {
	body := gin.H{"error": message}
	if err != nil {
		body["message"] = err.Error()
	}
	c.JSON(status, body)
}

// GetConfig 全部配置，?key= 只取一项
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		configs, err := cm.dbConfig.ListConfigs()
		if err != nil {
			fail(c, http.StatusInternalServerError, "获取配置失败", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"configs": configs})
		return
	}

	value, err := cm.dbConfig.GetConfig(key)
	switch {
	case err == sql.ErrNoRows:
		c.JSON(http.StatusNotFound, gin.H{"error": "配置不存在", "key": key})
	case err != nil:
		fail(c, http.StatusInternalServerError, "获取配置失败", err)
	default:
		c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
	}
}

// UpdateConfig 写入前按配置项校验值
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}
	if err := config.CheckValue(req.Key, req.Value); err != nil {
		fail(c, http.StatusBadRequest, "配置项无效", err)
		return
	}
	if err := cm.dbConfig.UpdateConfig(req.Key, req.Value); err != nil {
		fail(c, http.StatusInternalServerError, "更新配置失败", err)
		return
	}

	cm.logger.WithFields(logrus.Fields{"key": req.Key, "value": req.Value}).Info("重放配置已更新")
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "value": req.Value})
}

// GetBlockchainNodes 节点按优先级排列
func (cm *ConfigManager) GetBlockchainNodes(c *gin.Context) {
	rows, err := cm.dbConfig.DB.Query(selectNodes)
	if err != nil {
		fail(c, http.StatusInternalServerError, "获取节点配置失败", err)
		return
	}
	defer rows.Close()

	nodes := []NodeRecord{}
	for rows.Next() {
		var node NodeRecord
		if err := rows.Scan(&node.Name, &node.URL, &node.RateLimit, &node.Priority, &node.IsActive); err != nil {
			cm.logger.WithError(err).Warn("读取节点配置失败")
			continue
		}
		nodes = append(nodes, node)
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// AddBlockchainNode 新节点默认启用
func (cm *ConfigManager) AddBlockchainNode(c *gin.Context) {
	var node NodeRecord
	if err := c.ShouldBindJSON(&node); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}
	if _, err := cm.dbConfig.DB.Exec(insertNode, node.Name, node.URL, node.RateLimit, node.Priority); err != nil {
		fail(c, http.StatusInternalServerError, "添加节点失败", err)
		return
	}
	node.IsActive = true
	c.JSON(http.StatusOK, gin.H{"node": node})
}

// DeleteBlockchainNode 按名称删除节点
func (cm *ConfigManager) DeleteBlockchainNode(c *gin.Context) {
	name := c.Param("name")
	result, err := cm.dbConfig.DB.Exec(deleteNode, name)
	if err != nil {
		fail(c, http.StatusInternalServerError, "删除节点失败", err)
		return
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "节点不存在", "name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

// GetHooks 钩子按执行顺序排列
func (cm *ConfigManager) GetHooks(c *gin.Context) {
	rows, err := cm.dbConfig.DB.Query(selectHooks)
	if err != nil {
		fail(c, http.StatusInternalServerError, "获取钩子配置失败", err)
		return
	}
	defer rows.Close()

	hooks := []HookRecord{}
	for rows.Next() {
		var hook HookRecord
		var params sql.NullString
		if err := rows.Scan(&hook.Name, &params, &hook.Position, &hook.IsActive); err != nil {
			cm.logger.WithError(err).Warn("读取钩子配置失败")
			continue
		}
		if params.Valid && params.String != "" {
			hook.Params = json.RawMessage(params.String)
		}
		hooks = append(hooks, hook)
	}
	c.JSON(http.StatusOK, gin.H{"hooks": hooks})
}

// UpdateHook 启停钩子，同时写入参数和顺序
func (cm *ConfigManager) UpdateHook(c *gin.Context) {
	name := c.Param("name")

	var req struct {
		Params   map[string]string `json:"params"`
		Position int               `json:"position"`
		IsActive bool              `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}

	var params sql.NullString
	if len(req.Params) > 0 {
		data, err := json.Marshal(req.Params)
		if err != nil {
			fail(c, http.StatusBadRequest, "钩子参数无效", err)
			return
		}
		params = sql.NullString{String: string(data), Valid: true}
	}

	if _, err := cm.dbConfig.DB.Exec(upsertHook, name, params, req.Position, req.IsActive); err != nil {
		fail(c, http.StatusInternalServerError, "更新钩子失败", err)
		return
	}
	cm.logger.WithFields(logrus.Fields{"hook": name, "active": req.IsActive}).Info("钩子配置已更新")
	c.JSON(http.StatusOK, gin.H{"name": name, "position": req.Position, "is_active": req.IsActive})
}
