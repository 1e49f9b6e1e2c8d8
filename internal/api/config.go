package api

import (
	"database/sql"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConfigStore 可在线修改的配置来源，*config.DatabaseConfig 实现该接口。
// 修改在下次启动时生效
type ConfigStore interface {
	ListConfigs() (map[string]string, error)
	GetConfig(key string) (string, error)
	UpdateConfig(key, value string) error
	UpdateTopic(kind, topic string) error
}

// ConfigManager 配置管理接口
type ConfigManager struct {
	store  ConfigStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store ConfigStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		store:  store,
		logger: logger,
	}
}

// ListConfigs 列出所有配置覆盖项
func (cm *ConfigManager) ListConfigs(c *gin.Context) {
	configs, err := cm.store.ListConfigs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取配置失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"configs": configs,
		"total":   len(configs),
	})
}

// GetConfig 获取单个配置
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	key := c.Param("key")

	value, err := cm.store.GetConfig(key)
	if err != nil {
		status := http.StatusInternalServerError
		if stderrors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "配置不存在",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":   key,
		"value": value,
	})
}

// UpdateConfig 更新配置
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	if err := cm.store.UpdateConfig(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "更新配置失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.Infof("配置项 %s 已更新，重启后生效", req.Key)
	c.JSON(http.StatusOK, gin.H{
		"message": "配置更新成功，重启后生效",
		"config": gin.H{
			"key":   req.Key,
			"value": req.Value,
		},
	})
}

// UpdateTopic 更新事件类型对应的Kafka主题
func (cm *ConfigManager) UpdateTopic(c *gin.Context) {
	var req struct {
		Kind  string `json:"kind" binding:"required"`
		Topic string `json:"topic" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	if err := cm.store.UpdateTopic(req.Kind, req.Topic); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "更新Kafka主题失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Kafka主题更新成功，重启后生效",
	})
}
