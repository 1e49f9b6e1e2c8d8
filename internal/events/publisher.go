// Package events 把账本和拍卖的状态变化通知发布到外部：JSON文件、Kafka或内存。
package events

import (
	"fmt"
	"sync"

	"minter/internal/config"
	"minter/pkg/models"

	"github.com/sirupsen/logrus"
)

// Publisher 事件发布接口。Publish 在状态提交之后同步调用
type Publisher interface {
	Publish(event *models.Event) error
	Close() error
}

// NewPublisher 按配置创建发布器
func NewPublisher(cfg *config.EventsConfig, logger *logrus.Logger) (Publisher, error) {
	if cfg == nil {
		return NopPublisher{}, nil
	}

	switch cfg.Format {
	case "file":
		return NewFilePublisher(cfg.Directory, logger)
	case "kafka":
		brokers := []string{"localhost:9092"}
		topics := config.DefaultTopics()
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			for kind, topic := range cfg.Kafka.Topics {
				topics[kind] = topic
			}
		}
		return NewKafkaPublisher(brokers, topics, logger)
	case "memory":
		return NewMemoryPublisher(), nil
	case "none", "":
		return NopPublisher{}, nil
	default:
		return nil, fmt.Errorf("不支持的事件格式: %s", cfg.Format)
	}
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

// Publish 丢弃事件
func (NopPublisher) Publish(*models.Event) error { return nil }

// Close 无操作
func (NopPublisher) Close() error { return nil }

// MemoryPublisher 在内存中记录事件，供测试和查询使用
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*models.Event
	closed bool
}

// NewMemoryPublisher 创建内存发布器
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{events: make([]*models.Event, 0)}
}

// Publish 记录事件
func (m *MemoryPublisher) Publish(event *models.Event) error {
	if event == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("发布器已关闭")
	}
	m.events = append(m.events, event)
	return nil
}

// Events 返回已记录事件的副本
func (m *MemoryPublisher) Events() []*models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfKind 返回指定类型的事件
func (m *MemoryPublisher) EventsOfKind(kind models.EventKind) []*models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Event, 0)
	for _, e := range m.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Close 关闭发布器
func (m *MemoryPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
