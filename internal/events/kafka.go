package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"minter/internal/errors"
	"minter/internal/retry"
	"minter/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaPublisher Kafka事件发布器
type KafkaPublisher struct {
	logger   *logrus.Logger
	topics   map[string]string // 事件类型到topic的映射
	producer sarama.SyncProducer
	retrier  *retry.Retrier
}

// NewKafkaPublisher 创建Kafka发布器
func NewKafkaPublisher(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaPublisher, error) {
	logger.Infof("初始化Kafka发布器，brokers: %v", brokers)

	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaPublisherWithProducer(producer, topics, logger), nil
}

// NewProducerConfig 同步生产者配置：所有副本确认，同一键的消息保持顺序
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaPublisherWithProducer 使用已有生产者创建发布器
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaPublisher {
	if topics == nil {
		topics = make(map[string]string)
	}
	return &KafkaPublisher{
		logger:   logger,
		topics:   topics,
		producer: producer,
		retrier:  retry.NewRetrier(retry.PublishPolicy, logger),
	}
}

// Topic 返回事件类型对应的topic
func (k *KafkaPublisher) Topic(kind models.EventKind) string {
	if topic, ok := k.topics[string(kind)]; ok && topic != "" {
		return topic
	}
	return "minter_" + string(kind)
}

// Publish 发送事件，键为拍卖ID或账户地址，保证同一拍卖的事件落在同一分区
func (k *KafkaPublisher) Publish(event *models.Event) error {
	if event == nil {
		return nil
	}

	data, err := json.Marshal(event.ToKafkaMessage())
	if err != nil {
		return errors.ErrSerializationFailed.Wrap(err).WithComponent("events")
	}

	topic := k.Topic(event.Kind)
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_kind"), Value: []byte(event.Kind)},
		},
	}

	err = k.retrier.Execute(context.Background(), "kafka_publish", func() error {
		partition, offset, err := k.producer.SendMessage(msg)
		if err != nil {
			return err
		}
		k.logger.Debugf("成功发送事件到Kafka topic '%s' (partition: %d, offset: %d): %s",
			topic, partition, offset, event.Kind)
		return nil
	})
	if err != nil {
		return errors.ErrPublishFailed.Wrap(err).
			WithContext("topic", topic).
			WithContext("kind", string(event.Kind)).
			WithComponent("events")
	}
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaPublisher) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
