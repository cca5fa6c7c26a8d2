package output

import (
	"encoding/json"
	"fmt"
	"time"

	"backd/internal/config"
	"backd/internal/errors"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 记录类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(cfg *config.KafkaConfig, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", cfg.Brokers)

	// 配置Kafka生产者
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Timeout = 5 * time.Second
	saramaConfig.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}

	// 创建同步生产者
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, cfg.Topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	if topics == nil {
		topics = map[string]string{}
	}
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

// Topic 记录类型对应的topic，未配置时为 backd_<kind>
func (k *KafkaOutput) Topic(kind string) string {
	if topic, exists := k.topics[kind]; exists && topic != "" {
		return topic
	}
	return "backd_" + kind
}

// WriteRecord 发送一条记录，消息键为记录类型
func (k *KafkaOutput) WriteRecord(kind string, record interface{}) error {
	if record == nil {
		return nil
	}

	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	topic := k.Topic(kind)
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(kind),
		Value: sarama.ByteEncoder(jsonData),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeOutput, errors.SeverityHigh,
			errors.ErrKafkaProduceFailed.Code, "发送消息到Kafka失败: "+topic)
	}

	k.logger.Debugf("成功发送数据到Kafka topic '%s' (partition: %d, offset: %d)", topic, partition, offset)
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
