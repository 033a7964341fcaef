package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/kafka"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/model"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBus 票数事件写入以pollId为key的主题，同一投票的事件落在同一分区保持顺序。
// 每个实例读取全部分区并扇出给本地订阅者。
type KafkaBus struct {
	producer *kafka.Producer
	consumer *kafka.Consumer
	hub      *hub
	logger   *zap.Logger
}

func NewKafkaBus(ctx context.Context, cfg config.KafkaConfig, bufferSize int, logger *zap.Logger) (*KafkaBus, error) {
	logger = logging.OrNop(logger)

	consumer, err := kafka.NewConsumer(ctx, cfg, cfg.DeltaTopic, logger)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka消费者失败: %w", err)
	}

	b := &KafkaBus{
		producer: kafka.NewProducer(cfg, cfg.DeltaTopic),
		consumer: consumer,
		hub:      newHub(bufferSize, logger),
		logger:   logger,
	}
	consumer.StartConsuming(b.handleMessage)
	return b, nil
}

func (b *KafkaBus) handleMessage(_ context.Context, msg kafkago.Message) error {
	var evt model.DeltaEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return fmt.Errorf("解析票数事件失败: %w", err)
	}
	b.hub.dispatch(string(msg.Key), evt)
	return nil
}

func (b *KafkaBus) Publish(ctx context.Context, pollID string, evt model.DeltaEvent) error {
	return b.producer.SendJSON(ctx, pollID, evt)
}

func (b *KafkaBus) Subscribe(ctx context.Context, pollID string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.hub.add(pollID, handler)
}

func (b *KafkaBus) Close() error {
	b.hub.close()
	b.consumer.Stop()
	return b.producer.Close()
}
