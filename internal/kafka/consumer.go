package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, msg kafka.Message) error

// Consumer 每个分区一个reader，从分区末尾开始读，不加入消费者组，
// 所以每个实例都能收到主题上的全部消息
type Consumer struct {
	readers []*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

func NewConsumer(ctx context.Context, cfg config.KafkaConfig, topic string, logger *zap.Logger) (*Consumer, error) {
	logger = logging.OrNop(logger)

	partitions, err := ReadPartitions(ctx, cfg.Brokers, topic)
	if err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("主题 %s 没有分区", topic)
	}
	logger.Info("检测到Kafka主题分区", zap.String("topic", topic), zap.Int("partitions", len(partitions)))

	readers := make([]*kafka.Reader, 0, len(partitions))
	for _, partition := range partitions {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			Partition:   partition,
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB
			MaxWait:     100 * time.Millisecond,
			StartOffset: kafka.LastOffset,
		}))
	}

	cctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		readers: readers,
		ctx:     cctx,
		cancel:  cancel,
		logger:  logger,
	}, nil
}

// StartConsuming 每个reader一个goroutine
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}

	c.logger.Info("Kafka消费者已启动", zap.Int("workers", len(c.readers)))
}

// consumeMessages 单个消费者goroutine的消费逻辑
func (c *Consumer) consumeMessages(workerID int, reader *kafka.Reader, handler MessageHandler) {
	log := c.logger.With(zap.Int("worker", workerID))

	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			log.Warn("读取消息失败", zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := handler(c.ctx, m); err != nil {
			log.Warn("处理消息失败",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
		}
	}
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()

	// 等待所有工作线程结束
	c.wg.Wait()

	// 关闭所有reader
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			c.logger.Warn("关闭消费者失败", zap.Int("worker", i), zap.Error(err))
		}
	}

	c.logger.Info("所有Kafka消费者工作线程已停止")
	return nil
}
