// Package notify 一次性通知记录，由外部收件箱服务消费
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/kafka"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"go.uber.org/zap"
)

// Notification 发给某个用户的一条通知
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	PollID    string    `json:"pollId,omitempty"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notifier 通知投递，尽力而为
type Notifier interface {
	Notify(ctx context.Context, userID, pollID, message string) error
	Close() error
}

func newNotification(userID, pollID, message string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		PollID:    pollID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// sender 按key发送JSON消息
type sender interface {
	SendJSON(ctx context.Context, key string, v any) error
	Close() error
}

// KafkaNotifier 写入通知主题，以userId为key
type KafkaNotifier struct {
	producer sender
}

func NewKafkaNotifier(cfg config.KafkaConfig) *KafkaNotifier {
	return &KafkaNotifier{producer: kafka.NewProducer(cfg, cfg.NotificationTopic)}
}

func (n *KafkaNotifier) Notify(ctx context.Context, userID, pollID, message string) error {
	return n.producer.SendJSON(ctx, userID, newNotification(userID, pollID, message))
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}

// LogNotifier 未配置Kafka时只记录日志
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

func (n *LogNotifier) Notify(_ context.Context, userID, pollID, message string) error {
	notification := newNotification(userID, pollID, message)
	n.logger.Info("通知",
		zap.String("id", notification.ID),
		zap.String("userId", userID),
		zap.String("pollId", pollID),
		zap.String("message", message))
	return nil
}

func (n *LogNotifier) Close() error {
	return nil
}
