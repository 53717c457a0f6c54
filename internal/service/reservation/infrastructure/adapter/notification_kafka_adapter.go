package adapter

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"turnstile/internal/pkg/logger"
	"turnstile/internal/pkg/mq"
	"turnstile/internal/service/reservation/domain"
)

// NotificationKafkaAdapter 是 port.HoldEventProducer 的 Kafka 实现。
// 消息按票种 id 做 key，保证单个票种的生命周期事件在分区内有序。
type NotificationKafkaAdapter struct {
	writer *kafka.Writer
}

func NewNotificationKafkaAdapter(writer *kafka.Writer) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer}
}

func (a *NotificationKafkaAdapter) PublishHoldEvent(ctx context.Context, event *domain.HoldEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to marshal hold event")
		return err
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(event.TicketTypeID), payload)
}
