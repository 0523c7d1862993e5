// Package events публикует проводки журнала для внешних потребителей (уведомления, аналитика).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mmeshcher/attention-credit/internal/model"
)

// DefaultTopic задаёт топик проводок по умолчанию.
const DefaultTopic = "ac.ledger.entries"

// LedgerEvent описывает сообщение о проведённой операции.
type LedgerEvent struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	Type         string    `json:"type"`
	Reason       string    `json:"reason"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewLedgerEvent строит сообщение по проводке.
func NewLedgerEvent(e model.LedgerEntry) LedgerEvent {
	return LedgerEvent{
		ID:           e.ID.String(),
		UserID:       e.UserID,
		Type:         string(e.Type),
		Reason:       string(e.Reason),
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Reference:    e.Reference,
		CreatedAt:    e.CreatedAt,
	}
}

// Nop отбрасывает события; используется, когда брокер не настроен.
type Nop struct{}

// Publish ничего не делает.
func (Nop) Publish(ctx context.Context, e model.LedgerEntry) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher пишет проводки в Kafka с идентификатором пользователя в ключе сообщения.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher создаёт продюсера для списка брокеров через запятую.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer}
}

// Publish отправляет одну проводку.
func (p *KafkaPublisher) Publish(ctx context.Context, e model.LedgerEntry) error {
	value, err := json.Marshal(NewLedgerEvent(e))
	if err != nil {
		return fmt.Errorf("marshal ledger event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(e.UserID, 10)),
		Value: value,
		Time:  e.CreatedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write ledger event: %w", err)
	}
	return nil
}

// Close закрывает продюсера.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
