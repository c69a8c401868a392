package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"repairpos/backend/internal/domain"
)

const (
	SaleCommitted         = "sale.committed"
	SaleCancelled         = "sale.cancelled"
	SalePaymentRegistered = "sale.payment_registered"
)

type SaleEvent struct {
	Type          string               `json:"type"`
	SaleID        string               `json:"sale_id"`
	CompanyID     string               `json:"company_id"`
	InvoiceNumber string               `json:"invoice_number"`
	BranchID      string               `json:"branch_id"`
	CustomerID    string               `json:"customer_id"`
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
	Status        domain.SaleStatus    `json:"status"`
	Total         decimal.Decimal      `json:"total"`
	AmountPaid    decimal.Decimal      `json:"amount_paid"`
	Lines         int                  `json:"lines"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

func NewSaleEvent(kind string, sale domain.Sale, at time.Time) SaleEvent {
	return SaleEvent{
		Type:          kind,
		SaleID:        sale.ID,
		CompanyID:     sale.CompanyID,
		InvoiceNumber: sale.InvoiceNumber,
		BranchID:      sale.BranchID,
		CustomerID:    sale.CustomerID,
		PaymentMethod: sale.PaymentMethod,
		Status:        sale.Status,
		Total:         sale.Total,
		AmountPaid:    sale.AmountPaid,
		Lines:         len(sale.Items),
		OccurredAt:    at.UTC(),
	}
}

// Publisher delivers sale events after the ledger has committed them.
// Delivery is best effort; a failed publish never undoes a sale.
type Publisher interface {
	Publish(ctx context.Context, event SaleEvent) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ SaleEvent) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by company so one company's events
// land on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokersCSV string, topic string) *KafkaPublisher {
	brokers := []string{}
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event SaleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.CompanyID),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
