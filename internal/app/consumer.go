package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/unipolo/boleto-service/internal/domain"
	"github.com/unipolo/boleto-service/internal/store"
)

// PaymentStatusConsumer applies payment-side status changes (paid, overdue, canceled) to slips.
type PaymentStatusConsumer struct {
	repo store.Repository
}

func NewPaymentStatusConsumer(repo store.Repository) *PaymentStatusConsumer {
	return &PaymentStatusConsumer{repo: repo}
}

// HandleMessage returns false only when the message should be re-queued.
func (c *PaymentStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.PaymentStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=payment_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	if strings.TrimSpace(event.BoletoNumber) == "" {
		log.Printf("level=warn component=payment_consumer event_id=%s msg=\"missing boleto number; dropping\"", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("level=error component=payment_consumer event_id=%s boleto_number=%s msg=\"processing failed\" err=%v", event.EventID, event.BoletoNumber, err)
		return false
	}

	return true
}

func (c *PaymentStatusConsumer) processEvent(ctx context.Context, event domain.PaymentStatusEvent) error {
	boleto, err := c.repo.FindBoletoByNumber(ctx, strings.TrimSpace(event.BoletoNumber))
	if err != nil {
		if errors.Is(err, store.ErrBoletoNotFound) {
			log.Printf("level=warn component=payment_consumer boleto_number=%s msg=\"no boleto for event; acknowledging\"", event.BoletoNumber)
			return nil
		}
		return fmt.Errorf("lookup boleto: %w", err)
	}

	target, ok := normalizePaymentStatus(event.Status)
	if !ok {
		log.Printf("level=warn component=payment_consumer boleto_number=%s status=%q msg=\"unknown status; ignoring\"", event.BoletoNumber, event.Status)
		return nil
	}

	if !canTransition(boleto.Status, target) {
		if boleto.Status != target {
			log.Printf("level=info component=payment_consumer boleto_number=%s from=%s to=%s msg=\"transition ignored\"", boleto.Number, boleto.Status, target)
		}
		return nil
	}

	paidAmount := event.PaidAmount
	if target == domain.BoletoPaid && paidAmount == nil {
		amount := boleto.Amount
		paidAmount = &amount
	}
	if target != domain.BoletoPaid {
		paidAmount = nil
	}

	if err := c.repo.UpdateBoletoStatus(ctx, boleto.ID, target, paidAmount); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	log.Printf("level=info component=payment_consumer boleto_number=%s from=%s to=%s msg=\"status updated\"", boleto.Number, boleto.Status, target)
	return nil
}

// canTransition encodes the slip lifecycle. Paid and canceled are terminal; replays are no-ops.
func canTransition(from, to domain.BoletoStatus) bool {
	switch from {
	case domain.BoletoPending:
		return to == domain.BoletoPaid || to == domain.BoletoOverdue || to == domain.BoletoCanceled
	case domain.BoletoOverdue:
		return to == domain.BoletoPaid || to == domain.BoletoCanceled
	default:
		return false
	}
}

func normalizePaymentStatus(status string) (domain.BoletoStatus, bool) {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "paid", "settled", "liquidated", "completed":
		return domain.BoletoPaid, true
	case "overdue", "expired":
		return domain.BoletoOverdue, true
	case "canceled", "cancelled", "voided":
		return domain.BoletoCanceled, true
	case "pending":
		return domain.BoletoPending, true
	default:
		return "", false
	}
}
