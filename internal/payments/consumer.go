package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/satbid/auctionhouse/internal/engine"
	"github.com/satbid/auctionhouse/internal/models"

	"github.com/nats-io/nats.go"
)

// Reconciler matches a settled payment to a bid and decides promote vs refund
type Reconciler interface {
	HandlePayment(ctx context.Context, pay models.PaymentNotification) error
}

// Consumer subscribes to the gateway's payment-settled notifications and
// feeds them into the settlement engine.
type Consumer struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	engine Reconciler
}

// NewConsumer connects to NATS
func NewConsumer(natsURL string, reconciler Reconciler) (*Consumer, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Consumer{conn: conn, engine: reconciler}, nil
}

// Start subscribes to settled payments and blocks until the context is
// cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.conn.Subscribe("payments.settled", func(msg *nats.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.sub = sub
	log.Println("subscribed to NATS subject: payments.settled")

	<-ctx.Done()
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg *nats.Msg) {
	var pay models.PaymentNotification
	if err := json.Unmarshal(msg.Data, &pay); err != nil {
		log.Printf("failed to unmarshal payment notification: %v", err)
		return
	}

	// Only reconcile our own incoming bid payments. The engine's outbound
	// refund/fee/payout legs settle through the same gateway and must not
	// loop back in as bids.
	if pay.Tag != engine.Tag || pay.IsRefund || pay.IsFee || pay.IsPayout {
		return
	}

	reconcileCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := c.engine.HandlePayment(reconcileCtx, pay); err != nil {
		log.Printf("failed to reconcile payment %s: %v", pay.PaymentHash, err)
	}
}

// Close drains the subscription and closes the connection
func (c *Consumer) Close() error {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.conn.Close()
	return nil
}
