package payments

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/satbid/auctionhouse/internal/engine"
	"github.com/satbid/auctionhouse/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReconciler struct {
	received []models.PaymentNotification
}

func (r *recordingReconciler) HandlePayment(_ context.Context, pay models.PaymentNotification) error {
	r.received = append(r.received, pay)
	return nil
}

func message(t *testing.T, pay models.PaymentNotification) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(pay)
	require.NoError(t, err)
	return &nats.Msg{Subject: "payments.settled", Data: data}
}

func TestHandleMessage(t *testing.T) {
	tests := []struct {
		name      string
		pay       models.PaymentNotification
		reconcile bool
	}{
		{
			name:      "BidPayment",
			pay:       models.PaymentNotification{PaymentHash: "hash-1", AmountSat: 100, Tag: engine.Tag},
			reconcile: true,
		},
		{
			name:      "ForeignTag",
			pay:       models.PaymentNotification{PaymentHash: "hash-2", AmountSat: 100, Tag: "lnurlp"},
			reconcile: false,
		},
		{
			name:      "OwnRefundLeg",
			pay:       models.PaymentNotification{PaymentHash: "hash-3", AmountSat: 100, Tag: engine.Tag, IsRefund: true},
			reconcile: false,
		},
		{
			name:      "OwnFeeLeg",
			pay:       models.PaymentNotification{PaymentHash: "hash-4", AmountSat: 100, Tag: engine.Tag, IsFee: true},
			reconcile: false,
		},
		{
			name:      "OwnPayoutLeg",
			pay:       models.PaymentNotification{PaymentHash: "hash-5", AmountSat: 100, Tag: engine.Tag, IsPayout: true},
			reconcile: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingReconciler{}
			c := &Consumer{engine: rec}
			c.handleMessage(context.Background(), message(t, tt.pay))
			if tt.reconcile {
				require.Len(t, rec.received, 1)
				assert.Equal(t, tt.pay, rec.received[0])
			} else {
				assert.Empty(t, rec.received)
			}
		})
	}
}

func TestHandleMessage_MalformedPayload(t *testing.T) {
	rec := &recordingReconciler{}
	c := &Consumer{engine: rec}
	c.handleMessage(context.Background(), &nats.Msg{Subject: "payments.settled", Data: []byte("not json")})
	assert.Empty(t, rec.received)
}
