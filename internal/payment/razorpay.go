// README: Razorpay gateway: order creation and checkout signature verification.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/razorpay/razorpay-go"
	"github.com/sirupsen/logrus"

	"ridelink/internal/logging"
	"ridelink/internal/types"
)

var ErrGateway = errors.New("payment gateway error")

// orderCreator is the slice of the Razorpay SDK this package uses.
type orderCreator interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type RazorpayGateway struct {
	orders    orderCreator
	keySecret string
	log       logrus.FieldLogger
}

func NewRazorpayGateway(keyID, keySecret string, log logrus.FieldLogger) *RazorpayGateway {
	client := razorpay.NewClient(keyID, keySecret)
	return &RazorpayGateway{
		orders:    client.Order,
		keySecret: keySecret,
		log:       logging.OrDiscard(log).WithField("component", "payment"),
	}
}

// CreateOrder opens an order for amount; the receipt ties it to the trip.
// Amounts are whole rupees and sent to Razorpay in paise.
func (g *RazorpayGateway) CreateOrder(ctx context.Context, receipt string, amount types.Money) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount.Amount <= 0 {
		return "", fmt.Errorf("%w: non-positive amount %d", ErrGateway, amount.Amount)
	}
	currency := amount.Currency
	if currency == "" {
		currency = types.DefaultCurrency
	}
	order, err := g.orders.Create(map[string]interface{}{
		"amount":   amount.Amount * 100,
		"currency": currency,
		"receipt":  receipt,
		"notes": map[string]interface{}{
			"trip_id": receipt,
		},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("%w: create order: %v", ErrGateway, err)
	}
	id, ok := order["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: order response missing id", ErrGateway)
	}
	g.log.WithFields(logrus.Fields{"order_id": id, "receipt": receipt}).Info("payment order created")
	return id, nil
}

// VerifySignature checks the checkout signature Razorpay returns to the
// client: HMAC-SHA256 of "orderID|paymentID" keyed by the API secret.
func (g *RazorpayGateway) VerifySignature(orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	expected := Sign(g.keySecret, orderID, paymentID)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Sign computes the checkout signature for an order and payment.
func Sign(secret, orderID, paymentID string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(h.Sum(nil))
}
