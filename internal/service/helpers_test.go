package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"stamp-order-service/internal/gateway"
	"stamp-order-service/internal/models"
	"stamp-order-service/internal/redisclient"
	"stamp-order-service/internal/store/memstore"

	"github.com/stretchr/testify/require"
)

const (
	testKeySecret     = "key-secret"
	testWebhookSecret = "webhook-secret"
)

var (
	customer = Principal{UserID: "user-1", Role: models.RoleCustomer}
	stranger = Principal{UserID: "user-2", Role: models.RoleCustomer}
	admin    = Principal{UserID: "ops", Role: models.RoleAdmin}
)

type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	orders    []gateway.CreateOrderRequest
	refunds   []string
	refundErr error
}

func (g *fakeGateway) KeyID() string { return "rzp_test_key" }

func (g *fakeGateway) CreateOrder(_ context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.orders = append(g.orders, req)
	return &gateway.Order{ID: fmt.Sprintf("order_%d", g.seq), Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt}, nil
}

func (g *fakeGateway) Refund(_ context.Context, paymentID string, amount int64, _ map[string]string) (*gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, paymentID)
	return &gateway.Refund{ID: "rfnd_" + paymentID, PaymentID: paymentID, Amount: amount}, nil
}

func (g *fakeGateway) VerifyPaymentSignature(gatewayOrderID, paymentID, signature string) bool {
	return gateway.ValidSignature(testKeySecret, gateway.PaymentSignaturePayload(gatewayOrderID, paymentID), signature)
}

func (g *fakeGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return gateway.ValidSignature(testWebhookSecret, body, signature)
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) PublishOrderPlaced(_ context.Context, e *models.OrderPlacedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishPaymentCompleted(_ context.Context, e *models.PaymentCompletedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishOrderRefunded(_ context.Context, e *models.OrderRefundedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	repo       *memstore.Store
	gw         *fakeGateway
	publisher  *recordingPublisher
	coord      *redisclient.Local
	orders     *OrderService
	settlement *SettlementService
	wallets    *WalletService
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		repo:      memstore.New(),
		gw:        &fakeGateway{},
		publisher: &recordingPublisher{},
		coord:     redisclient.NewLocal(),
		now:       time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.repo.SetClock(clock)

	pricer, err := NewPricer("0.18", 5000, 15000, 100000)
	require.NoError(t, err)

	compensator := NewCompensator(h.repo)
	inventory := NewInventoryService(h.repo, compensator)
	h.orders = NewOrderService(h.repo, inventory, compensator, pricer, h.gw, h.coord, h.publisher)
	h.orders.SetClock(clock)
	h.settlement = NewSettlementService(h.repo, inventory, compensator, h.gw, h.coord, h.publisher, SettlementConfig{
		Currency:         "INR",
		AuthorizationTTL: 30 * time.Minute,
		WebhookDedupeTTL: time.Hour,
	})
	h.settlement.SetClock(clock)
	h.wallets = NewWalletService(h.repo)
	return h
}

func (h *harness) seedItem(id string, price int64, qty int) {
	h.repo.PutCatalogItem(models.CatalogItem{
		ID:       id,
		SKU:      "SKU-" + id,
		Name:     "Stamp " + id,
		Price:    price,
		Stock:    models.Stock{Quantity: qty},
		IsActive: true,
	})
}

func (h *harness) stock(t *testing.T, id string) models.Stock {
	t.Helper()
	item, err := h.repo.GetCatalogItem(context.Background(), id)
	require.NoError(t, err)
	require.True(t, item.Stock.Consistent(), "stock counters of %s inconsistent: %+v", id, item.Stock)
	return item.Stock
}

func (h *harness) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := h.repo.GetWallet(context.Background(), userID, 0)
	require.NoError(t, err)
	return w.Balance
}

func (h *harness) reload(t *testing.T, id string) *models.Order {
	t.Helper()
	o, err := h.repo.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func address() models.ShippingAddress {
	return models.ShippingAddress{
		FullName:   "Ada Collector",
		Line1:      "1 Penny Black Lane",
		City:       "Mumbai",
		PostalCode: "400001",
		Country:    "IN",
	}
}

func placeRequest(method models.PaymentMethod, lines ...LineItem) PlaceOrderRequest {
	return PlaceOrderRequest{
		Items:           lines,
		ShippingAddress: address(),
		Payment:         PaymentSelection{Method: method},
	}
}

func line(id string, qty int) LineItem {
	return LineItem{CatalogItemID: id, Quantity: qty}
}

func checkoutSignature(gatewayOrderID, paymentID string) string {
	return gateway.Sign(testKeySecret, gateway.PaymentSignaturePayload(gatewayOrderID, paymentID))
}

// placeGatewayOrder places a razorpay order for one unit of item and
// attaches its gateway order.
func (h *harness) placeGatewayOrder(t *testing.T, item string, qty int) (*models.Order, *GatewayOrderCredentials) {
	t.Helper()
	ctx := context.Background()
	order, _, err := h.orders.PlaceOrder(ctx, customer, placeRequest(models.PaymentMethodRazorpay, line(item, qty)))
	require.NoError(t, err)
	creds, err := h.settlement.CreateGatewayOrder(ctx, customer, order.ID)
	require.NoError(t, err)
	return order, creds
}

func webhookBody(event, gatewayOrderID, paymentID string) []byte {
	return []byte(fmt.Sprintf(
		`{"entity":"event","event":%q,"contains":["payment"],"payload":{"payment":{"entity":{"id":%q,"order_id":%q,"status":"captured","amount":100}}}}`,
		event, paymentID, gatewayOrderID))
}

func webhookSignature(body []byte) string {
	return gateway.Sign(testWebhookSecret, body)
}
