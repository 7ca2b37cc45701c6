package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zllovesuki/metering/customer"
	"github.com/zllovesuki/metering/db"
	"github.com/zllovesuki/metering/event"
	"github.com/zllovesuki/metering/notification"
	"github.com/zllovesuki/metering/plan"
	"github.com/zllovesuki/metering/quota"
	"github.com/zllovesuki/metering/spec"
	"github.com/zllovesuki/metering/spec/protocol"
	"github.com/zllovesuki/metering/subscription"
	"github.com/zllovesuki/metering/usage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testCatalog = `
default: pro
tiers:
  pro:
    included_calls: 1000
    overage_rate: "0.001"
    currency: usd
  enterprise:
    included_calls: 500000
    overage_rate: "0.0005"
    currency: usd
prices:
  price_pro: pro
  price_enterprise: enterprise
`

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

type fakeSource struct {
	mu    sync.Mutex
	subs  map[string]*protocol.Subscription
	err   error
	calls int
}

func (f *fakeSource) GetSubscription(ctx context.Context, id string) (*protocol.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	return sub, nil
}

func (f *fakeSource) put(sub *protocol.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = sub
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []*notification.Notification
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, n *notification.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) Sent() []*notification.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*notification.Notification(nil), d.sent...)
}

func (d *recordingDispatcher) Types() []spec.AlertType {
	types := make([]spec.AlertType, 0)
	for _, n := range d.Sent() {
		types = append(types, n.AlertType)
	}
	return types
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine     *Engine
	db         *gorm.DB
	source     *fakeSource
	dispatcher *recordingDispatcher
	clock      *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	gdb, err := db.NewSQLite(logger, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)

	events, err := event.NewManager(event.ManagerOptions{DB: gdb, Logger: logger})
	require.NoError(t, err)
	customers, err := customer.NewManager(customer.ManagerOptions{DB: gdb, Logger: logger})
	require.NoError(t, err)
	subscriptions, err := subscription.NewManager(subscription.ManagerOptions{DB: gdb, Logger: logger})
	require.NoError(t, err)
	ledgers, err := usage.NewManager(usage.ManagerOptions{DB: gdb, Logger: logger})
	require.NoError(t, err)
	policies, err := quota.NewManager(quota.ManagerOptions{DB: gdb, Logger: logger})
	require.NoError(t, err)
	catalog, err := plan.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	h := &harness{
		db:         gdb,
		source:     &fakeSource{subs: make(map[string]*protocol.Subscription)},
		dispatcher: &recordingDispatcher{},
		clock:      &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	h.engine, err = New(Options{
		DB:            gdb,
		Events:        events,
		Customers:     customers,
		Subscriptions: subscriptions,
		Usage:         ledgers,
		Quota:         policies,
		Catalog:       catalog,
		Source:        h.source,
		Dispatcher:    h.dispatcher,
		Logger:        logger,
		Clock:         h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func processorSubscription(id, customerID, priceID, status string, start, end time.Time) *protocol.Subscription {
	sub := &protocol.Subscription{
		ID:       id,
		Customer: protocol.Ref(customerID),
		Status:   status,
		Currency: "usd",
	}
	sub.Items.Data = []protocol.SubscriptionItem{
		{
			ID:                 "si_" + id,
			CurrentPeriodStart: start.Unix(),
			CurrentPeriodEnd:   end.Unix(),
			Price: protocol.Price{
				ID:       priceID,
				Currency: "usd",
				Product:  protocol.Product{ID: "prod_" + priceID},
			},
		},
	}
	return sub
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func checkoutObject(t *testing.T, org, customerID, subID string) []byte {
	metadata := map[string]string{"promo_code": "LAUNCH"}
	if org != "" {
		metadata["organization_id"] = org
	}
	return mustJSON(t, map[string]interface{}{
		"id":           "cs_" + subID,
		"object":       "checkout.session",
		"mode":         "subscription",
		"customer":     customerID,
		"subscription": subID,
		"customer_details": map[string]interface{}{
			"email": "billing@example.com",
			"name":  "Acme Inc",
		},
		"metadata": metadata,
	})
}

func invoiceObject(t *testing.T, id, customerID, subID string, amountDue int64) []byte {
	return mustJSON(t, map[string]interface{}{
		"id":                 id,
		"object":             "invoice",
		"customer":           customerID,
		"subscription":       subID,
		"currency":           "usd",
		"amount_due":         amountDue,
		"amount_paid":        0,
		"hosted_invoice_url": "https://invoice.example.com/" + id,
	})
}

func (h *harness) deliver(t *testing.T, eventID, eventType string, object []byte) event.Outcome {
	t.Helper()
	outcome, err := h.engine.HandleEvent(context.Background(), Delivery{
		EventID:   eventID,
		EventType: eventType,
		Object:    object,
	})
	require.NoError(t, err)
	return outcome
}

// subscribe runs a checkout for a new organization on the pro plan of the test catalog
func (h *harness) subscribe(t *testing.T) (org string, subID string) {
	t.Helper()
	org = uuid.NewString()
	subID = "sub_" + uuid.NewString()[:8]
	h.source.put(processorSubscription(subID, "cus_"+subID, "price_pro", "active", periodStart, periodEnd))
	outcome := h.deliver(t, "evt_checkout_"+subID, TypeCheckoutCompleted, checkoutObject(t, org, "cus_"+subID, subID))
	require.Equal(t, event.Inserted, outcome)
	return org, subID
}

func (h *harness) currentSubscription(t *testing.T, org string) *subscription.Subscription {
	t.Helper()
	sub, err := h.engine.Subscriptions.Get(context.Background(), org)
	require.NoError(t, err)
	return sub
}

func (h *harness) meter(t *testing.T, org string, count int64) *MeterResult {
	t.Helper()
	res, err := h.engine.MeterUsage(context.Background(), MeterRequest{
		OrganizationID: org,
		Count:          count,
	})
	require.NoError(t, err)
	return res
}
