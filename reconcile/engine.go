package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/metering/customer"
	"github.com/zllovesuki/metering/event"
	"github.com/zllovesuki/metering/metrics"
	"github.com/zllovesuki/metering/notification"
	"github.com/zllovesuki/metering/plan"
	"github.com/zllovesuki/metering/quota"
	"github.com/zllovesuki/metering/spec"
	"github.com/zllovesuki/metering/spec/protocol"
	"github.com/zllovesuki/metering/subscription"
	"github.com/zllovesuki/metering/usage"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrUnknownOrganization is returned when the organization has no subscription
	ErrUnknownOrganization = errors.New("organization has no subscription")
	// ErrSubscriptionInactive is returned when the subscription does not accept usage
	ErrSubscriptionInactive = errors.New("subscription is not active")
)

const organizationMetadataKey = "organization_id"

// SubscriptionSource fetches the full subscription a checkout refers to
type SubscriptionSource interface {
	GetSubscription(ctx context.Context, id string) (*protocol.Subscription, error)
}

type Options struct {
	DB            *gorm.DB
	Events        *event.Manager
	Customers     *customer.Manager
	Subscriptions *subscription.Manager
	Usage         *usage.Manager
	Quota         *quota.Manager
	Catalog       *plan.Catalog
	Source        SubscriptionSource
	Dispatcher    notification.Dispatcher
	Logger        *zap.Logger
	Clock         func() time.Time
	StoreTimeout  time.Duration
}

func (o *Options) validate() error {
	if o.DB == nil {
		return fmt.Errorf("nil DB is invalid")
	}
	if o.Events == nil || o.Customers == nil || o.Subscriptions == nil || o.Usage == nil || o.Quota == nil {
		return fmt.Errorf("all managers are required")
	}
	if o.Source == nil {
		return fmt.Errorf("nil SubscriptionSource is invalid")
	}
	if o.Dispatcher == nil {
		return fmt.Errorf("nil Dispatcher is invalid")
	}
	if o.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	return nil
}

// Engine is the only writer of subscriptions, usage ledgers and alert state. Every lifecycle
// event and metering call goes through it
type Engine struct {
	Options
}

func New(option Options) (*Engine, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	if option.Catalog == nil {
		option.Catalog = plan.DefaultCatalog()
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	if option.StoreTimeout <= 0 {
		option.StoreTimeout = spec.StoreTimeout
	}
	return &Engine{
		Options: option,
	}, nil
}

func (e *Engine) now() time.Time {
	return e.Clock().UTC()
}

// stores are the managers bound to one transaction
type stores struct {
	events        *event.Manager
	customers     *customer.Manager
	subscriptions *subscription.Manager
	usage         *usage.Manager
	quota         *quota.Manager
}

func (e *Engine) bind(tx *gorm.DB) stores {
	return stores{
		events:        e.Events.WithTx(tx),
		customers:     e.Customers.WithTx(tx),
		subscriptions: e.Subscriptions.WithTx(tx),
		usage:         e.Usage.WithTx(tx),
		quota:         e.Quota.WithTx(tx),
	}
}

// Delivery is a lifecycle event as received from the processor, after its signature was verified
type Delivery struct {
	EventID   string
	EventType string
	// Object is the raw data.object of the event
	Object  []byte
	Payload []byte
}

// HandleEvent records the delivery and applies its transition in one transaction. A failed
// transition rolls back the record too, so the redelivery is processed again.
// AlreadyProcessed deliveries have no side effects
func (e *Engine) HandleEvent(ctx context.Context, d Delivery) (event.Outcome, error) {
	if d.EventID == "" {
		return 0, fmt.Errorf("event id is required")
	}
	logger := e.Logger.With(
		zap.String("EventID", d.EventID),
		zap.String("EventType", d.EventType),
	)

	ctx, cancel := context.WithTimeout(ctx, e.StoreTimeout)
	defer cancel()

	seen, err := e.Events.GetByID(ctx, d.EventID)
	if err != nil {
		return 0, err
	}
	if seen != nil {
		return event.AlreadyProcessed, nil
	}

	ev, err := Decode(d.EventType, d.Object)
	if err != nil {
		// retrying a payload we cannot read will not help
		logger.Error("Cannot decode lifecycle event, recording without transition", zap.Error(err))
		ev = Unhandled{EventType: d.EventType}
	}

	var fetched *protocol.Subscription
	if checkout, ok := ev.(CheckoutCompleted); ok {
		fetched, err = e.fetchCheckoutSubscription(ctx, logger, checkout)
		if err != nil {
			return 0, err
		}
	}

	payload := d.Payload
	if len(payload) == 0 {
		payload = d.Object
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var outcome event.Outcome
	var pending []*notification.Notification
	err = e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s := e.bind(tx)
		var txErr error
		outcome, txErr = s.events.Record(ctx, &event.LifecycleEvent{
			EventID:    d.EventID,
			EventType:  d.EventType,
			Payload:    datatypes.JSON(payload),
			ReceivedAt: e.now(),
		})
		if txErr != nil {
			return txErr
		}
		if outcome == event.AlreadyProcessed {
			return nil
		}
		pending, txErr = e.apply(ctx, s, logger, d.EventID, ev, fetched)
		return txErr
	})
	if err != nil {
		logger.Error("Unable to process lifecycle event", zap.Error(err))
		return 0, extErrors.Wrap(err, "Cannot process lifecycle event")
	}

	for _, n := range pending {
		e.dispatch(ctx, n)
	}
	return outcome, nil
}

func (e *Engine) fetchCheckoutSubscription(ctx context.Context, logger *zap.Logger, ev CheckoutCompleted) (*protocol.Subscription, error) {
	if _, ok := checkoutOrganization(ev.Session); !ok {
		return nil, nil
	}
	id := ev.Session.Subscription.String()
	if id == "" {
		return nil, nil
	}
	sub, err := e.Source.GetSubscription(ctx, id)
	if err != nil {
		logger.Error("Cannot fetch subscription of checkout",
			zap.String("SubscriptionID", id),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot fetch subscription of checkout")
	}
	return sub, nil
}

func checkoutOrganization(cs protocol.CheckoutSession) (string, bool) {
	org := cs.Metadata[organizationMetadataKey]
	if _, err := uuid.Parse(org); err != nil {
		return "", false
	}
	return org, true
}

func (e *Engine) apply(ctx context.Context, s stores, logger *zap.Logger, eventID string, ev Event, fetched *protocol.Subscription) ([]*notification.Notification, error) {
	switch ev := ev.(type) {
	case CheckoutCompleted:
		return nil, e.applyCheckout(ctx, s, logger, eventID, ev.Session, fetched)
	case SubscriptionUpdated:
		return nil, e.applySubscriptionUpdated(ctx, s, logger, eventID, ev.Subscription)
	case SubscriptionDeleted:
		return nil, e.applySubscriptionDeleted(ctx, s, logger, eventID, ev.Subscription)
	case InvoicePaid:
		return nil, e.applyInvoicePaid(ctx, s, logger, eventID, ev.Invoice)
	case InvoicePaymentFailed:
		return e.applyInvoicePaymentFailed(ctx, s, logger, eventID, ev.Invoice)
	}
	logger.Info("Lifecycle event recorded without transition")
	return nil, nil
}

func (e *Engine) applyCheckout(ctx context.Context, s stores, logger *zap.Logger, eventID string, cs protocol.CheckoutSession, sub *protocol.Subscription) error {
	org, ok := checkoutOrganization(cs)
	if !ok {
		logger.Warn("Checkout without a valid organization_id in metadata, ignoring",
			zap.String("SessionID", cs.ID),
		)
		return nil
	}
	if sub == nil {
		logger.Warn("Checkout without a subscription, ignoring",
			zap.String("SessionID", cs.ID),
			zap.String("Mode", cs.Mode),
		)
		return nil
	}
	logger = logger.With(zap.String("OrganizationID", org), zap.String("SubscriptionID", sub.ID))

	customerID := cs.Customer.String()
	if customerID == "" {
		customerID = sub.Customer.String()
	}
	if customerID != "" {
		companyName := cs.Metadata["company_name"]
		if companyName == "" {
			companyName = cs.CustomerDetails.Name
		}
		if err := s.customers.Upsert(ctx, &customer.Customer{
			ID:             customerID,
			OrganizationID: org,
			BillingEmail:   cs.Email(),
			CompanyName:    companyName,
		}); err != nil {
			return err
		}
	}

	owner, err := s.subscriptions.GetByProcessorID(ctx, sub.ID)
	if err != nil {
		return err
	}
	if owner != nil && owner.OrganizationID != org {
		logger.Warn("Subscription already belongs to another organization, ignoring",
			zap.String("OwnerOrganizationID", owner.OrganizationID),
		)
		return nil
	}

	before, err := s.subscriptions.GetForUpdate(ctx, org)
	if err != nil {
		return err
	}
	if before != nil {
		if before.ProcessorSubscriptionID == sub.ID && before.Status.Terminal() {
			logger.Info("Checkout for a canceled subscription, ignoring")
			return nil
		}
		if before.ProcessorSubscriptionID != sub.ID && !before.Status.Terminal() {
			logger.Warn("Organization already has a live subscription, ignoring checkout",
				zap.String("CurrentSubscriptionID", before.ProcessorSubscriptionID),
			)
			return nil
		}
	}

	after := e.fromProcessor(sub)
	after.OrganizationID = org
	if customerID != "" {
		after.ProcessorCustomerID = customerID
	}
	after.Metadata["checkout_session"] = cs.ID
	if promo := cs.Metadata["promo_code"]; promo != "" {
		after.Metadata["promo_code"] = promo
	}
	if before != nil {
		after.CreatedAt = before.CreatedAt
	}

	if err := s.subscriptions.Put(ctx, eventID, before, after); err != nil {
		return err
	}
	if err := e.openPeriod(ctx, s, logger, after); err != nil {
		return err
	}
	if err := s.quota.Ensure(ctx, org); err != nil {
		return err
	}
	logger.Info("Subscription created from checkout",
		zap.String("PlanTier", after.PlanTier),
		zap.String("Status", string(after.Status)),
	)
	return nil
}

// fromProcessor builds our view of a processor subscription. Periods the processor did not
// report start now and last a month
func (e *Engine) fromProcessor(sub *protocol.Subscription) *subscription.Subscription {
	p := e.Catalog.FromSubscription(sub)
	start, end := sub.Period()
	if start.IsZero() {
		start = e.now()
		end = start.AddDate(0, 1, 0)
	}
	currency := sub.PriceCurrency()
	if currency == "" {
		currency = p.Currency
	}
	if currency == "" {
		currency = spec.DefaultCurrency
	}
	metadata := make(spec.Metadata)
	for k, v := range sub.Metadata {
		metadata[k] = v
	}
	return &subscription.Subscription{
		ProcessorSubscriptionID: sub.ID,
		ProcessorCustomerID:     sub.Customer.String(),
		PlanTier:                string(p.Tier),
		Status:                  subscription.StatusFromProcessor(sub.Status),
		PeriodStart:             start,
		PeriodEnd:               end,
		IncludedCalls:           p.IncludedCalls,
		OverageRate:             p.OverageRate,
		Currency:                currency,
		Metadata:                metadata,
	}
}

// openPeriod creates the zeroed ledger of the subscription's current period. The plan terms are
// copied in, an existing ledger for the period is left as it is
func (e *Engine) openPeriod(ctx context.Context, s stores, logger *zap.Logger, sub *subscription.Subscription) error {
	created, err := s.usage.OpenPeriod(ctx, &usage.Ledger{
		OrganizationID: sub.OrganizationID,
		PeriodStart:    sub.PeriodStart,
		PeriodEnd:      sub.PeriodEnd,
		IncludedCalls:  sub.IncludedCalls,
		OverageRate:    sub.OverageRate,
		Currency:       sub.Currency,
	})
	if err != nil {
		return err
	}
	if created {
		logger.Info("Usage period opened",
			zap.Time("PeriodStart", sub.PeriodStart),
			zap.Time("PeriodEnd", sub.PeriodEnd),
		)
	}
	return nil
}

// repricePeriod carries a plan change within the current period over to its ledger. Only the
// open period is touched
func (e *Engine) repricePeriod(ctx context.Context, s stores, logger *zap.Logger, sub *subscription.Subscription) error {
	l, err := s.usage.UpdateTerms(ctx, usage.LedgerID(sub.OrganizationID, sub.PeriodStart), usage.Terms{
		IncludedCalls: sub.IncludedCalls,
		OverageRate:   sub.OverageRate,
		Currency:      sub.Currency,
	})
	if err != nil {
		return err
	}
	if l == nil {
		return e.openPeriod(ctx, s, logger, sub)
	}
	logger.Debug("Usage period terms in effect",
		zap.Int64("IncludedCalls", l.IncludedCalls),
		zap.String("OverageRate", l.OverageRate.String()),
	)
	return nil
}

func (e *Engine) applySubscriptionUpdated(ctx context.Context, s stores, logger *zap.Logger, eventID string, sub protocol.Subscription) error {
	logger = logger.With(zap.String("SubscriptionID", sub.ID))

	before, err := s.subscriptions.GetByProcessorID(ctx, sub.ID)
	if err != nil {
		return err
	}
	if before == nil {
		// checkout has not been processed yet, it fetches the latest state itself
		logger.Info("Update for an unknown subscription, ignoring")
		return nil
	}
	if before.Status.Terminal() {
		logger.Info("Update for a canceled subscription, ignoring")
		return nil
	}

	next := e.fromProcessor(&sub)
	if next.PeriodStart.Before(before.PeriodStart) {
		logger.Info("Stale subscription update, ignoring",
			zap.Time("EventPeriodStart", next.PeriodStart),
			zap.Time("CurrentPeriodStart", before.PeriodStart),
		)
		return nil
	}

	after := *before
	after.Metadata = before.Metadata.Clone()
	for k, v := range next.Metadata {
		after.Metadata[k] = v
	}
	after.Status = next.Status
	after.PlanTier = next.PlanTier
	after.IncludedCalls = next.IncludedCalls
	after.OverageRate = next.OverageRate
	after.Currency = next.Currency
	if start, _ := sub.Period(); !start.IsZero() {
		after.PeriodStart = next.PeriodStart
		after.PeriodEnd = next.PeriodEnd
	}
	if next.ProcessorCustomerID != "" {
		after.ProcessorCustomerID = next.ProcessorCustomerID
	}

	if err := s.subscriptions.Put(ctx, eventID, before, &after); err != nil {
		return err
	}
	orgLogger := logger.With(zap.String("OrganizationID", after.OrganizationID))
	if !after.PeriodStart.Equal(before.PeriodStart) {
		if err := e.openPeriod(ctx, s, orgLogger, &after); err != nil {
			return err
		}
	} else if err := e.repricePeriod(ctx, s, orgLogger, &after); err != nil {
		return err
	}
	logger.Info("Subscription updated",
		zap.String("OrganizationID", after.OrganizationID),
		zap.String("Status", string(after.Status)),
		zap.String("PlanTier", after.PlanTier),
	)
	return nil
}

func (e *Engine) applySubscriptionDeleted(ctx context.Context, s stores, logger *zap.Logger, eventID string, sub protocol.Subscription) error {
	logger = logger.With(zap.String("SubscriptionID", sub.ID))

	before, err := s.subscriptions.GetByProcessorID(ctx, sub.ID)
	if err != nil {
		return err
	}
	if before == nil {
		logger.Info("Deletion of an unknown subscription, ignoring")
		return nil
	}
	if before.Status.Terminal() {
		return nil
	}

	after := *before
	after.Metadata = before.Metadata.Clone()
	after.Status = subscription.StatusCanceled
	if err := s.subscriptions.Put(ctx, eventID, before, &after); err != nil {
		return err
	}
	logger.Info("Subscription canceled", zap.String("OrganizationID", after.OrganizationID))
	return nil
}

// invoiceSubscription finds the subscription an invoice belongs to, first by the processor
// subscription id, then through the billing customer. The row is locked
func (e *Engine) invoiceSubscription(ctx context.Context, s stores, inv protocol.Invoice) (string, *subscription.Subscription, error) {
	if id := inv.SubscriptionID(); id != "" {
		sub, err := s.subscriptions.GetByProcessorID(ctx, id)
		if err != nil {
			return "", nil, err
		}
		if sub != nil {
			return sub.OrganizationID, sub, nil
		}
	}
	customerID := inv.Customer.String()
	if customerID == "" {
		return "", nil, nil
	}
	cust, err := s.customers.GetByID(ctx, customerID)
	if err != nil || cust == nil {
		return "", nil, err
	}
	sub, err := s.subscriptions.GetForUpdate(ctx, cust.OrganizationID)
	if err != nil {
		return "", nil, err
	}
	if sub != nil && inv.SubscriptionID() != "" && sub.ProcessorSubscriptionID != inv.SubscriptionID() {
		// the invoice is for a subscription we do not track
		sub = nil
	}
	return cust.OrganizationID, sub, nil
}

func (e *Engine) mirrorInvoice(ctx context.Context, s stores, org string, inv protocol.Invoice, status string) error {
	if inv.Status != "" {
		status = inv.Status
	}
	currency := inv.Currency
	if currency == "" {
		currency = spec.DefaultCurrency
	}
	return s.subscriptions.UpsertInvoice(ctx, &subscription.Invoice{
		ID:                      inv.ID,
		OrganizationID:          org,
		ProcessorCustomerID:     inv.Customer.String(),
		ProcessorSubscriptionID: inv.SubscriptionID(),
		Status:                  status,
		Currency:                currency,
		AmountDueCents:          inv.AmountDue,
		AmountPaidCents:         inv.AmountPaid,
		HostedInvoiceURL:        inv.HostedInvoiceURL,
		InvoicePDFURL:           inv.InvoicePDF,
		FinalizedAt:             protocol.UnixTime(inv.StatusTransitions.FinalizedAt),
		PaidAt:                  protocol.UnixTime(inv.StatusTransitions.PaidAt),
		PeriodStart:             protocol.UnixTime(inv.PeriodStart),
		PeriodEnd:               protocol.UnixTime(inv.PeriodEnd),
	})
}

func (e *Engine) applyInvoicePaid(ctx context.Context, s stores, logger *zap.Logger, eventID string, inv protocol.Invoice) error {
	logger = logger.With(zap.String("InvoiceID", inv.ID))

	org, sub, err := e.invoiceSubscription(ctx, s, inv)
	if err != nil {
		return err
	}
	if org == "" {
		logger.Info("Invoice for an unknown customer, ignoring")
		return nil
	}
	if err := e.mirrorInvoice(ctx, s, org, inv, "paid"); err != nil {
		return err
	}
	if sub == nil || sub.Status != subscription.StatusPastDue {
		return nil
	}

	after := *sub
	after.Metadata = sub.Metadata.Clone()
	after.Status = subscription.StatusActive
	if err := s.subscriptions.Put(ctx, eventID, sub, &after); err != nil {
		return err
	}
	logger.Info("Subscription recovered from past_due", zap.String("OrganizationID", org))
	return nil
}

func (e *Engine) applyInvoicePaymentFailed(ctx context.Context, s stores, logger *zap.Logger, eventID string, inv protocol.Invoice) ([]*notification.Notification, error) {
	logger = logger.With(zap.String("InvoiceID", inv.ID))

	org, sub, err := e.invoiceSubscription(ctx, s, inv)
	if err != nil {
		return nil, err
	}
	if org == "" {
		logger.Info("Invoice for an unknown customer, ignoring")
		return nil, nil
	}
	mirrored, err := s.subscriptions.GetInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if mirrored != nil && mirrored.Status == "paid" {
		// a retry that failed before the successful one, delivered late
		logger.Info("Payment failure for a paid invoice, ignoring", zap.String("OrganizationID", org))
		return nil, nil
	}
	// the mirror only reflects the processor, a failed attempt leaves the invoice open
	inv.Status = ""
	if err := e.mirrorInvoice(ctx, s, org, inv, "open"); err != nil {
		return nil, err
	}

	if sub != nil && sub.Status.Meterable() {
		after := *sub
		after.Metadata = sub.Metadata.Clone()
		after.Status = subscription.StatusPastDue
		if err := s.subscriptions.Put(ctx, eventID, sub, &after); err != nil {
			return nil, err
		}
		logger.Info("Subscription moved to past_due", zap.String("OrganizationID", org))
	}

	currency := inv.Currency
	if currency == "" {
		currency = spec.DefaultCurrency
	}
	n := &notification.Notification{
		ID:             uuid.NewString(),
		OrganizationID: org,
		AlertType:      spec.AlertPaymentFailed,
		Invoice: &notification.InvoiceSnapshot{
			InvoiceID:        inv.ID,
			AmountDueCents:   inv.AmountDue,
			Currency:         currency,
			HostedInvoiceURL: inv.HostedInvoiceURL,
		},
		CreatedAt: e.now(),
	}
	return []*notification.Notification{n}, nil
}

// dispatch hands the notification over. Failures never undo what was committed
func (e *Engine) dispatch(ctx context.Context, n *notification.Notification) {
	if err := e.Dispatcher.Dispatch(ctx, n); err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues("dispatch").Inc()
		e.Logger.Error("Unable to dispatch notification",
			zap.String("OrganizationID", n.OrganizationID),
			zap.String("AlertType", string(n.AlertType)),
			zap.Error(err),
		)
		return
	}
	metrics.AlertsFiredTotal.WithLabelValues(string(n.AlertType)).Inc()
}
