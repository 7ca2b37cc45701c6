package external

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zllovesuki/metering/spec/protocol"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

func NewStripeClient(key string, backends *stripe.Backends) *client.API {
	sc := &client.API{}
	sc.Init(key, backends)
	return sc
}

// SubscriptionSource fetches subscriptions from the payment processor when a checkout
// only carries the subscription id
type SubscriptionSource struct {
	api *client.API
}

func NewSubscriptionSource(api *client.API) (*SubscriptionSource, error) {
	if api == nil {
		return nil, fmt.Errorf("nil stripe client is invalid")
	}
	return &SubscriptionSource{api: api}, nil
}

// GetSubscription returns the subscription with its price products expanded so the plan
// can be resolved from product metadata
func (s *SubscriptionSource) GetSubscription(ctx context.Context, id string) (*protocol.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price.product")

	sub, err := s.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot fetch subscription")
	}
	if sub.LastResponse == nil || len(sub.LastResponse.RawJSON) == 0 {
		return nil, fmt.Errorf("empty response for subscription %s", id)
	}

	var p protocol.Subscription
	if err := json.Unmarshal(sub.LastResponse.RawJSON, &p); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode subscription")
	}
	return &p, nil
}
