package broker

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
)

// Consumer defines a consumer receiving notifications via message broker
type Consumer interface {
	Close()
	ReceiveNotifications(ctx context.Context, routingKeys ...string) (<-chan *structpb.Struct, error)
}
