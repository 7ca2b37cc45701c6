package broker

import "google.golang.org/protobuf/types/known/structpb"

// Producer defines a producer sending notifications via message broker
type Producer interface {
	Close()
	SendNotification(routingKey string, p *structpb.Struct) error
}
