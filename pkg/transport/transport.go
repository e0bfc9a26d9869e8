// Package transport defines the pub/sub collaborator contract an agent
// treats as external (MQTT in the broader ecosystem) and provides one
// concrete implementation over WebSockets.
//
// QoS is modeled but, since the concrete transport here is a WebSocket
// rather than MQTT, is advisory: it is carried in each frame and does not
// change delivery. A failed publish at either level is retried by the
// client's drain loop (pkg/client), which leaves the item in the store for
// the next tick, rather than at the transport layer.
package transport

import "context"

// QoS mirrors the MQTT quality-of-service levels assigned per topic:
// results and crashes at QoS 1, log at QoS 0.
type QoS int

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
)

// InboundHandler is invoked for each message delivered on a subscribed
// topic.
type InboundHandler func(topic string, payload []byte)

// Transport is the collaborator contract: connect, subscribe, publish,
// yield (process inbound frames), unsubscribe, disconnect.
type Transport interface {
	// Connect establishes the session, bounded by ctx. The connect-retry
	// policy (tries, interval, per-attempt timeout) lives in pkg/client, one
	// layer up.
	Connect(ctx context.Context) error

	// Subscribe registers handler for topic at the given QoS.
	Subscribe(ctx context.Context, topic string, qos QoS, handler InboundHandler) error

	// Unsubscribe removes a prior subscription.
	Unsubscribe(ctx context.Context, topic string) error

	// Publish sends payload to topic at the given QoS. Returns an error if
	// the publish could not be delivered; callers must not delete the
	// source item on error.
	Publish(ctx context.Context, topic string, qos QoS, payload []byte) error

	// Yield processes inbound frames, invoking subscribed handlers. It may
	// block until a frame arrives or ctx is done, so callers bound it with a
	// per-tick deadline.
	Yield(ctx context.Context) error

	// Disconnect closes the session.
	Disconnect(ctx context.Context) error
}

// Topics returns the four topic names for a given client id:
// "/${id}/{commands,results,log,crashes}".
func Topics(clientID string) (commands, results, log, crashes string) {
	base := "/" + clientID + "/"
	return base + "commands", base + "results", base + "log", base + "crashes"
}
