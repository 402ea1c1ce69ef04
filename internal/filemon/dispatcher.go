package filemon

import "context"

// Dispatcher hands a notification to an email transport.
// Delivery is best-effort: a nil error means the message was accepted, not
// that it reached the recipient. Implementations do not retry.
type Dispatcher interface {
	Send(ctx context.Context, recipient, subject, body string) error

	// Close releases the transport's connections.
	Close() error
}
