package xcache

import "context"

// Channel is the transport primitive this package consumes. Wire framing,
// the physical connection, and message encoding are explicitly external
// collaborators (spec §1); this package only ever calls Request/IsOpen/Close
// on whatever satisfies this interface.
type Channel interface {
	// Request sends msg and blocks for the matching response, or returns
	// an error (typically wrapping ErrChannelClosed) if the channel dies
	// before a response arrives.
	Request(ctx context.Context, msg Message) (Message, error)

	// Send begins a request whose response may be one of several partial
	// pages, returning a Waiter the caller drives to completion. This
	// package does not call it: the paged query engine issues one Request
	// per page.
	Send(ctx context.Context, msg Message) (Waiter, error)

	// IsOpen reports whether the channel is still usable. Once false it
	// stays false; the caller must re-establish a channel to continue.
	IsOpen() bool

	// Close releases the channel. Idempotent.
	Close() error

	// ServiceName is the name under which this channel was opened,
	// exposed for log messages.
	ServiceName() string
}

// Waiter is returned by Channel.Send for responses that may stream as
// multiple partial messages (paged query responses).
type Waiter interface {
	// WaitForResponse blocks for the next partial response. ok is false
	// once the stream is exhausted.
	WaitForResponse(ctx context.Context) (msg Message, ok bool, err error)
}

// Connection opens channels against a cluster-side proxy. Name-service
// bootstrap, address providers, and TCP parameters live behind whatever
// concrete Connection a caller constructs; this package only needs the
// OpenChannel primitive.
type Connection interface {
	OpenChannel(ctx context.Context, protocolID int32, serviceName string, receiver Receiver, principal *Principal) (Channel, error)
}

// Receiver is implemented by this package and handed to Connection.OpenChannel
// so the transport can deliver unsolicited server messages and closure
// notifications.
type Receiver interface {
	// OnMessage is called by the channel's I/O thread for any message
	// that is not a response to an outstanding request (events).
	OnMessage(msg Message)

	// OnChannelClosed is called once, from the channel's I/O thread, when
	// the channel is no longer usable.
	OnChannelClosed(ch Channel)
}

// Message is any request, response, or event value moving across a
// Channel. This package wraps every message it sends in its own envelope
// type (messages.go) and never constructs wire bytes itself.
type Message interface {
	Kind() MessageKind
}

// MessageFactory mints empty, settable messages of a given kind, standing
// in for the message-factory/message-codec pair spec.md treats as external.
type MessageFactory interface {
	Create(kind MessageKind) Message
}

// Principal identifies the caller's security identity used when opening a
// channel (the "initiator" subtree's principal requirement in spec §6).
type Principal struct {
	Name   string
	Secret []byte
}
