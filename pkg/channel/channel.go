// Package channel defines the interface between the relay core and a
// messaging transport. The core never talks to the wire directly; it
// consumes a stream of inbound messages and hands back ordered chunks.
package channel

import "context"

// Message represents an incoming message from the transport.
type Message struct {
	// SenderID is the transport-stable sender identity (user ID, phone number).
	SenderID string

	// DisplayName is a best-effort human name for the sender. May be empty.
	DisplayName string

	// RoomID is the transport-specific conversation identifier the message
	// arrived in. Replies to the sender go back to this room.
	RoomID string

	// Content is the message text.
	Content string

	// Timestamp is the transport receive time in milliseconds.
	Timestamp int64

	// Synthetic marks messages injected by the scheduler rather than
	// received from the wire.
	Synthetic bool
}

// Response represents an outgoing message. Chunks must be delivered in
// order; a failed chunk aborts delivery of the rest.
type Response struct {
	// RecipientID is the target sender identity.
	RecipientID string

	// RoomID is the conversation to deliver into.
	RoomID string

	// Chunks are the ordered, size-bounded message parts.
	Chunks []string
}

// Channel is the interface for a messaging transport.
type Channel interface {
	// Name returns the transport identifier (e.g., "matrix").
	Name() string

	// Start begins listening for messages. Blocks until ctx is cancelled.
	// Received messages are passed to the handler.
	Start(ctx context.Context, handler MessageHandler) error

	// Send delivers a response's chunks in order.
	Send(ctx context.Context, resp Response) error

	// Typing toggles the typing indicator for a room, where supported.
	Typing(ctx context.Context, roomID string, on bool) error

	// Stop gracefully shuts down the transport.
	Stop() error
}

// MessageHandler is called for each message received from the transport.
type MessageHandler func(ctx context.Context, msg Message) error
