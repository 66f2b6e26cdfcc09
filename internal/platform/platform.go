// Package platform abstracts the chat service the storefront talks to. The
// core only needs three calls: open a private purchase channel, tear it down,
// and send a message into it. Command dispatch, component callbacks, and
// permissions stay on the chat side.
package platform

import "context"

type Channel struct {
	ID   string
	Name string
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

type Embed struct {
	Title       string
	Description string
	Fields      []Field
	Footer      string
}

type Message struct {
	Content string
	Embed   *Embed
}

type Client interface {
	// CreatePrivateChannel opens a channel visible only to the buyer (and
	// the bot itself).
	CreatePrivateChannel(ctx context.Context, name, buyerID string) (Channel, error)
	DeleteChannel(ctx context.Context, channelID string) error
	Send(ctx context.Context, channelID string, msg Message) error
}
