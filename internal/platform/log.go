package platform

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
)

// LogClient is a stand-in adapter for running without a chat token: every
// call is logged and channels get synthetic ids.
type LogClient struct {
	seq atomic.Int64
}

func (c *LogClient) CreatePrivateChannel(_ context.Context, name, buyerID string) (Channel, error) {
	id := fmt.Sprintf("local-%d", c.seq.Add(1))
	log.Printf("platform: create channel %s (%s) for buyer %s", id, name, buyerID)
	return Channel{ID: id, Name: name}, nil
}

func (c *LogClient) DeleteChannel(_ context.Context, channelID string) error {
	log.Printf("platform: delete channel %s", channelID)
	return nil
}

func (c *LogClient) Send(_ context.Context, channelID string, msg Message) error {
	if msg.Embed != nil {
		log.Printf("platform: send to %s: %s [embed: %s]", channelID, msg.Content, msg.Embed.Title)
		return nil
	}
	log.Printf("platform: send to %s: %s", channelID, msg.Content)
	return nil
}
