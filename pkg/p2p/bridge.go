package p2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

// MessageSink is the consumer side of the bridge; the consensus engine
// satisfies it.
type MessageSink interface {
	HandleMessage(msgType types.MessageType, data []byte)
}

// Bridge maps consensus message types onto gossip topics under a shared
// prefix, wiring the router into the engine in both directions. It also
// implements types.Publisher for the outbound side.
type Bridge struct {
	router *Router
	prefix string
}

var topicSuffixes = map[types.MessageType]string{
	types.MessageTypeProposal:   "proposals",
	types.MessageTypeVote:       "votes",
	types.MessageTypeViewChange: "view-changes",
	types.MessageTypeNewView:    "new-views",
	types.MessageTypeQC:         "certificates",
}

func NewBridge(router *Router, prefix string) *Bridge {
	return &Bridge{router: router, prefix: prefix}
}

func (b *Bridge) topicFor(msgType types.MessageType) (string, error) {
	suffix, ok := topicSuffixes[msgType]
	if !ok {
		return "", fmt.Errorf("p2p: no topic for message type %d", msgType)
	}
	return b.prefix + "/" + suffix, nil
}

// Attach subscribes every consensus topic and forwards inbound messages to
// the sink.
func (b *Bridge) Attach(sink MessageSink) error {
	for msgType := range topicSuffixes {
		mt := msgType
		name, err := b.topicFor(mt)
		if err != nil {
			return err
		}
		err = b.router.Subscribe(name, func(_ context.Context, _ peer.ID, data []byte) error {
			sink.HandleMessage(mt, data)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Broadcast implements types.Publisher.
func (b *Bridge) Broadcast(ctx context.Context, msgType types.MessageType, data []byte) error {
	name, err := b.topicFor(msgType)
	if err != nil {
		return err
	}
	return b.router.Publish(ctx, name, data)
}

// Send implements types.Publisher. Gossip has no point-to-point path, so a
// directed message rides the same topic; receivers filter on content.
func (b *Bridge) Send(ctx context.Context, _ types.NodeID, msgType types.MessageType, data []byte) error {
	return b.Broadcast(ctx, msgType, data)
}
