// Package p2p implements the network layer: a libp2p host with noise
// security and gossipsub topics carrying the consensus traffic.
package p2p

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	lpcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	multiaddr "github.com/multiformats/go-multiaddr"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/utils"
)

var ErrNotStarted = errors.New("p2p: router not started")

// Handler is the callback for delivered messages on a topic.
type Handler func(ctx context.Context, from peer.ID, data []byte) error

// RouterConfig tunes the router.
type RouterConfig struct {
	// ListenAddr is the multiaddr to listen on.
	ListenAddr string
	// Peers are static peer multiaddrs dialed at startup.
	Peers []string
	// ConnLow and ConnHigh bound the connection manager.
	ConnLow, ConnHigh int
	// MaxMessageSize rejects oversized gossip payloads before handlers run.
	MaxMessageSize int
}

func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		ListenAddr:     "/ip4/0.0.0.0/tcp/9000",
		ConnLow:        16,
		ConnHigh:       64,
		MaxMessageSize: 32 * 1024 * 1024,
	}
}

// Router owns the libp2p host and the gossipsub instance. Topics are created
// on first subscribe or publish; delivered messages fan out to the
// registered handlers.
type Router struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *utils.Logger
	config *RouterConfig

	host   host.Host
	gossip *pubsub.PubSub

	mu       sync.RWMutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription
	handlers map[string][]Handler
	wg       sync.WaitGroup
}

// NewRouter builds the host and gossip layer. The seed derives the libp2p
// identity so the peer ID is stable across restarts.
func NewRouter(parent context.Context, seed ed25519.PrivateKey, config *RouterConfig, log *utils.Logger) (*Router, error) {
	if config == nil {
		config = DefaultRouterConfig()
	}
	if log == nil {
		log = utils.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(parent)

	priv, err := lpcrypto.UnmarshalEd25519PrivateKey(seed)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: identity: %w", err)
	}

	cm, err := connmgr.NewConnManager(config.ConnLow, config.ConnHigh)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(config.ListenAddr),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: host: %w", err)
	}

	gossip, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithMaxMessageSize(config.MaxMessageSize),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: gossipsub: %w", err)
	}

	r := &Router{
		ctx:      ctx,
		cancel:   cancel,
		log:      log.WithFields(utils.ZapString("component", "p2p")),
		config:   config,
		host:     h,
		gossip:   gossip,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		handlers: make(map[string][]Handler),
	}
	r.log.Info("p2p router ready",
		utils.ZapString("peer_id", h.ID().String()),
		utils.ZapString("listen", config.ListenAddr),
	)
	return r, nil
}

// PeerID returns the local libp2p identity.
func (r *Router) PeerID() peer.ID { return r.host.ID() }

// ConnectPeers dials the configured static peers. Partial failure is logged,
// not fatal; gossip meshes heal as peers come up.
func (r *Router) ConnectPeers(ctx context.Context) {
	for _, addr := range r.config.Peers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			r.log.Warn("invalid peer multiaddr", utils.ZapString("addr", addr), utils.ZapError(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			r.log.Warn("peer multiaddr missing peer id", utils.ZapString("addr", addr), utils.ZapError(err))
			continue
		}
		if err := r.host.Connect(ctx, *info); err != nil {
			r.log.Warn("peer dial failed", utils.ZapString("peer", info.ID.String()), utils.ZapError(err))
			continue
		}
		r.log.Info("peer connected", utils.ZapString("peer", info.ID.String()))
	}
}

func (r *Router) topic(name string) (*pubsub.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[name]; ok {
		return t, nil
	}
	t, err := r.gossip.Join(name)
	if err != nil {
		return nil, fmt.Errorf("p2p: join %s: %w", name, err)
	}
	r.topics[name] = t
	return t, nil
}

// Subscribe registers a handler for a topic and starts consuming it.
func (r *Router) Subscribe(name string, h Handler) error {
	t, err := r.topic(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.handlers[name] = append(r.handlers[name], h)
	_, already := r.subs[name]
	if !already {
		sub, err := t.Subscribe()
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("p2p: subscribe %s: %w", name, err)
		}
		r.subs[name] = sub
		r.wg.Add(1)
		go r.consume(name, sub)
	}
	r.mu.Unlock()
	return nil
}

func (r *Router) consume(name string, sub *pubsub.Subscription) {
	defer r.wg.Done()
	self := r.host.ID()
	for {
		msg, err := sub.Next(r.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		r.mu.RLock()
		handlers := make([]Handler, len(r.handlers[name]))
		copy(handlers, r.handlers[name])
		r.mu.RUnlock()
		for _, h := range handlers {
			if err := h(r.ctx, msg.ReceivedFrom, msg.Data); err != nil {
				r.log.Debug("handler rejected message",
					utils.ZapString("topic", name),
					utils.ZapString("from", msg.ReceivedFrom.String()),
					utils.ZapError(err),
				)
			}
		}
	}
}

// Publish broadcasts data on a topic.
func (r *Router) Publish(ctx context.Context, name string, data []byte) error {
	t, err := r.topic(name)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Close tears down subscriptions, topics and the host.
func (r *Router) Close() error {
	r.cancel()
	r.mu.Lock()
	for _, sub := range r.subs {
		sub.Cancel()
	}
	for _, t := range r.topics {
		_ = t.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
	return r.host.Close()
}
