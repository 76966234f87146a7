package signal

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/talkie-p2p/talkie/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Options configures the libp2p pubsub transport.
type Options struct {
	ListenPort int    // TCP listen port, 0 for ephemeral
	KeyFile    string // persistent identity key location
	MdnsTag    string // LAN discovery service tag
}

// PubSub is the production Transport: a libp2p host with GossipSub.
// Room topics are joined lazily and cached for the life of the transport.
type PubSub struct {
	host host.Host
	ps   *pubsub.PubSub
	disc mdns.Service

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey reads the persistent Ed25519 identity from keyFile,
// generating and saving a fresh key on first run or on corruption.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	if raw, err := os.ReadFile(keyFile); err == nil {
		priv, err := crypto.UnmarshalPrivateKey(raw)
		if err == nil {
			return priv, nil
		}
		log.Printf("SIGNAL: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	log.Printf("SIGNAL: generated new identity key: %s", keyFile)
	return priv, nil
}

// NewPubSub starts a libp2p host with mDNS LAN discovery and GossipSub.
func NewPubSub(ctx context.Context, opt Options) (*PubSub, error) {
	priv, err := loadOrCreateKey(opt.KeyFile)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opt.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	tag := opt.MdnsTag
	if tag == "" {
		tag = "talkie-mdns"
	}
	md := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log.Printf("SIGNAL: transport up, peer %s", util.ShortID(h.ID().String()))
	return &PubSub{host: h, ps: ps, disc: md, topics: make(map[string]*pubsub.Topic)}, nil
}

// SelfID returns the libp2p peer id.
func (p *PubSub) SelfID() string { return p.host.ID().String() }

// Addrs returns the host's listen multiaddresses, for diagnostics.
func (p *PubSub) Addrs() []ma.Multiaddr { return p.host.Addrs() }

func (p *PubSub) joinTopic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	p.topics[name] = t
	return t, nil
}

// Publish sends data on topic. Fire-and-forget per the Transport contract.
func (p *PubSub) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := p.joinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe opens a GossipSub subscription on topic. The returned
// subscription's channel closes when Cancel is called or ctx ends.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	t, err := p.joinTopic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Message, 256)
	go func() {
		defer close(ch)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return // cancelled or topic closed
			}
			select {
			case ch <- Message{From: msg.GetFrom().String(), Data: msg.Data}:
			default:
				log.Printf("SIGNAL: subscriber full, dropping on %s", topic)
			}
		}
	}()

	log.Printf("SIGNAL: %s subscribed to %s", util.ShortID(p.SelfID()), topic)
	return &Subscription{C: ch, cancel: func() {
		cancel()
		sub.Cancel()
	}}, nil
}

// Close shuts down discovery and the host. Joined topics die with it.
func (p *PubSub) Close() error {
	if err := p.disc.Close(); err != nil {
		log.Printf("SIGNAL: mdns close: %v", err)
	}
	return p.host.Close()
}
