package dht

import (
	"fmt"
	"log"
	"net"
	"sync/atomic"

	"github.com/anacrolix/torrent/bencode"
	"golang.org/x/time/rate"
)

// DefaultBootstraps are the routers used when EngineConfig.Bootstraps is
// left empty.
var DefaultBootstraps = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

const defaultSecret = "IYHJFR%^&IO"

// Announce is a harvested announce_peer event, produced by the receive
// activity and consumed exactly once by an orchestrator worker.
type Announce struct {
	InfoHash    []byte
	InfoHashHex string
	Peer        *net.UDPAddr
	From        *net.UDPAddr
}

// EngineConfig is immutable once passed to New; the engine never mutates
// it after construction.
type EngineConfig struct {
	LocalID          []byte
	MaxFriendsPerSec int
	Secret           string
	Bootstraps       []string
	BindAddr         string
}

func (c EngineConfig) friendsPerSec() int {
	n := c.MaxFriendsPerSec
	if n == 0 {
		n = 10
	}
	if n > 1000 {
		n = 1000
	}
	return n
}

// Stats are the engine's live counters, read by the status API.
type Stats struct {
	NodesContacted   int64
	AnnouncesEmitted int64
	AnnouncesDropped int64
}

// Engine is a single UDP endpoint running the three DHT activities:
// bootstrap, receiver and friend-maker. It never builds a routing table.
type Engine struct {
	conn       *net.UDPConn
	localID    []byte
	secret     string
	bootstraps []string

	limiter *rate.Limiter

	friendCh   chan CompactNode
	announceCh chan *Announce

	stats Stats
	done  chan struct{}
}

// New binds the UDP socket and prepares an Engine. It does not start any
// activity; call Start for that.
func New(cfg EngineConfig) (*Engine, error) {
	localID := cfg.LocalID
	if len(localID) == 0 {
		localID = RandomID()
	}
	secret := cfg.Secret
	if secret == "" {
		secret = defaultSecret
	}
	bootstraps := cfg.Bootstraps
	if len(bootstraps) == 0 {
		bootstraps = DefaultBootstraps
	}
	bindAddr := cfg.BindAddr
	if bindAddr == "" {
		bindAddr = "0.0.0.0:34254"
	}

	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("dht: resolve bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dht: bind socket: %w", err)
	}

	n := cfg.friendsPerSec()
	return &Engine{
		conn:       conn,
		localID:    localID,
		secret:     secret,
		bootstraps: bootstraps,
		limiter:    rate.NewLimiter(rate.Limit(n), n),
		friendCh:   make(chan CompactNode, 256),
		announceCh: make(chan *Announce, 1024),
		done:       make(chan struct{}),
	}, nil
}

// Announces returns the channel of harvested announce events. It is
// closed when the engine shuts down.
func (e *Engine) Announces() <-chan *Announce {
	return e.announceCh
}

// Stats returns a point-in-time snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		NodesContacted:   atomic.LoadInt64(&e.stats.NodesContacted),
		AnnouncesEmitted: atomic.LoadInt64(&e.stats.AnnouncesEmitted),
		AnnouncesDropped: atomic.LoadInt64(&e.stats.AnnouncesDropped),
	}
}

// Start launches the bootstrap, receiver and friend-maker activities. It
// returns immediately; the activities run until Close is called.
func (e *Engine) Start() {
	go e.bootstrap()
	go e.receive()
	go e.makeFriends()
}

// Close shuts the engine down: closing the UDP socket unblocks recv/send
// in the other activities, which then exit. Safe to call once.
func (e *Engine) Close() error {
	close(e.done)
	err := e.conn.Close()
	close(e.announceCh)
	return err
}

// bootstrap runs once, enqueuing a synthetic node per configured router.
// The random id per bootstrap deliberately avoids bootstrap routers
// recognizing the same correspondent across restarts.
func (e *Engine) bootstrap() {
	for _, addr := range e.bootstraps {
		select {
		case e.friendCh <- CompactNode{ID: string(RandomID()), Addr: addr}:
		case <-e.done:
			return
		}
	}
}

// receive blocks on recv_from. It owns the read side of the socket
// exclusively; it never holds a lock across the blocking read.
func (e *Engine) receive() {
	buf := make([]byte, 2048)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.done:
				return
			default:
				continue
			}
		}
		e.onMessage(buf[:n], from)
	}
}

func (e *Engine) onMessage(dat []byte, from *net.UDPAddr) {
	env, err := decodeEnvelope(dat)
	if err != nil {
		return
	}
	switch env.Y {
	case "q":
		switch env.Q {
		case "get_peers":
			e.onGetPeersQuery(env, from)
		case "announce_peer":
			e.onAnnouncePeerQuery(env, from)
		default:
			// ping, find_node and anything else: we deliberately never reply.
		}
	case "r", "e":
		e.onFindNodeReply(env)
	}
}

// onFindNodeReply treats any r/e body carrying r.nodes as a find_node
// response. Each decoded node is rate-limited before being handed to the
// friend-maker: Allow() drops it outright rather than delaying it,
// matching the documented policy (drop when arriving faster than the
// configured pace) rather than the inverted predicate in the original
// source.
func (e *Engine) onFindNodeReply(env *envelope) {
	nodesStr, ok := env.R["nodes"].(string)
	if !ok {
		return
	}
	for _, n := range DecodeNodes(nodesStr) {
		if !e.limiter.Allow() {
			continue
		}
		select {
		case e.friendCh <- n:
		default:
			// friend-maker is behind; drop rather than block the receive loop.
		}
	}
}

// makeFriends owns the write side of the socket exclusively: for each
// node it receives, it issues a find_node query with a forged sender id
// and a random walk target.
func (e *Engine) makeFriends() {
	for n := range e.friendCh {
		addr, err := net.ResolveUDPAddr("udp4", n.Addr)
		if err != nil {
			continue
		}
		q := NewFindNodeQuery(RandomTransactionID(), string(Neighbour([]byte(n.ID), e.localID)), string(RandomID()))
		dat, err := bencode.Marshal(q)
		if err != nil {
			continue
		}
		if _, err := e.conn.WriteToUDP(dat, addr); err != nil {
			log.Printf("dht: find_node to %s: %v", n.Addr, err)
			continue
		}
		atomic.AddInt64(&e.stats.NodesContacted, 1)
	}
}

func (e *Engine) onGetPeersQuery(env *envelope, from *net.UDPAddr) {
	id, ok := env.A["id"].(string)
	if !ok {
		return
	}
	reply := NewGetPeersReply(env.T, string(Neighbour([]byte(id), e.localID)), GenToken(from.IP.String(), e.secret))
	dat, err := bencode.Marshal(reply)
	if err != nil {
		return
	}
	e.conn.WriteToUDP(dat, from)
}

func (e *Engine) onAnnouncePeerQuery(env *envelope, from *net.UDPAddr) {
	token, ok := env.A["token"].(string)
	if !ok || GenToken(from.IP.String(), e.secret) != token {
		return
	}
	infoHash, ok := env.A["info_hash"].(string)
	if !ok {
		return
	}

	port := int64(from.Port)
	if implied, ok := env.A["implied_port"].(int64); ok && implied == 0 {
		if p, ok := env.A["port"].(int64); ok {
			port = p
		}
	}

	announce := &Announce{
		InfoHash:    []byte(infoHash),
		InfoHashHex: Hex([]byte(infoHash)),
		Peer:        &net.UDPAddr{IP: from.IP, Port: int(port)},
		From:        from,
	}

	select {
	case e.announceCh <- announce:
		atomic.AddInt64(&e.stats.AnnouncesEmitted, 1)
	default:
		atomic.AddInt64(&e.stats.AnnouncesDropped, 1)
	}
}
