// Package orchestrator pools concurrent metadata-wire sessions fed by a
// DHT engine's announce stream, deduplicating by info_hash and
// blocklisting peers that fail to deliver.
package orchestrator

import (
	"log"
	"sync"

	"github.com/p2pspider/p2pspider/internal/dht"
)

const defaultWorkers = 64

// Fetcher opens a metadata-wire session for an info_hash at peerAddr.
// Satisfied by (*wire.Client).Fetch via a small adapter in cmd/p2pspider,
// kept as an interface here so orchestrator has no import-cycle on wire.
type Fetcher interface {
	Fetch(infoHash []byte, peerAddr string) ([]byte, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(infoHash []byte, peerAddr string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(infoHash []byte, peerAddr string) ([]byte, error) {
	return f(infoHash, peerAddr)
}

// Sink receives a harvested (info_hash, metadata) pair. Implemented by
// internal/store for filesystem/Postgres persistence and by internal/ws
// for the live feed; both are invoked for every harvest.
type Sink interface {
	Harvest(infoHashHex string, peer string, metadata []byte)
}

// Stats are the orchestrator's live counters, read by the status API.
type Stats struct {
	Deduped   int64
	Completed int64
	Failed    int64
}

// Orchestrator consumes an engine's announce channel across a bounded
// worker pool.
type Orchestrator struct {
	fetcher Fetcher
	sinks   []Sink
	workers int

	mu        sync.Mutex
	seen      map[string]bool
	blocklist map[string]bool

	statsMu sync.Mutex
	stats   Stats
}

// New builds an Orchestrator with the given worker pool size (0 means
// defaultWorkers) fetching through fetcher and fanning every harvest out
// to sinks.
func New(fetcher Fetcher, workers int, sinks ...Sink) *Orchestrator {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Orchestrator{
		fetcher:   fetcher,
		sinks:     sinks,
		workers:   workers,
		seen:      make(map[string]bool),
		blocklist: make(map[string]bool),
	}
}

// Block adds peer to the blocklist; future announces from it are
// skipped without opening a session.
func (o *Orchestrator) Block(peer string) {
	o.mu.Lock()
	o.blocklist[peer] = true
	o.mu.Unlock()
}

// Stats returns a point-in-time snapshot of the orchestrator's counters.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return o.stats
}

// Run drains announces until the channel is closed, dispatching each to
// a pool of o.workers goroutines. Blocks until every worker has returned.
func (o *Orchestrator) Run(announces <-chan *dht.Announce) {
	var wg sync.WaitGroup
	wg.Add(o.workers)
	for i := 0; i < o.workers; i++ {
		go func() {
			defer wg.Done()
			for a := range announces {
				o.handle(a)
			}
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) handle(a *dht.Announce) {
	peer := a.Peer.String()

	o.mu.Lock()
	skip := o.seen[a.InfoHashHex] || o.blocklist[peer]
	if !skip {
		o.seen[a.InfoHashHex] = true
	}
	o.mu.Unlock()

	if skip {
		o.incr(func(s *Stats) { s.Deduped++ })
		return
	}

	metadata, err := o.fetcher.Fetch(a.InfoHash, peer)
	if err != nil {
		log.Printf("[orchestrator] fetch %s from %s: %v", a.InfoHashHex, peer, err)
		o.Block(peer)
		o.incr(func(s *Stats) { s.Failed++ })
		o.forget(a.InfoHashHex)
		return
	}

	o.incr(func(s *Stats) { s.Completed++ })
	for _, sink := range o.sinks {
		sink.Harvest(a.InfoHashHex, peer, metadata)
	}
}

// forget clears a hash from the dedupe set after a failed fetch, so a
// later re-announce (perhaps from a different, healthier peer) is not
// silently dropped forever.
func (o *Orchestrator) forget(infoHashHex string) {
	o.mu.Lock()
	delete(o.seen, infoHashHex)
	o.mu.Unlock()
}

// Forget clears infoHashHex from the dedupe set. Exposed for the output
// watcher (C11): when a persisted .torrent file is removed, the crawler
// should be willing to fetch it again.
func (o *Orchestrator) Forget(infoHashHex string) {
	o.forget(infoHashHex)
}

func (o *Orchestrator) incr(f func(*Stats)) {
	o.statsMu.Lock()
	f(&o.stats)
	o.statsMu.Unlock()
}
