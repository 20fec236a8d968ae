package orchestrator

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/p2pspider/p2pspider/internal/dht"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingSink) Harvest(infoHashHex string, peer string, metadata []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, infoHashHex)
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp4", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return a
}

func TestDedupesRepeatedAnnounce(t *testing.T) {
	var fetches int32
	fetcher := FetcherFunc(func(infoHash []byte, peerAddr string) ([]byte, error) {
		fetches++
		return []byte("metadata"), nil
	})
	sink := &recordingSink{}
	o := New(fetcher, 1, sink)

	a := &dht.Announce{InfoHash: []byte("hash"), InfoHashHex: "hash", Peer: udpAddr(t, "1.2.3.4:6881")}
	o.handle(a)
	o.handle(a)

	if fetches != 1 {
		t.Errorf("expected exactly 1 fetch for a repeated announce, got %d", fetches)
	}
	stats := o.Stats()
	if stats.Completed != 1 || stats.Deduped != 1 {
		t.Errorf("expected Completed=1 Deduped=1, got %+v", stats)
	}
	if len(sink.calls) != 1 {
		t.Errorf("expected the sink to be invoked once, got %d", len(sink.calls))
	}
}

func TestFetchFailureBlocksPeerAndForgetsHash(t *testing.T) {
	fetcher := FetcherFunc(func(infoHash []byte, peerAddr string) ([]byte, error) {
		return nil, fmt.Errorf("connection refused")
	})
	o := New(fetcher, 1)

	a := &dht.Announce{InfoHash: []byte("hash"), InfoHashHex: "hash", Peer: udpAddr(t, "5.6.7.8:6881")}
	o.handle(a)

	o.mu.Lock()
	blocked := o.blocklist["5.6.7.8:6881"]
	stillSeen := o.seen["hash"]
	o.mu.Unlock()

	if !blocked {
		t.Error("expected the failing peer to be blocklisted")
	}
	if stillSeen {
		t.Error("expected the hash to be forgotten after a failed fetch")
	}
	if stats := o.Stats(); stats.Failed != 1 {
		t.Errorf("expected Failed=1, got %+v", stats)
	}
}

func TestBlockSkipsFetchEntirely(t *testing.T) {
	var fetches int
	fetcher := FetcherFunc(func(infoHash []byte, peerAddr string) ([]byte, error) {
		fetches++
		return []byte("metadata"), nil
	})
	o := New(fetcher, 1)
	o.Block("9.9.9.9:6881")

	a := &dht.Announce{InfoHash: []byte("hash"), InfoHashHex: "hash", Peer: udpAddr(t, "9.9.9.9:6881")}
	o.handle(a)

	if fetches != 0 {
		t.Errorf("expected a blocklisted peer's announce to skip Fetch entirely, got %d calls", fetches)
	}
	if stats := o.Stats(); stats.Deduped != 1 {
		t.Errorf("expected Deduped=1, got %+v", stats)
	}
}

func TestForgetAllowsRefetch(t *testing.T) {
	var fetches int
	fetcher := FetcherFunc(func(infoHash []byte, peerAddr string) ([]byte, error) {
		fetches++
		return []byte("metadata"), nil
	})
	o := New(fetcher, 1)

	a := &dht.Announce{InfoHash: []byte("hash"), InfoHashHex: "hash", Peer: udpAddr(t, "1.1.1.1:6881")}
	o.handle(a)
	o.Forget("hash")
	o.handle(a)

	if fetches != 2 {
		t.Errorf("expected Forget to allow a second fetch, got %d calls", fetches)
	}
}
