package dht

import (
	"testing"

	"github.com/anacrolix/torrent/bencode"
)

func TestDecodeNodesRoundTrip(t *testing.T) {
	id1 := "01234567890123456789"
	id2 := "abcdefghijabcdefghij"
	raw := id1 + "\x01\x02\x03\x04\x1a\xe1" + id2 + "\x0a\x0b\x0c\x0d\x00\x50"

	nodes := DecodeNodes(raw)
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].ID != id1 || nodes[0].Addr != "1.2.3.4:6881" {
		t.Errorf("node 0 decoded wrong: %+v", nodes[0])
	}
	if nodes[1].ID != id2 || nodes[1].Addr != "10.11.12.13:80" {
		t.Errorf("node 1 decoded wrong: %+v", nodes[1])
	}
}

func TestDecodeNodesRejectsBadLength(t *testing.T) {
	if nodes := DecodeNodes("too short"); nodes != nil {
		t.Errorf("expected nil for a length not divisible by 26, got %v", nodes)
	}
}

func TestDecodeEnvelopeQuery(t *testing.T) {
	raw, err := bencode.Marshal(map[string]interface{}{
		"t": "aa",
		"y": "q",
		"q": "get_peers",
		"a": map[string]interface{}{"id": "01234567890123456789", "info_hash": "abcdefghijabcdefghij"},
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if env.Y != "q" || env.Q != "get_peers" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if env.A["info_hash"] != "abcdefghijabcdefghij" {
		t.Errorf("expected info_hash in args, got %+v", env.A)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := decodeEnvelope([]byte("not bencode")); err == nil {
		t.Error("expected an error decoding garbage input")
	}
}
