package dht

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/anacrolix/torrent/bencode"
)

// FindNodeArgs are the arguments of an outbound find_node query.
type FindNodeArgs struct {
	ID     string `bencode:"id"`
	Target string `bencode:"target"`
}

// FindNodeQuery is the query this engine ever sends.
type FindNodeQuery struct {
	T string       `bencode:"t"`
	Y string       `bencode:"y"`
	Q string       `bencode:"q"`
	A FindNodeArgs `bencode:"a"`
}

// NewFindNodeQuery builds a find_node query with a forged sender id.
func NewFindNodeQuery(tid, senderID, target string) *FindNodeQuery {
	return &FindNodeQuery{
		T: tid,
		Y: "q",
		Q: "find_node",
		A: FindNodeArgs{ID: senderID, Target: target},
	}
}

// GetPeersResult is the body of our reply to a get_peers query: we never
// hand out peer information, only a token and a forged id.
type GetPeersResult struct {
	ID    string `bencode:"id"`
	Nodes string `bencode:"nodes"`
	Token string `bencode:"token"`
}

// GetPeersReply wraps GetPeersResult in the standard t/y/r envelope.
type GetPeersReply struct {
	T string         `bencode:"t"`
	Y string         `bencode:"y"`
	R GetPeersResult `bencode:"r"`
}

// NewGetPeersReply builds the reply this engine sends to a get_peers query.
func NewGetPeersReply(tid, senderID, token string) *GetPeersReply {
	return &GetPeersReply{
		T: tid,
		Y: "r",
		R: GetPeersResult{ID: senderID, Nodes: "", Token: token},
	}
}

// envelope is the permissive top-level shape used to dispatch an inbound
// datagram before its exact type (query vs. reply vs. error) is known.
// Argument/result values decode as untyped bencode: byte-strings become
// Go strings, integers become int64 — this matches how every bencode
// library in this corpus treats them (see torsniff's onMessage).
type envelope struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q"`
	A map[string]interface{} `bencode:"a"`
	R map[string]interface{} `bencode:"r"`
}

// decodeEnvelope bencode-decodes a raw inbound datagram permissively;
// malformed or truncated datagrams return an error and are dropped by
// the caller.
func decodeEnvelope(dat []byte) (*envelope, error) {
	var e envelope
	if err := bencode.Unmarshal(dat, &e); err != nil {
		if _, ok := err.(bencode.ErrUnusedTrailingBytes); !ok {
			return nil, err
		}
	}
	return &e, nil
}

// CompactNode is a (NodeID, UDP address) pair as carried in a compact
// node list.
type CompactNode struct {
	ID   string
	Addr string
}

// DecodeNodes splits a compact node list into individual records. Any
// length not divisible by 26 yields no nodes. Records that fail to parse
// individually are skipped; the remainder of the list is still used.
func DecodeNodes(s string) []CompactNode {
	var nodes []CompactNode
	l := len(s)
	if l%26 != 0 {
		return nodes
	}
	for i := 0; i < l; i += 26 {
		id := s[i : i+20]
		ip := net.IP([]byte(s[i+20 : i+24]))
		port := binary.BigEndian.Uint16([]byte(s[i+24 : i+26]))
		nodes = append(nodes, CompactNode{
			ID:   id,
			Addr: fmt.Sprintf("%s:%d", ip.String(), port),
		})
	}
	return nodes
}
