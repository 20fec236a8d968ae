// Package wire implements the peer-wire side of metadata harvesting: a
// BitTorrent handshake, BEP-10 extension handshake, and BEP-9 ut_metadata
// exchange, enough to reconstruct a torrent's info dictionary from a
// single announcing peer.
package wire

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"github.com/p2pspider/p2pspider/internal/dht"
)

const (
	perBlock        = 16384
	maxMetadataSize = perBlock * 1024
	extended        = 20
	extHandshake    = 0
)

var preamble = append([]byte{19}, []byte("BitTorrent protocol")...)

// reserved bytes: bit 0x10 at byte 5 advertises the extension protocol;
// 0x01 at byte 7 is our extension-id hint.
var reservedBytes = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x01}

// Client fetches the info dictionary for a single info_hash from a
// single peer over one TCP connection. Not reusable across fetches.
type Client struct {
	infoHash []byte
	peerID   []byte
	timeout  time.Duration
}

// New returns a Client configured with the default 5-second per-read
// timeout.
func New(infoHash []byte) *Client {
	return &Client{
		infoHash: infoHash,
		peerID:   dht.RandomID(),
		timeout:  5 * time.Second,
	}
}

// Fetch is a convenience wrapper suitable for orchestrator.FetcherFunc:
// it builds a one-shot Client and fetches infoHash from peerAddr.
func Fetch(infoHash []byte, peerAddr string) ([]byte, error) {
	return New(infoHash).Fetch(peerAddr)
}

// session holds the state of one in-flight fetch.
type session struct {
	conn        net.Conn
	infoHash    []byte
	peerID      []byte
	timeout     time.Duration
	metadataSz  int
	utMetadata  int
	numPieces   int
	pieces      [][]byte
}

// Fetch dials peerAddr and runs the full handshake/metadata exchange.
// States progress Connecting -> Handshaking -> ExtHandshaking -> Fetching
// -> (Done | Failed) one-way; any error terminates the session.
func (c *Client) Fetch(peerAddr string) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", peerAddr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("wire: connect %s: %w", peerAddr, err)
	}
	defer conn.Close()

	s := &session{
		conn:     conn,
		infoHash: c.infoHash,
		peerID:   c.peerID,
		timeout:  c.timeout,
	}
	return s.fetch()
}

func (s *session) fetch() ([]byte, error) {
	if err := s.handshake(); err != nil {
		return nil, err
	}
	if err := s.extHandshake(); err != nil {
		return nil, err
	}

	for {
		payload, err := s.next()
		if err != nil {
			return nil, fmt.Errorf("wire: read frame: %w", err)
		}
		if len(payload) == 0 || payload[0] != extended {
			continue
		}
		if err := s.onExtended(payload[1], payload[2:]); err != nil {
			return nil, err
		}
		if !s.done() {
			continue
		}
		return s.verify()
	}
}

// arm resets the connection's deadline to timeout from now. Go's
// SetDeadline is an absolute point in time, not a per-syscall option like
// the original source's set_read_timeout, so it must be re-armed before
// every read (and write) rather than once at the start of the session —
// otherwise a peer that paces multi-piece responses across several
// round trips spuriously times out even though each read is fast.
func (s *session) arm() {
	s.conn.SetDeadline(time.Now().Add(s.timeout))
}

func (s *session) handshake() error {
	h := make([]byte, 0, 68)
	h = append(h, preamble...)
	h = append(h, reservedBytes...)
	h = append(h, s.infoHash...)
	h = append(h, s.peerID...)
	s.arm()
	if _, err := s.conn.Write(h); err != nil {
		return fmt.Errorf("wire: send handshake: %w", err)
	}

	buf := make([]byte, 68)
	s.arm()
	if _, err := readFull(s.conn, buf); err != nil {
		return fmt.Errorf("wire: read handshake: %w", err)
	}
	if !bytes.Equal(buf[:20], preamble) {
		return fmt.Errorf("wire: remote peer does not speak the bittorrent protocol")
	}
	if buf[25]&0x10 != 0x10 {
		return fmt.Errorf("wire: remote peer does not support the extension protocol")
	}
	if !bytes.Equal(buf[28:48], s.infoHash) {
		return fmt.Errorf("wire: handshake info_hash mismatch")
	}
	return nil
}

type extHandshakeMsg struct {
	MetadataSize int `bencode:"metadata_size"`
	M            struct {
		UTMetadata int `bencode:"ut_metadata"`
	} `bencode:"m"`
}

func (s *session) extHandshake() error {
	var m struct {
		M struct {
			UTMetadata int `bencode:"ut_metadata"`
		} `bencode:"m"`
	}
	m.M.UTMetadata = 1
	body, err := bencode.Marshal(m)
	if err != nil {
		return fmt.Errorf("wire: encode ext handshake: %w", err)
	}
	frame := append([]byte{extended, extHandshake}, body...)
	if err := s.writeFrame(frame); err != nil {
		return fmt.Errorf("wire: send ext handshake: %w", err)
	}
	return nil
}

// writeFrame sends a length-prefixed message: [len_u32_be, payload...].
// The original source wrote only the length prefix and never the
// payload bytes; every frame here carries its full body.
func (s *session) writeFrame(payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	s.arm()
	if _, err := s.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(payload)
	return err
}

func (s *session) next() ([]byte, error) {
	var lenBuf [4]byte
	s.arm()
	if _, err := readFull(s.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, size)
	s.arm()
	if _, err := readFull(s.conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *session) onExtended(ext byte, payload []byte) error {
	if ext == extHandshake {
		return s.onExtHandshake(payload)
	}
	piece, index, err := s.onPiece(payload)
	if err != nil {
		return err
	}
	s.pieces[index] = piece
	return nil
}

func (s *session) onExtHandshake(payload []byte) error {
	var msg extHandshakeMsg
	if err := bencode.Unmarshal(payload, &msg); err != nil {
		if _, ok := err.(bencode.ErrUnusedTrailingBytes); !ok {
			return fmt.Errorf("wire: decode ext handshake: %w", err)
		}
	}
	if msg.MetadataSize <= 0 {
		return fmt.Errorf("wire: invalid extension header response")
	}
	if msg.MetadataSize > maxMetadataSize {
		return fmt.Errorf("wire: metadata_size too large (%d bytes)", msg.MetadataSize)
	}
	if msg.M.UTMetadata == 0 {
		return fmt.Errorf("wire: invalid extension header response: no ut_metadata id")
	}

	s.metadataSz = msg.MetadataSize
	s.utMetadata = msg.M.UTMetadata
	s.numPieces = (msg.MetadataSize + perBlock - 1) / perBlock
	s.pieces = make([][]byte, s.numPieces)

	for i := 0; i < s.numPieces; i++ {
		if err := s.request(i); err != nil {
			return fmt.Errorf("wire: request piece %d: %w", i, err)
		}
	}
	return nil
}

type pieceRequest struct {
	MsgType int `bencode:"msg_type"`
	Piece   int `bencode:"piece"`
}

func (s *session) request(i int) error {
	body, err := bencode.Marshal(pieceRequest{MsgType: 0, Piece: i})
	if err != nil {
		return err
	}
	frame := append([]byte{extended, byte(s.utMetadata)}, body...)
	return s.writeFrame(frame)
}

type pieceHeader struct {
	MsgType int `bencode:"msg_type"`
	Piece   int `bencode:"piece"`
}

// onPiece decodes the bencoded header that precedes the raw piece bytes.
// Rather than scanning for the last "ee" terminator (robust only because
// metadata dicts never contain "ee" outside their own close), it decodes
// through a streaming decoder and takes whatever bytes it left unread as
// the trailer — exact, regardless of dict contents.
func (s *session) onPiece(payload []byte) ([]byte, int, error) {
	r := bytes.NewReader(payload)
	dec := bencode.NewDecoder(r)
	var hdr pieceHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, 0, fmt.Errorf("wire: invalid piece response: %w", err)
	}
	if hdr.MsgType != 1 {
		return nil, 0, fmt.Errorf("wire: invalid piece response: msg_type %d", hdr.MsgType)
	}
	if hdr.Piece < 0 || hdr.Piece >= s.numPieces {
		return nil, 0, fmt.Errorf("wire: invalid piece response: index %d out of range", hdr.Piece)
	}
	trailer := payload[len(payload)-r.Len():]

	expected := perBlock
	if hdr.Piece == s.numPieces-1 && s.metadataSz%perBlock != 0 {
		expected = s.metadataSz % perBlock
	}
	if len(trailer) != expected {
		return nil, 0, fmt.Errorf("wire: invalid piece response: got %d bytes, want %d", len(trailer), expected)
	}
	return trailer, hdr.Piece, nil
}

func (s *session) done() bool {
	for _, p := range s.pieces {
		if len(p) == 0 {
			return false
		}
	}
	return len(s.pieces) > 0
}

func (s *session) verify() ([]byte, error) {
	meta := bytes.Join(s.pieces, nil)
	sum := sha1.Sum(meta)
	if !bytes.Equal(sum[:], s.infoHash) {
		return nil, fmt.Errorf("wire: metadata checksum mismatch")
	}
	return meta, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
