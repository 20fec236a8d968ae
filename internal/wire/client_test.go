package wire

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
)

// fakePeer speaks just enough of the protocol to drive one Client.Fetch
// call to completion: handshake, ext handshake, and piece responses
// sliced out of a metadata blob supplied by the caller. pace, if
// nonzero, is slept before every piece write, simulating a peer that
// paces its responses across several round trips.
func fakePeer(t *testing.T, ln net.Listener, infoHash []byte, metadata []byte, corrupt bool, pace time.Duration) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	// read and echo back a handshake advertising the extension protocol
	buf := make([]byte, 68)
	if _, err := readFull(conn, buf); err != nil {
		t.Errorf("fakePeer: read handshake: %v", err)
		return
	}
	reply := make([]byte, 0, 68)
	reply = append(reply, preamble...)
	reply = append(reply, reservedBytes...)
	reply = append(reply, infoHash...)
	reply = append(reply, []byte("fakepeer0123456789ab")[:20]...)
	if _, err := conn.Write(reply); err != nil {
		t.Errorf("fakePeer: write handshake: %v", err)
		return
	}

	// read ext handshake frame, reply with metadata_size + ut_metadata id
	if _, err := readFrame(conn); err != nil {
		t.Errorf("fakePeer: read ext handshake: %v", err)
		return
	}
	hs, err := bencode.Marshal(struct {
		MetadataSize int `bencode:"metadata_size"`
		M            struct {
			UTMetadata int `bencode:"ut_metadata"`
		} `bencode:"m"`
	}{MetadataSize: len(metadata), M: struct {
		UTMetadata int `bencode:"ut_metadata"`
	}{UTMetadata: 1}})
	if err != nil {
		t.Errorf("fakePeer: marshal ext handshake: %v", err)
		return
	}
	if err := writeFrameRaw(conn, append([]byte{extended, extHandshake}, hs...)); err != nil {
		t.Errorf("fakePeer: write ext handshake: %v", err)
		return
	}

	numPieces := (len(metadata) + perBlock - 1) / perBlock
	for i := 0; i < numPieces; i++ {
		if _, err := readFrame(conn); err != nil {
			t.Errorf("fakePeer: read piece request %d: %v", i, err)
			return
		}
		if pace > 0 {
			time.Sleep(pace)
		}
		start := i * perBlock
		end := start + perBlock
		if end > len(metadata) {
			end = len(metadata)
		}
		chunk := metadata[start:end]
		if corrupt && i == 0 {
			chunk = append([]byte(nil), chunk...)
			chunk[0] ^= 0xff
		}
		hdr, err := bencode.Marshal(pieceHeader{MsgType: 1, Piece: i})
		if err != nil {
			t.Errorf("fakePeer: marshal piece header: %v", err)
			return
		}
		body := append([]byte{extended, 1}, hdr...)
		body = append(body, chunk...)
		if err := writeFrameRaw(conn, body); err != nil {
			t.Errorf("fakePeer: write piece %d: %v", i, err)
			return
		}
	}
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, size)
	_, err := readFull(conn, data)
	return data, err
}

func writeFrameRaw(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func TestFetchRoundTrip(t *testing.T) {
	metadata := bytes.Repeat([]byte("abcdefgh"), perBlock/8) // exactly one full piece
	sum := sha1.Sum(metadata)
	infoHash := sum[:]

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go fakePeer(t, ln, infoHash, metadata, false, 0)

	got, err := New(infoHash).Fetch(ln.Addr().String())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, metadata) {
		t.Error("fetched metadata does not match what the fake peer served")
	}
}

func TestFetchChecksumMismatch(t *testing.T) {
	metadata := bytes.Repeat([]byte("abcdefgh"), perBlock/8)
	sum := sha1.Sum(metadata)
	infoHash := sum[:]

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go fakePeer(t, ln, infoHash, metadata, true, 0)

	c := New(infoHash)
	c.timeout = 2 * time.Second
	if _, err := c.Fetch(ln.Addr().String()); err == nil {
		t.Error("expected a checksum mismatch error, got nil")
	}
}

// TestFetchSurvivesPacedMultiPieceTransfer covers spec §8 scenario 5: a
// peer serving two metadata pieces with a pause between them that is
// individually well within the per-read timeout, but whose sum exceeds
// it. A single deadline set once at the start of the session (rather
// than re-armed before every read) would spuriously fail this.
func TestFetchSurvivesPacedMultiPieceTransfer(t *testing.T) {
	metadata := bytes.Repeat([]byte("abcdefgh"), perBlock/8+1) // two pieces
	sum := sha1.Sum(metadata)
	infoHash := sum[:]

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	const perPiecePause = 300 * time.Millisecond
	go fakePeer(t, ln, infoHash, metadata, false, perPiecePause)

	c := New(infoHash)
	c.timeout = 500 * time.Millisecond // shorter than the two-piece total pacing delay
	got, err := c.Fetch(ln.Addr().String())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, metadata) {
		t.Error("fetched metadata does not match what the fake peer served")
	}
}
