package dht

import "testing"

func TestRandomIDLength(t *testing.T) {
	id := RandomID()
	if len(id) != IDLength {
		t.Errorf("expected %d bytes, got %d", IDLength, len(id))
	}
}

func TestRandomIDUnique(t *testing.T) {
	a := RandomID()
	b := RandomID()
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("two consecutive RandomID calls produced identical ids")
	}
}

func TestNeighbour(t *testing.T) {
	target := []byte("aaaaaaaaaaaaaaaaaaaa")
	local := []byte("bbbbbbbbbbbbbbbbbbbb")
	id := Neighbour(target, local)
	if len(id) != IDLength {
		t.Fatalf("expected %d bytes, got %d", IDLength, len(id))
	}
	if string(id[:10]) != string(target[:10]) {
		t.Error("first 10 bytes must match target")
	}
	if string(id[10:]) != string(local[:10]) {
		t.Error("last 10 bytes must match the first 10 bytes of the local id")
	}
}

func TestGenTokenDeterministic(t *testing.T) {
	a := GenToken("1.2.3.4:6881", "secret")
	b := GenToken("1.2.3.4:6881", "secret")
	if a != b {
		t.Error("GenToken is not pure: same inputs produced different tokens")
	}
	if c := GenToken("1.2.3.5:6881", "secret"); c == a {
		t.Error("different ip produced the same token")
	}
	if c := GenToken("1.2.3.4:6881", "other"); c == a {
		t.Error("different secret produced the same token")
	}
}

func TestHex(t *testing.T) {
	if got := Hex([]byte{0xde, 0xad, 0xbe, 0xef}); got != "deadbeef" {
		t.Errorf("expected deadbeef, got %s", got)
	}
}
