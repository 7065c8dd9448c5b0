package markov

import (
	"errors"
	"reflect"
	"testing"
)

func TestDistributionAdd(t *testing.T) {
	d := NewDistribution()
	d.Add("a", 2)
	d.Add("b", 1)
	d.Add("a", 3)
	d.Add("c", 0)  // ignored
	d.Add("c", -1) // ignored

	if got := d.Count("a"); got != 5 {
		t.Errorf("Count(a) = %d, want 5", got)
	}
	if got := d.Count("missing"); got != 0 {
		t.Errorf("Count(missing) = %d, want 0", got)
	}
	if got := d.Total(); got != 6 {
		t.Errorf("Total() = %d, want 6", got)
	}
	if got := d.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if got := d.Tokens(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Tokens() = %v, want [a b]", got)
	}
}

func TestDistributionEncodeDecode(t *testing.T) {
	d := NewDistribution()
	d.Add("zebra", 7)
	d.Add("apple", 3)
	d.Add("", 1) // empty token is legal
	d.Add("zebra", 2)

	decoded, err := DecodeDistribution(d.Encode())
	if err != nil {
		t.Fatalf("DecodeDistribution failed: %v", err)
	}

	// Insertion order must survive the round trip, not just the counts.
	if !reflect.DeepEqual(decoded.Tokens(), d.Tokens()) {
		t.Errorf("token order = %v, want %v", decoded.Tokens(), d.Tokens())
	}
	for _, tok := range d.Tokens() {
		if decoded.Count(tok) != d.Count(tok) {
			t.Errorf("Count(%q) = %d, want %d", tok, decoded.Count(tok), d.Count(tok))
		}
	}
	if decoded.Total() != d.Total() {
		t.Errorf("Total() = %d, want %d", decoded.Total(), d.Total())
	}
}

func TestDecodeDistributionCorrupt(t *testing.T) {
	good := func() []byte {
		d := NewDistribution()
		d.Add("hello", 4)
		d.Add("world", 2)
		return d.Encode()
	}()

	tests := []struct {
		name string
		blob []byte
	}{
		{"empty blob", nil},
		{"unknown version", append([]byte{0xFF}, good[1:]...)},
		{"truncated", good[:len(good)-3]},
		{"trailing bytes", append(append([]byte{}, good...), 0x00)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDistribution(tt.blob)
			if !errors.Is(err, ErrCorruptData) {
				t.Errorf("DecodeDistribution error = %v, want ErrCorruptData", err)
			}
		})
	}
}
