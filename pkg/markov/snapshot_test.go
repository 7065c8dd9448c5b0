package markov

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	m, _ := NewModel(3)
	m.Train(strings.Fields("one fish two fish"))
	m.Train(strings.Fields("red fish blue fish"))
	m.Train(strings.Fields("one fish two fish"))

	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored, _ := NewModel(2)
	if err := restored.Load(&buf); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if restored.Order() != 3 {
		t.Errorf("restored order = %d, want 3", restored.Order())
	}
	if restored.Len() != m.Len() {
		t.Errorf("restored Len() = %d, want %d", restored.Len(), m.Len())
	}
	for state, d := range m.transitions {
		rd, ok := restored.transitions[state]
		if !ok {
			t.Fatalf("state %q missing after round trip", state)
		}
		// Counts and insertion order both survive.
		if !reflect.DeepEqual(rd.Tokens(), d.Tokens()) {
			t.Errorf("state %q token order = %v, want %v", state, rd.Tokens(), d.Tokens())
		}
		for _, tok := range d.Tokens() {
			if rd.Count(tok) != d.Count(tok) {
				t.Errorf("state %q count for %q = %d, want %d", state, tok, rd.Count(tok), d.Count(tok))
			}
		}
	}
}

func TestSnapshotSaveIsDeterministic(t *testing.T) {
	m, _ := NewModel(2)
	m.Train(strings.Fields("a b c d"))
	m.Train(strings.Fields("d c b a"))

	var first, second bytes.Buffer
	if err := m.Save(&first); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(&second); err != nil {
		t.Fatal(err)
	}
	if first.String() != second.String() {
		t.Error("two saves of the same model differ")
	}
}

func TestSnapshotLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", "garbage", ErrCorruptData},
		{"wrong version", `{"version": 99, "order": 2, "states": []}`, ErrCorruptData},
		{"order too small", `{"version": 1, "order": 1, "states": []}`, ErrInvalidOrder},
		{"order too large", `{"version": 1, "order": 6, "states": []}`, ErrInvalidOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := NewModel(2)
			m.Train(strings.Fields("keep me intact"))
			before := m.Len()

			err := m.Load(strings.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("Load error = %v, want %v", err, tt.want)
			}
			if m.Len() != before {
				t.Errorf("failed Load mutated the model: Len() = %d, want %d", m.Len(), before)
			}
		})
	}
}
