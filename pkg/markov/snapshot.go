package markov

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// snapshotVersion tags the whole-model snapshot format.
const snapshotVersion = 1

// modelSnapshot is the serializable representation of a trained model,
// used for lightweight snapshot transfer independent of the store.
// Next-token lists are kept as ordered arrays so that a restored model
// samples with the same deterministic tie-breaking as the original.
type modelSnapshot struct {
	Version int             `json:"version"`
	Order   int             `json:"order"`
	States  []snapshotState `json:"states"`
}

// snapshotState is one state's next-token counts within a modelSnapshot.
type snapshotState struct {
	State string          `json:"state"`
	Next  []snapshotCount `json:"next"`
}

// snapshotCount is a single (next token, count) pair.
type snapshotCount struct {
	Token string `json:"token"`
	Count int64  `json:"count"`
}

// Save serializes the whole model to w. States are written in lexical
// order so output is stable; next tokens keep their insertion order.
// Every (state, next, count) triple present in the model reappears with
// the same count after Load.
func (m *Model) Save(w io.Writer) error {
	snap := modelSnapshot{
		Version: snapshotVersion,
		Order:   m.order,
		States:  make([]snapshotState, 0, len(m.transitions)),
	}

	states := make([]string, 0, len(m.transitions))
	for state := range m.transitions {
		states = append(states, state)
	}
	sort.Strings(states)

	for _, state := range states {
		d := m.transitions[state]
		next := make([]snapshotCount, 0, d.Len())
		for _, tok := range d.Tokens() {
			next = append(next, snapshotCount{Token: tok, Count: d.Count(tok)})
		}
		snap.States = append(snap.States, snapshotState{State: state, Next: next})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(snap)
}

// Load replaces the model's order and transition table with a snapshot
// previously written by Save. Corrupt or unsupported input is reported
// as an error wrapping ErrCorruptData and leaves the model unchanged.
func (m *Model) Load(r io.Reader) error {
	var snap modelSnapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("%w: decoding snapshot: %v", ErrCorruptData, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version %d", ErrCorruptData, snap.Version)
	}
	if snap.Order < MinOrder || snap.Order > MaxOrder {
		return fmt.Errorf("%w: snapshot order %d", ErrInvalidOrder, snap.Order)
	}

	transitions := make(map[string]*Distribution, len(snap.States))
	for _, s := range snap.States {
		d := NewDistribution()
		for _, n := range s.Next {
			d.Add(n.Token, n.Count)
		}
		transitions[s.State] = d
	}

	m.order = snap.Order
	m.transitions = transitions
	return nil
}
