package tips

import (
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

func seqID(b byte) types.SequencerID {
	var s types.SequencerID
	s[0] = 0x02
	s[1] = b
	return s
}

func node(seq types.SequencerID, height uint64, payload byte) types.Node {
	n := types.Node{
		Chunk:     types.Chunk{Sequencer: seq, Height: height, Payload: types.Hash{payload}},
		Signature: []byte{payload, 0xAA},
	}
	if height > 0 {
		n.Parent = &types.Parent{Digest: types.Hash{payload - 1}, Signature: []byte{0xBB}}
	}
	return n
}

// mustPanic runs fn and returns the panic message.
func mustPanic(t *testing.T, fn func()) string {
	t.Helper()
	var msg string
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("expected panic")
			}
			msg, _ = r.(string)
		}()
		fn()
	}()
	return msg
}

func TestManager_PutGet(t *testing.T) {
	m := New()
	a := seqID(1)

	if _, ok := m.Get(a); ok {
		t.Fatal("Get on empty manager returned a tip")
	}

	tests := []struct {
		name string
		node types.Node
		want bool
	}{
		{"first", node(a, 0, 10), true},
		{"duplicate", node(a, 0, 10), false},
		{"higher", node(a, 1, 11), true},
		{"jump", node(a, 5, 15), true},
		{"same again", node(a, 5, 15), false},
	}
	for _, tt := range tests {
		if got := m.Put(tt.node); got != tt.want {
			t.Errorf("%s: Put() = %v, want %v", tt.name, got, tt.want)
		}
	}

	tip, ok := m.Get(a)
	if !ok {
		t.Fatal("Get() found no tip")
	}
	if tip.Chunk.Height != 5 || tip.Chunk.Payload != (types.Hash{15}) {
		t.Fatalf("tip = %s, want height 5 payload 15", tip.Chunk)
	}
	if h, _ := m.Height(a); h != 5 {
		t.Fatalf("Height() = %d, want 5", h)
	}
}

func TestManager_HeightRegressionPanics(t *testing.T) {
	m := New(WithPolicy(ReportEquivocation))
	a := seqID(1)
	m.Put(node(a, 4, 14))

	msg := mustPanic(t, func() { m.Put(node(a, 3, 13)) })
	if !strings.Contains(msg, "regression") {
		t.Fatalf("panic message = %q", msg)
	}
}

func TestManager_EquivocationPanicsByDefault(t *testing.T) {
	m := New()
	a := seqID(1)
	m.Put(node(a, 2, 12))

	msg := mustPanic(t, func() { m.Put(node(a, 2, 99)) })
	if !strings.Contains(msg, "equivocation") {
		t.Fatalf("panic message = %q", msg)
	}
}

func TestManager_EquivocationReport(t *testing.T) {
	var calls int
	var gotExisting, gotCandidate types.Node
	m := New(WithPolicy(ReportEquivocation), WithEquivocationHook(func(existing, candidate types.Node) {
		calls++
		gotExisting, gotCandidate = existing, candidate
	}))
	a := seqID(1)
	m.Put(node(a, 2, 12))

	if m.Put(node(a, 2, 99)) {
		t.Fatal("Put() of conflicting tip returned true")
	}
	if calls != 1 {
		t.Fatalf("hook calls = %d, want 1", calls)
	}
	if gotExisting.Chunk.Payload != (types.Hash{12}) || gotCandidate.Chunk.Payload != (types.Hash{99}) {
		t.Fatalf("hook got existing=%s candidate=%s", gotExisting.Chunk, gotCandidate.Chunk)
	}
	tip, _ := m.Get(a)
	if tip.Chunk.Payload != (types.Hash{12}) {
		t.Fatal("conflicting Put() mutated the stored tip")
	}
}

func TestManager_Independence(t *testing.T) {
	m := New()
	a, b := seqID(1), seqID(2)

	m.Put(node(a, 7, 17))
	m.Put(node(b, 0, 1))

	if h, _ := m.Height(a); h != 7 {
		t.Fatalf("a height = %d, want 7", h)
	}
	if h, _ := m.Height(b); h != 0 {
		t.Fatalf("b height = %d, want 0", h)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
}

func TestManager_NoAliasing(t *testing.T) {
	m := New()
	a := seqID(1)
	in := node(a, 1, 11)
	m.Put(in)

	in.Signature[0] = 0xFF
	in.Parent.Signature[0] = 0xFF

	out, _ := m.Get(a)
	if out.Signature[0] == 0xFF || out.Parent.Signature[0] == 0xFF {
		t.Fatal("stored tip aliases the caller's node")
	}

	out.Signature[0] = 0xEE
	again, _ := m.Get(a)
	if again.Signature[0] == 0xEE {
		t.Fatal("Get() returned an aliased node")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    EquivocationPolicy
		wantErr bool
	}{
		{"", PanicOnEquivocation, false},
		{"panic", PanicOnEquivocation, false},
		{"report", ReportEquivocation, false},
		{"ignore", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr && tt.in != "" && got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}
