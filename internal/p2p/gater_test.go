package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestGater(t *testing.T) {
	good, bad, outsider := peer.ID("good"), peer.ID("bad"), peer.ID("outsider")
	allow := map[peer.ID]bool{good: true, bad: true}

	tests := []struct {
		name    string
		allowed func(peer.ID) bool
		id      peer.ID
		want    bool
	}{
		{"open, clean peer", nil, good, true},
		{"open, banned peer", nil, bad, false},
		{"allowlisted", func(id peer.ID) bool { return allow[id] }, good, true},
		{"allowlisted but banned", func(id peer.ID) bool { return allow[id] }, bad, false},
		{"not allowlisted", func(id peer.ID) bool { return allow[id] }, outsider, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bm := NewBanManager(nil, nil)
			bm.Block(bad)
			g := &gater{bans: bm, allowed: tt.allowed}
			if got := g.InterceptPeerDial(tt.id); got != tt.want {
				t.Errorf("InterceptPeerDial = %v, want %v", got, tt.want)
			}
			if got := g.InterceptSecured(0, tt.id, nil); got != tt.want {
				t.Errorf("InterceptSecured = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGater_PassThrough(t *testing.T) {
	g := &gater{bans: NewBanManager(nil, nil)}
	if !g.InterceptAccept(nil) {
		t.Error("InterceptAccept should always allow")
	}
	if !g.InterceptAddrDial("x", nil) {
		t.Error("InterceptAddrDial should always allow")
	}
	allow, reason := g.InterceptUpgraded(nil)
	if !allow || reason != 0 {
		t.Errorf("InterceptUpgraded = %v, %d", allow, reason)
	}
}

func TestGater_AfterUnban(t *testing.T) {
	bm := NewBanManager(nil, nil)
	g := &gater{bans: bm}
	id := peer.ID("temp")
	bm.Block(id)
	if g.InterceptPeerDial(id) {
		t.Fatal("should reject banned peer")
	}
	bm.Unban(id)
	if !g.InterceptPeerDial(id) {
		t.Error("should allow after unban")
	}
}
