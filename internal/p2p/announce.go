package p2p

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	announceCacheSize = 4096
	announceCacheTTL  = 10 * time.Minute

	// maxAnnounceSkew rejects announcements stamped too far in the future.
	maxAnnounceSkew = 2 * time.Minute
)

var tipTag = []byte("_TIP")

// TipAnnouncement is a sequencer's signed claim that its chain reached Height.
type TipAnnouncement struct {
	Sequencer types.SequencerID `json:"sequencer"`
	Height    uint64            `json:"height"`
	Payload   types.Hash        `json:"payload"`
	Timestamp int64             `json:"timestamp"` // unix seconds
	Signature []byte            `json:"signature"`
}

// TipSigningHash returns the digest signed for an announcement:
// BLAKE3(namespace || "_TIP" || sequencer || height_be8 || payload || timestamp_be8).
func TipSigningHash(namespace []byte, a *TipAnnouncement) types.Hash {
	var height, ts [8]byte
	binary.BigEndian.PutUint64(height[:], a.Height)
	binary.BigEndian.PutUint64(ts[:], uint64(a.Timestamp))
	return crypto.HashConcat(namespace, tipTag, a.Sequencer[:], height[:], a.Payload[:], ts[:])
}

// NewTipAnnouncement signs an announcement for the chunk at the sequencer's tip.
func NewTipAnnouncement(key *crypto.PrivateKey, namespace []byte, tip types.Chunk, now time.Time) (*TipAnnouncement, error) {
	if tip.Sequencer != key.SequencerID() {
		return nil, fmt.Errorf("tip belongs to %s, key is %s", tip.Sequencer.Short(), key.SequencerID().Short())
	}
	a := &TipAnnouncement{
		Sequencer: tip.Sequencer,
		Height:    tip.Height,
		Payload:   tip.Payload,
		Timestamp: now.Unix(),
	}
	h := TipSigningHash(namespace, a)
	sig, err := key.Sign(h)
	if err != nil {
		return nil, err
	}
	a.Signature = sig
	return a, nil
}

// VerifyTipAnnouncement checks the sequencer's signature.
func VerifyTipAnnouncement(namespace []byte, a *TipAnnouncement) bool {
	if len(a.Signature) == 0 || a.Sequencer.IsZero() {
		return false
	}
	h := TipSigningHash(namespace, a)
	return crypto.VerifySignature(a.Sequencer, h, a.Signature)
}

func (a *TipAnnouncement) cacheKey() string {
	return fmt.Sprintf("%s/%d/%s", a.Sequencer, a.Height, a.Payload)
}

// SetTipHandler registers a callback for verified, first-seen tip announcements.
func (n *Node) SetTipHandler(fn func(from peer.ID, ann *TipAnnouncement)) {
	n.tipHandler = fn
}

// BroadcastTip publishes an announcement on the namespace's tip topic.
func (n *Node) BroadcastTip(ann *TipAnnouncement) error {
	if n.topicTip == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("marshal tip announcement: %w", err)
	}
	n.seen.Add(ann.cacheKey(), struct{}{})
	return n.topicTip.Publish(n.ctx, data)
}

// joinTips joins the tip topic, installs the validator and starts reading.
func (n *Node) joinTips() error {
	topic := TipTopic(n.config.Namespace)
	if err := n.pubsub.RegisterTopicValidator(topic, n.validateTip); err != nil {
		return fmt.Errorf("register tip validator: %w", err)
	}
	t, err := n.pubsub.Join(topic)
	if err != nil {
		return fmt.Errorf("join tip topic: %w", err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		t.Close()
		return fmt.Errorf("subscribe tip topic: %w", err)
	}
	n.topicTip = t
	n.subTip = sub
	go n.tipReadLoop()
	return nil
}

// validateTip runs inside pubsub before a message is delivered or relayed.
func (n *Node) validateTip(_ context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	if from == n.host.ID() {
		return pubsub.ValidationAccept
	}
	ann, reason := n.checkTip(msg.Data, time.Now())
	if reason != "" {
		klog.P2P.Debug().
			Str("peer", klog.ShortPeer(from.String())).
			Str("reason", reason).
			Msg("Tip announcement rejected")
		if reason != reasonUnknownSequencer {
			n.BanManager.RecordOffense(from, PenaltyBadAnnounce, reason)
		}
		return pubsub.ValidationReject
	}
	msg.ValidatorData = ann
	return pubsub.ValidationAccept
}

const reasonUnknownSequencer = "unknown sequencer"

// checkTip decodes and verifies an announcement. The reason is empty on success.
func (n *Node) checkTip(data []byte, now time.Time) (*TipAnnouncement, string) {
	var ann TipAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		return nil, "malformed announcement"
	}
	if !n.IsSequencer(ann.Sequencer) {
		return nil, reasonUnknownSequencer
	}
	if time.Unix(ann.Timestamp, 0).After(now.Add(maxAnnounceSkew)) {
		return nil, "announcement from the future"
	}
	if !VerifyTipAnnouncement(n.config.Namespace, &ann) {
		return nil, "bad announcement signature"
	}
	return &ann, ""
}

func (n *Node) tipReadLoop() {
	for {
		msg, err := n.subTip.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		ann, ok := msg.ValidatorData.(*TipAnnouncement)
		if !ok {
			continue
		}
		if _, dup := n.seen.Get(ann.cacheKey()); dup {
			continue
		}
		n.seen.Add(ann.cacheKey(), struct{}{})
		if n.tipHandler != nil {
			n.tipHandler(msg.ReceivedFrom, ann)
		}
	}
}
