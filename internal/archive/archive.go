// Package archive persists verified chain nodes so they can be served to
// peers and used to restore tips after a restart.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

// Key layout:
//
//	c/<sequencer 33B><height be8> -> JSON node
//	t/<sequencer 33B>             -> height be8 of the highest stored node
var (
	chunkKeyPrefix = []byte("c/")
	tipKeyPrefix   = []byte("t/")
)

// Archive stores nodes in a storage.DB.
type Archive struct {
	db storage.DB
}

// New creates an archive backed by db.
func New(db storage.DB) *Archive {
	return &Archive{db: db}
}

func chunkPrefix(seq types.SequencerID) []byte {
	k := make([]byte, 0, len(chunkKeyPrefix)+types.SequencerIDSize+8)
	k = append(k, chunkKeyPrefix...)
	return append(k, seq[:]...)
}

func chunkKey(seq types.SequencerID, height uint64) []byte {
	return binary.BigEndian.AppendUint64(chunkPrefix(seq), height)
}

func tipKey(seq types.SequencerID) []byte {
	k := make([]byte, 0, len(tipKeyPrefix)+types.SequencerIDSize)
	k = append(k, tipKeyPrefix...)
	return append(k, seq[:]...)
}

// Put stores a node and advances the sequencer's tip index if the node is
// higher than the current one. The two writes are atomic when the DB
// supports batches.
func (a *Archive) Put(node types.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	seq := node.Chunk.Sequencer

	advance := true
	if h, ok, err := a.tipHeight(seq); err != nil {
		return err
	} else if ok && h >= node.Chunk.Height {
		advance = false
	}

	var height [8]byte
	binary.BigEndian.PutUint64(height[:], node.Chunk.Height)

	if batcher, ok := a.db.(storage.Batcher); ok {
		b := batcher.NewBatch()
		if err := b.Put(chunkKey(seq, node.Chunk.Height), data); err != nil {
			return err
		}
		if advance {
			if err := b.Put(tipKey(seq), height[:]); err != nil {
				return err
			}
		}
		if err := b.Commit(); err != nil {
			return fmt.Errorf("commit node %s: %w", node.Chunk, err)
		}
		return nil
	}

	if err := a.db.Put(chunkKey(seq, node.Chunk.Height), data); err != nil {
		return fmt.Errorf("put node %s: %w", node.Chunk, err)
	}
	if advance {
		if err := a.db.Put(tipKey(seq), height[:]); err != nil {
			return fmt.Errorf("put tip %s: %w", seq.Short(), err)
		}
	}
	return nil
}

// Get returns the node at height. Missing nodes yield storage.ErrNotFound.
func (a *Archive) Get(seq types.SequencerID, height uint64) (types.Node, error) {
	data, err := a.db.Get(chunkKey(seq, height))
	if err != nil {
		return types.Node{}, err
	}
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return types.Node{}, fmt.Errorf("unmarshal node %s@%d: %w", seq.Short(), height, err)
	}
	return node, nil
}

// Range returns the stored nodes of r in ascending height order, at most
// limit of them. It stops at the first missing height, so the result is
// always contiguous from r.From.
func (a *Archive) Range(seq types.SequencerID, r types.Range, limit int) ([]types.Node, error) {
	if r.Len() == 0 || limit <= 0 {
		return nil, nil
	}
	var out []types.Node
	for h := r.From; h <= r.To && len(out) < limit; h++ {
		node, err := a.Get(seq, h)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, node)
		if h == r.To {
			break
		}
	}
	return out, nil
}

func (a *Archive) tipHeight(seq types.SequencerID) (uint64, bool, error) {
	data, err := a.db.Get(tipKey(seq))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get tip %s: %w", seq.Short(), err)
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("corrupt tip index for %s", seq.Short())
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// Tip returns the highest stored node of a sequencer.
func (a *Archive) Tip(seq types.SequencerID) (types.Node, bool, error) {
	h, ok, err := a.tipHeight(seq)
	if err != nil || !ok {
		return types.Node{}, false, err
	}
	node, err := a.Get(seq, h)
	if err != nil {
		return types.Node{}, false, err
	}
	return node, true, nil
}

// Tips returns the highest stored node of every sequencer, ordered by
// sequencer ID.
func (a *Archive) Tips() ([]types.Node, error) {
	var seqs []types.SequencerID
	err := a.db.ForEach(tipKeyPrefix, func(key, _ []byte) error {
		seq, err := types.SequencerIDFromBytes(key[len(tipKeyPrefix):])
		if err != nil {
			return nil // Skip malformed keys.
		}
		seqs = append(seqs, seq)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tips: %w", err)
	}

	out := make([]types.Node, 0, len(seqs))
	for _, seq := range seqs {
		node, ok, err := a.Tip(seq)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, node)
		}
	}
	return out, nil
}

// Count returns the number of stored nodes for a sequencer.
func (a *Archive) Count(seq types.SequencerID) (int, error) {
	var n int
	err := a.db.ForEach(chunkPrefix(seq), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
