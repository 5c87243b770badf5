package storage

// PrefixDB is a view of a DB restricted to keys under one prefix. The node
// keeps the chunk archive and the p2p records (bans, addresses) under
// separate prefixes of one badger directory.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB returns the view of inner under prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: cloneBytes(prefix)}
}

func (p *PrefixDB) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	return append(append(out, p.prefix...), k...)
}

func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }

func (p *PrefixDB) Put(key, value []byte) error { return p.inner.Put(p.key(key), value) }

func (p *PrefixDB) Delete(key []byte) error { return p.inner.Delete(p.key(key)) }

func (p *PrefixDB) Has(key []byte) (bool, error) { return p.inner.Has(p.key(key)) }

// ForEach walks keys under prefix. Keys reach fn without the view prefix.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	n := len(p.prefix)
	return p.inner.ForEach(p.key(prefix), func(key, value []byte) error {
		return fn(key[n:], value)
	})
}

// Close does nothing; the inner DB is closed by its owner.
func (p *PrefixDB) Close() error { return nil }

// NewBatch returns an atomic batch when the inner DB supports one. Otherwise
// the writes are replayed one by one on Commit.
func (p *PrefixDB) NewBatch() Batch {
	var inner Batch
	if b, ok := p.inner.(Batcher); ok {
		inner = b.NewBatch()
	} else {
		inner = &replayBatch{db: p.inner}
	}
	return &prefixBatch{view: p, inner: inner}
}

type prefixBatch struct {
	view  *PrefixDB
	inner Batch
}

func (b *prefixBatch) Put(key, value []byte) error { return b.inner.Put(b.view.key(key), value) }

func (b *prefixBatch) Delete(key []byte) error { return b.inner.Delete(b.view.key(key)) }

func (b *prefixBatch) Commit() error { return b.inner.Commit() }

type replayBatch struct {
	db  DB
	ops []memoryOp
}

func (b *replayBatch) Put(key, value []byte) error {
	v := cloneBytes(value)
	if v == nil {
		v = []byte{}
	}
	b.ops = append(b.ops, memoryOp{key: string(key), value: v})
	return nil
}

func (b *replayBatch) Delete(key []byte) error {
	b.ops = append(b.ops, memoryOp{key: string(key)})
	return nil
}

func (b *replayBatch) Commit() error {
	for _, op := range b.ops {
		var err error
		if op.value == nil {
			err = b.db.Delete([]byte(op.key))
		} else {
			err = b.db.Put([]byte(op.key), op.value)
		}
		if err != nil {
			return err
		}
	}
	b.ops = nil
	return nil
}
