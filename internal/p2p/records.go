package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
)

// putJSON stores v under key.
func putJSON(db storage.DB, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return db.Put(key, data)
}

// getJSON loads the record under key into v.
func getJSON(db storage.DB, key []byte, v any) error {
	data, err := db.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	return nil
}

// scanJSON decodes every record under prefix. Undecodable keys are
// returned in corrupt so callers can drop them.
func scanJSON[T any](db storage.DB, prefix []byte, fn func(key []byte, rec *T) error) (corrupt [][]byte, err error) {
	err = db.ForEach(prefix, func(key, value []byte) error {
		var rec T
		if err := json.Unmarshal(value, &rec); err != nil {
			corrupt = append(corrupt, key)
			return nil
		}
		return fn(key, &rec)
	})
	return corrupt, err
}

// deleteKeys removes keys, in one batch when the backend supports it.
func deleteKeys(db storage.DB, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	if b, ok := db.(storage.Batcher); ok {
		batch := b.NewBatch()
		for _, k := range keys {
			if err := batch.Delete(k); err != nil {
				return err
			}
		}
		return batch.Commit()
	}
	for _, k := range keys {
		if err := db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
