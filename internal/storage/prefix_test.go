package storage

import (
	"errors"
	"testing"
)

func TestPrefixDB_Suite(t *testing.T) {
	testDB(t, NewPrefixDB(NewMemory(), []byte("ns/")))
}

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	dbA := NewPrefixDB(inner, []byte("a/"))
	dbB := NewPrefixDB(inner, []byte("b/"))

	dbA.Put([]byte("key"), []byte("fromA"))
	dbB.Put([]byte("key"), []byte("fromB"))

	tests := []struct {
		name string
		db   *PrefixDB
		want string
	}{
		{"A", dbA, "fromA"},
		{"B", dbB, "fromB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.db.Get([]byte("key"))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Fatalf("Get = %q, want %q", got, tt.want)
			}
		})
	}

	if ok, _ := dbA.Has([]byte("b/key")); ok {
		t.Fatal("A should not see B's raw key")
	}
	if _, err := dbA.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestPrefixDB_ForEachStripsPrefix(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("chunk/"))
	db.Put([]byte("u/k2"), []byte("v2"))
	db.Put([]byte("u/k1"), []byte("v1"))
	db.Put([]byte("b/k3"), []byte("v3"))

	var keys []string
	err := db.ForEach([]byte("u/"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(keys) != 2 || keys[0] != "u/k1" || keys[1] != "u/k2" {
		t.Fatalf("ForEach keys = %v, want [u/k1 u/k2]", keys)
	}
}

func TestPrefixDB_Batch(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("p/"))

	b := db.NewBatch()
	b.Put([]byte("k"), []byte("v"))
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := inner.Get([]byte("p/k"))
	if err != nil {
		t.Fatalf("inner.Get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("inner.Get = %q, want %q", got, "v")
	}
}

// plainDB hides the Batcher implementation of the wrapped DB.
type plainDB struct{ DB }

func TestPrefixDB_FallbackBatch(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(plainDB{inner}, []byte("p/"))
	inner.Put([]byte("p/gone"), []byte("x"))

	b := db.NewBatch()
	b.Put([]byte("k"), []byte("v"))
	b.Delete([]byte("gone"))
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ok, _ := inner.Has([]byte("p/k")); !ok {
		t.Fatal("fallback batch did not write p/k")
	}
	if ok, _ := inner.Has([]byte("p/gone")); ok {
		t.Fatal("fallback batch did not delete p/gone")
	}
}

func TestPrefixDB_CloseIsNoop(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("x/"))
	db.Put([]byte("key"), []byte("val"))

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := inner.Get([]byte("x/key")); err != nil {
		t.Fatalf("inner.Get after Close: %v", err)
	}
}
