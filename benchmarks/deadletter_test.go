package benchmarks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/deadletter"
)

var errBench = errors.New("HTTP 400: bad request")

// BenchmarkMemoryStore_Add measures in-memory dead letter writes.
func BenchmarkMemoryStore_Add(b *testing.B) {
	store := deadletter.NewMemoryStore(1000)
	rec := deadletter.NewRecord(sampleEvent(0), errBench, 1)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Add(ctx, rec)
	}
}

// BenchmarkSQLiteStore_Add measures SQLite dead letter writes.
func BenchmarkSQLiteStore_Add(b *testing.B) {
	store, cleanup := createSQLiteStore(b)
	defer cleanup()

	rec := deadletter.NewRecord(sampleEvent(0), errBench, 1)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Add(ctx, rec)
	}
}

// BenchmarkSQLiteStore_List measures listing 100 dead letters.
func BenchmarkSQLiteStore_List(b *testing.B) {
	store, cleanup := createSQLiteStore(b)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_, _ = store.Add(ctx, deadletter.NewRecord(sampleEvent(i), errBench, 1))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.List(ctx, 0)
	}
}

func createSQLiteStore(b *testing.B) (*deadletter.SQLiteStore, func()) {
	b.Helper()
	store, err := deadletter.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	return store, func() { store.Close() }
}
