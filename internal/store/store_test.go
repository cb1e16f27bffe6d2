package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/lineage/internal/cache"
	"github.com/andresmejia3/lineage/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("lineage_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Directory documents ---

	people := []types.Person{
		{ID: "b", Data: types.PersonData{FirstName: "Jean", LastName: "Dubois", Image: "jean"}, Rels: json.RawMessage(`{"spouses":["a"]}`)},
		{ID: "a", Data: types.PersonData{FirstName: "Marie", LastName: "Curie", Image: types.NoPhoto}},
	}
	if err := s.ReplacePeople(ctx, people); err != nil {
		t.Fatalf("ReplacePeople failed: %v", err)
	}
	if err := s.UpsertPerson(ctx, types.Person{ID: "c", Data: types.PersonData{FirstName: "Pierre", LastName: "Dubois"}}); err != nil {
		t.Fatalf("UpsertPerson failed: %v", err)
	}

	got, err := s.People(ctx)
	if err != nil {
		t.Fatalf("People failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 people, got %d", len(got))
	}
	// Stored order is preserved, not sorted by id.
	if got[0].ID != "b" || got[1].ID != "a" || got[2].ID != "c" {
		t.Errorf("Unexpected order: %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[0].Label() != "Jean Dubois" || got[0].Data.Image != "jean" {
		t.Errorf("Document not round-tripped: %+v", got[0])
	}
	if len(got[0].Rels) == 0 || len(got[1].Rels) != 0 {
		t.Errorf("Unexpected rels: %q / %q", got[0].Rels, got[1].Rels)
	}

	// --- Descriptor cache slot ---

	if _, err := s.Get(ctx, cache.EntriesKey); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	c := cache.New(s)
	embeddings := []types.LabeledEmbedding{{Label: "Jean Dubois", PersonID: "b", Vectors: [][]float64{{0.1, 0.2}}}}
	if err := c.Save(ctx, embeddings, got); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, ok := c.Load(ctx, got)
	if !ok || len(loaded) != 1 || loaded[0].PersonID != "b" {
		t.Fatalf("Expected cache hit with Jean, got %+v (hit=%v)", loaded, ok)
	}

	// A changed photo set purges both keys.
	got[1].Data.Image = "marie"
	if _, ok := c.Load(ctx, got); ok {
		t.Fatal("Expected cache miss after photo change")
	}
	for _, key := range []string{cache.FingerprintKey, cache.EntriesKey} {
		if _, err := s.Get(ctx, key); !errors.Is(err, cache.ErrNotFound) {
			t.Errorf("Expected %s purged, got %v", key, err)
		}
	}

	// --- Reset ---

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.People(ctx); err == nil {
		t.Error("Expected error querying dropped tables")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
