package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/andresmejia3/lineage/internal/types"
)

func person(id, first, last, image string) types.Person {
	return types.Person{ID: id, Data: types.PersonData{FirstName: first, LastName: last, Image: image}}
}

func directory(images ...string) []types.Person {
	people := make([]types.Person, 0, len(images))
	for i, img := range images {
		id := string(rune('a' + i))
		people = append(people, person(id, "First"+id, "Last"+id, img))
	}
	return people
}

func embeddingsFor(people []types.Person) []types.LabeledEmbedding {
	out := make([]types.LabeledEmbedding, 0, len(people))
	for i, p := range people {
		if !p.HasPhoto() {
			continue
		}
		out = append(out, types.LabeledEmbedding{
			Label:    p.Label(),
			PersonID: p.ID,
			Vectors:  [][]float64{{float64(i) + 0.125, -0.3333333333333333, 1e-7}},
		})
	}
	return out
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := directory("a.jpg", "b.jpg", "default", "c.jpg")
	b := []types.Person{a[3], a[1], a[0], a[2]}

	if !reflect.DeepEqual(Fingerprint(a), Fingerprint(b)) {
		t.Errorf("Fingerprint depends on order: %v vs %v", Fingerprint(a), Fingerprint(b))
	}
	want := []string{"a.jpg", "b.jpg", "c.jpg", "default"}
	if !reflect.DeepEqual(Fingerprint(a), want) {
		t.Errorf("Fingerprint() = %v, want %v", Fingerprint(a), want)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryKV())
	people := directory("a.jpg", "default", "b.jpg")
	saved := embeddingsFor(people)

	if err := c.Save(ctx, saved, people); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, ok := c.Load(ctx, people)
	if !ok {
		t.Fatal("Expected cache hit after save")
	}
	if !reflect.DeepEqual(saved, loaded) {
		t.Errorf("Round trip mismatch:\nsaved  %+v\nloaded %+v", saved, loaded)
	}
}

func TestLoadWithReorderedDirectoryHits(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	c := New(kv)
	people := directory("a.jpg", "b.jpg")
	if err := c.Save(ctx, embeddingsFor(people), people); err != nil {
		t.Fatal(err)
	}

	reordered := []types.Person{people[1], people[0]}
	if _, ok := c.Load(ctx, reordered); !ok {
		t.Error("Expected reordered directory to hit the cache")
	}
}

func TestLoadWithChangedPhotoMissesAndPurges(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	c := New(kv)
	people := directory("a.jpg", "b.jpg")
	if err := c.Save(ctx, embeddingsFor(people), people); err != nil {
		t.Fatal(err)
	}

	changed := directory("a.jpg", "c.jpg")
	if _, ok := c.Load(ctx, changed); ok {
		t.Fatal("Expected cache miss after photo change")
	}
	for _, key := range []string{FingerprintKey, EntriesKey} {
		if _, err := kv.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected %s to be purged, got err=%v", key, err)
		}
	}
	// The original snapshot no longer hits either: the slot is gone.
	if _, ok := c.Load(ctx, people); ok {
		t.Error("Expected purged cache to miss")
	}
}

func TestLoadMissCases(t *testing.T) {
	ctx := context.Background()
	people := directory("a.jpg")

	tests := []struct {
		name  string
		setup func(kv KV)
	}{
		{"empty store", func(kv KV) {}},
		{"corrupt fingerprint", func(kv KV) {
			kv.Set(ctx, FingerprintKey, []byte("{not json"))
			kv.Set(ctx, EntriesKey, []byte("[]"))
		}},
		{"corrupt entries", func(kv KV) {
			kv.Set(ctx, FingerprintKey, []byte(`["a.jpg"]`))
			kv.Set(ctx, EntriesKey, []byte("[{"))
		}},
		{"entries missing", func(kv KV) {
			kv.Set(ctx, FingerprintKey, []byte(`["a.jpg"]`))
		}},
		{"photo added", func(kv KV) {
			kv.Set(ctx, FingerprintKey, []byte(`[]`))
			kv.Set(ctx, EntriesKey, []byte(`[]`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := NewMemoryKV()
			tt.setup(kv)
			if _, ok := New(kv).Load(ctx, people); ok {
				t.Error("Expected cache miss")
			}
			if _, err := kv.Get(ctx, FingerprintKey); !errors.Is(err, ErrNotFound) {
				t.Error("Expected fingerprint to be purged")
			}
		})
	}
}

// failingKV simulates a storage layer that rejects every operation.
type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("quota exceeded") }
func (failingKV) Set(context.Context, string, []byte) error  { return errors.New("quota exceeded") }
func (failingKV) Delete(context.Context, ...string) error    { return errors.New("quota exceeded") }

func TestStorageErrorsAreMisses(t *testing.T) {
	ctx := context.Background()
	c := New(failingKV{})
	people := directory("a.jpg")

	if _, ok := c.Load(ctx, people); ok {
		t.Error("Expected miss on storage failure")
	}
	if err := c.Save(ctx, embeddingsFor(people), people); err == nil {
		t.Error("Expected Save to report the storage failure")
	}
	if c.Valid(ctx, people) {
		t.Error("Expected Valid to be false on storage failure")
	}
}

func TestValidDoesNotPurge(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	c := New(kv)
	people := directory("a.jpg", "b.jpg")
	c.Save(ctx, embeddingsFor(people), people)

	if !c.Valid(ctx, people) {
		t.Error("Expected cache to be valid")
	}
	if c.Valid(ctx, directory("z.jpg")) {
		t.Error("Expected cache to be invalid for another directory")
	}
	if _, err := kv.Get(ctx, FingerprintKey); err != nil {
		t.Errorf("Valid must not purge, got %v", err)
	}
}

func TestFileKV(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested")
	kv, err := NewFileKV(dir)
	if err != nil {
		t.Fatalf("NewFileKV failed: %v", err)
	}

	if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := kv.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := kv.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	got, err := kv.Get(ctx, "k")
	if err != nil || string(got) != "v2" {
		t.Errorf("Get() = %q, %v; want v2", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "k.json")); err != nil {
		t.Errorf("Expected k.json on disk: %v", err)
	}
	if err := kv.Delete(ctx, "k", "never-written"); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected key to be deleted, got %v", err)
	}
	if err := kv.Set(ctx, "../escape", nil); err == nil {
		t.Error("Expected invalid key to be rejected")
	}
}

func TestCacheOnFileKVSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	people := directory("a.jpg", "b.jpg")

	kv1, _ := NewFileKV(dir)
	if err := New(kv1).Save(ctx, embeddingsFor(people), people); err != nil {
		t.Fatal(err)
	}

	kv2, _ := NewFileKV(dir)
	loaded, ok := New(kv2).Load(ctx, people)
	if !ok || len(loaded) != 2 {
		t.Errorf("Expected 2 cached descriptors after reopen, got %d (hit=%v)", len(loaded), ok)
	}
}
