// Package cache persists face descriptors between recognition sessions.
//
// The cache occupies two paired keys: the fingerprint (sorted list of every
// directory photo reference) and the entries. It is valid only while the
// fingerprint of the current directory equals the stored one; any mismatch or
// storage error purges both keys and reports a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/andresmejia3/lineage/internal/types"
)

const (
	// FingerprintKey holds the JSON array of sorted photo references.
	FingerprintKey = "faceDescriptorsImageNames"
	// EntriesKey holds the JSON array of persisted descriptors.
	EntriesKey = "faceDescriptors"
)

// Entry is the persisted form of one labeled descriptor.
type Entry struct {
	Label       string       `json:"label"`
	Descriptors []float64    `json:"descriptors"`
	PersonData  types.Person `json:"personData"`
}

// Cache reads and writes descriptors in a KV slot.
type Cache struct {
	kv  KV
	log *slog.Logger
}

// New returns a cache backed by kv.
func New(kv KV) *Cache {
	return &Cache{kv: kv, log: slog.With("component", "cache")}
}

// Fingerprint returns the sorted photo references of a directory snapshot.
// People without a photo contribute the sentinel value, so adding or removing
// them still invalidates the cache.
func Fingerprint(people []types.Person) []string {
	refs := make([]string, 0, len(people))
	for _, p := range people {
		refs = append(refs, p.Data.Image)
	}
	sort.Strings(refs)
	return refs
}

func canonical(refs []string) ([]byte, error) {
	if refs == nil {
		refs = []string{}
	}
	return json.Marshal(refs)
}

// Load returns the cached descriptors when the stored fingerprint matches the
// snapshot. On a miss of any kind (no cache, stale, unreadable) the slot is
// purged and ok is false.
func (c *Cache) Load(ctx context.Context, people []types.Person) (embeddings []types.LabeledEmbedding, ok bool) {
	current, err := canonical(Fingerprint(people))
	if err != nil {
		c.log.Warn("Failed to serialize fingerprint", "error", err)
		return nil, false
	}

	stored, err := c.kv.Get(ctx, FingerprintKey)
	switch {
	case errors.Is(err, ErrNotFound):
		c.log.Info("No descriptor cache found")
		c.Purge(ctx)
		return nil, false
	case err != nil:
		c.log.Warn("Failed to read cache fingerprint", "error", err)
		c.Purge(ctx)
		return nil, false
	}

	var storedRefs []string
	if err := json.Unmarshal(stored, &storedRefs); err != nil {
		c.log.Warn("Corrupt cache fingerprint", "error", err)
		c.Purge(ctx)
		return nil, false
	}
	sort.Strings(storedRefs)
	storedCanon, _ := canonical(storedRefs)
	if string(storedCanon) != string(current) {
		c.log.Info("Photos changed, descriptors must be rebuilt")
		c.Purge(ctx)
		return nil, false
	}

	raw, err := c.kv.Get(ctx, EntriesKey)
	if err != nil {
		c.log.Warn("Failed to read cached descriptors", "error", err)
		c.Purge(ctx)
		return nil, false
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		c.log.Warn("Corrupt cached descriptors", "error", err)
		c.Purge(ctx)
		return nil, false
	}

	embeddings = make([]types.LabeledEmbedding, 0, len(entries))
	for _, e := range entries {
		embeddings = append(embeddings, types.LabeledEmbedding{
			Label:    e.Label,
			PersonID: e.PersonData.ID,
			Vectors:  [][]float64{e.Descriptors},
		})
	}
	c.log.Info("Loaded descriptors from cache", "count", len(embeddings))
	return embeddings, true
}

// Save replaces the cached descriptors. The fingerprint is removed first and
// written last, so an interrupted save never validates.
func (c *Cache) Save(ctx context.Context, embeddings []types.LabeledEmbedding, people []types.Person) error {
	byID := make(map[string]types.Person, len(people))
	for _, p := range people {
		byID[p.ID] = p
	}

	entries := make([]Entry, 0, len(embeddings))
	for _, le := range embeddings {
		snapshot, ok := byID[le.PersonID]
		if !ok {
			snapshot = types.Person{ID: le.PersonID}
		}
		for _, vec := range le.Vectors {
			entries = append(entries, Entry{Label: le.Label, Descriptors: vec, PersonData: snapshot})
		}
	}

	rawEntries, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to serialize descriptors: %w", err)
	}
	rawFingerprint, err := canonical(Fingerprint(people))
	if err != nil {
		return fmt.Errorf("failed to serialize fingerprint: %w", err)
	}

	if err := c.kv.Delete(ctx, FingerprintKey); err != nil {
		return fmt.Errorf("failed to invalidate previous cache: %w", err)
	}
	if err := c.kv.Set(ctx, EntriesKey, rawEntries); err != nil {
		return fmt.Errorf("failed to store descriptors: %w", err)
	}
	if err := c.kv.Set(ctx, FingerprintKey, rawFingerprint); err != nil {
		return fmt.Errorf("failed to store fingerprint: %w", err)
	}
	c.log.Info("Saved descriptors to cache", "count", len(entries))
	return nil
}

// Purge removes both cache keys. Errors are logged only.
func (c *Cache) Purge(ctx context.Context) {
	if err := c.kv.Delete(ctx, FingerprintKey, EntriesKey); err != nil {
		c.log.Warn("Failed to purge descriptor cache", "error", err)
	}
}

// Valid reports whether Load would hit, without purging anything.
func (c *Cache) Valid(ctx context.Context, people []types.Person) bool {
	stored, err := c.kv.Get(ctx, FingerprintKey)
	if err != nil {
		return false
	}
	var storedRefs []string
	if json.Unmarshal(stored, &storedRefs) != nil {
		return false
	}
	if _, err := c.kv.Get(ctx, EntriesKey); err != nil {
		return false
	}
	sort.Strings(storedRefs)
	a, _ := canonical(storedRefs)
	b, _ := canonical(Fingerprint(people))
	return string(a) == string(b)
}
