// Package directory provides snapshots of the family members known to the viewer.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/andresmejia3/lineage/internal/types"
)

// Source yields an ordered snapshot of every known person.
type Source interface {
	People(ctx context.Context) ([]types.Person, error)
}

// FileSource reads a static data.json export: an array of
// {id, data: {firstName, lastName, image, ...}, rels} documents.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (f *FileSource) People(ctx context.Context) ([]types.Person, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}
	return Decode(raw)
}

// Decode parses a data.json payload, dropping documents that have no id.
func Decode(raw []byte) ([]types.Person, error) {
	var people []types.Person
	if err := json.Unmarshal(raw, &people); err != nil {
		return nil, fmt.Errorf("invalid directory JSON: %w", err)
	}
	return Validate(people), nil
}

// Validate removes documents without an id and later duplicates of an id,
// logging each one.
func Validate(people []types.Person) []types.Person {
	log := slog.With("component", "directory")
	seen := make(map[string]bool, len(people))
	out := people[:0:0]
	for i, p := range people {
		switch {
		case p.ID == "":
			log.Warn("Skipping member without id", "index", i, "name", p.Label())
		case seen[p.ID]:
			log.Warn("Skipping duplicate member id", "id", p.ID, "name", p.Label())
		default:
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	return out
}

// Static serves a fixed snapshot.
type Static []types.Person

func (s Static) People(ctx context.Context) ([]types.Person, error) {
	out := make([]types.Person, len(s))
	copy(out, s)
	return out, ctx.Err()
}
