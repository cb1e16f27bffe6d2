// Package builder computes one face descriptor per directory portrait.
package builder

import (
	"context"
	"log/slog"

	"github.com/andresmejia3/lineage/internal/cache"
	"github.com/andresmejia3/lineage/internal/model"
	"github.com/andresmejia3/lineage/internal/types"
)

// PhotoFetcher loads the image bytes behind a photo reference.
type PhotoFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Builder runs the embedding model over every portrait of the directory.
type Builder struct {
	provider model.Provider
	photos   PhotoFetcher
	cache    *cache.Cache
	log      *slog.Logger
}

// New returns a builder. cache may be nil to skip persistence.
func New(p model.Provider, photos PhotoFetcher, c *cache.Cache) *Builder {
	return &Builder{provider: p, photos: photos, cache: c, log: slog.With("component", "builder")}
}

// Build processes people strictly one after another and reports a
// non-decreasing 0-100 progress after each one. People without a photo are
// skipped without a fetch; fetch or detection failures only drop that person.
// The result is saved to the cache before it is returned. Only context
// cancellation aborts the build.
func (b *Builder) Build(ctx context.Context, people []types.Person, progress func(int)) ([]types.LabeledEmbedding, error) {
	var embeddings []types.LabeledEmbedding
	best := 0
	report := func(p int) {
		if p > best {
			best = p
		}
		if progress != nil {
			progress(best)
		}
	}
	report(0)

	for i, person := range people {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if le, ok := b.describe(ctx, person); ok {
			embeddings = append(embeddings, le)
		}
		report((i + 1) * 100 / len(people))
	}
	report(100)

	if b.cache != nil {
		if err := b.cache.Save(ctx, embeddings, people); err != nil {
			b.log.Warn("Failed to save descriptors", "error", err)
		}
	}
	b.log.Info("Descriptors built", "count", len(embeddings), "people", len(people))
	return embeddings, nil
}

func (b *Builder) describe(ctx context.Context, person types.Person) (types.LabeledEmbedding, bool) {
	if !person.HasPhoto() {
		return types.LabeledEmbedding{}, false
	}

	img, err := b.photos.Fetch(ctx, person.Data.Image)
	if err != nil {
		b.log.Warn("Cannot load photo", "person", person.ID, "name", person.Label(), "error", err)
		return types.LabeledEmbedding{}, false
	}

	face, err := b.provider.DetectSingle(ctx, img)
	if err != nil {
		b.log.Warn("Face detection failed", "person", person.ID, "name", person.Label(), "error", err)
		return types.LabeledEmbedding{}, false
	}
	if face == nil || len(face.Vec) == 0 {
		b.log.Info("No face found in photo", "person", person.ID, "name", person.Label())
		return types.LabeledEmbedding{}, false
	}

	vec := make([]float64, len(face.Vec))
	copy(vec, face.Vec)
	return types.LabeledEmbedding{
		Label:    person.Label(),
		PersonID: person.ID,
		Vectors:  [][]float64{vec},
	}, true
}
