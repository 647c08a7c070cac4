// Package storageview builds the immutable StorageSnapshot the planner
// solves against: a point-in-time item count map plus the producer index
// sourced from the Recipe DB.
package storageview

import (
	"context"
	"fmt"
	"sort"

	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// ProducerIndex is the subset of db.RecipeStore the snapshot builder needs.
type ProducerIndex interface {
	AllProducers(ctx context.Context) (map[coordinator.Item][]int, error)
}

// Builder constructs StorageSnapshots from raw counts reported by storage.
type Builder struct {
	recipes ProducerIndex
}

// NewBuilder creates a Builder bound to a producer index source.
func NewBuilder(recipes ProducerIndex) *Builder {
	return &Builder{recipes: recipes}
}

// Build wraps a raw {item -> count} map (as reported by stor_item_list) into
// a StorageSnapshot, attaching the current producer index.
func (b *Builder) Build(ctx context.Context, counts map[coordinator.Item]int) (*coordinator.StorageSnapshot, error) {
	producers, err := b.recipes.AllProducers(ctx)
	if err != nil {
		return nil, fmt.Errorf("storageview: loading producer index: %w", err)
	}

	cp := make(map[coordinator.Item]int, len(counts))
	for item, n := range counts {
		cp[item] = n
	}

	return &coordinator.StorageSnapshot{
		Counts:    cp,
		Producers: producers,
	}, nil
}

// Digest produces a stable fingerprint of a snapshot's counts for planner
// cache keys. It is intentionally simple (sorted-key concatenation) rather
// than a cryptographic hash, since its only job is detecting "counts did
// not change since the last plan".
func Digest(snapshot *coordinator.StorageSnapshot) string {
	keys := make([]coordinator.Item, 0, len(snapshot.Counts))
	for k := range snapshot.Counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]byte, 0, len(keys)*16)
	for _, k := range keys {
		out = append(out, []byte(fmt.Sprintf("%s=%d;", k, snapshot.Counts[k]))...)
	}
	return string(out)
}
