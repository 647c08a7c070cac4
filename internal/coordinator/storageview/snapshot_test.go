package storageview

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

type fakeIndex struct {
	producers map[coordinator.Item][]int
}

func (f *fakeIndex) AllProducers(_ context.Context) (map[coordinator.Item][]int, error) {
	return f.producers, nil
}

func TestBuild(t *testing.T) {
	idx := &fakeIndex{producers: map[coordinator.Item][]int{"torch/0": {0, 2}}}
	b := NewBuilder(idx)

	snap, err := b.Build(context.Background(), map[coordinator.Item]int{"coal/0": 5})
	require.NoError(t, err)
	require.Equal(t, 5, snap.Total("coal/0"))
	require.Equal(t, 0, snap.Total("unknown/0"))
	require.Equal(t, []int{0, 2}, snap.Producers["torch/0"])
}

func TestDigest_OrderIndependent(t *testing.T) {
	a := &coordinator.StorageSnapshot{Counts: map[coordinator.Item]int{"a/0": 1, "b/0": 2}}
	b := &coordinator.StorageSnapshot{Counts: map[coordinator.Item]int{"b/0": 2, "a/0": 1}}
	require.Equal(t, Digest(a), Digest(b))
}

func TestDigest_DiffersOnCountChange(t *testing.T) {
	a := &coordinator.StorageSnapshot{Counts: map[coordinator.Item]int{"a/0": 1}}
	b := &coordinator.StorageSnapshot{Counts: map[coordinator.Item]int{"a/0": 2}}
	require.NotEqual(t, Digest(a), Digest(b))
}
