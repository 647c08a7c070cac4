package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// fakeRecipes is an in-memory RecipeSource used to exercise the solver
// without a database, mirroring the scenarios in spec.md §8.
type fakeRecipes struct {
	recipes   map[int]*coordinator.Recipe
	producers map[coordinator.Item][]int
}

func newFakeRecipes() *fakeRecipes {
	return &fakeRecipes{
		recipes:   make(map[int]*coordinator.Recipe),
		producers: make(map[coordinator.Item][]int),
	}
}

func (f *fakeRecipes) add(r coordinator.Recipe) {
	f.recipes[r.Index] = &r
	for _, out := range r.Outputs {
		f.producers[out.Item] = append(f.producers[out.Item], r.Index)
	}
}

func (f *fakeRecipes) ProducersOf(_ context.Context, item coordinator.Item) ([]int, error) {
	return f.producers[item], nil
}

func (f *fakeRecipes) GetRecipe(_ context.Context, index int) (*coordinator.Recipe, error) {
	return f.recipes[index], nil
}

func snapshot(counts map[coordinator.Item]int) *coordinator.StorageSnapshot {
	return &coordinator.StorageSnapshot{Counts: counts}
}

func TestPlan_TorchNothingAvailable(t *testing.T) {
	recipes := newFakeRecipes()
	recipes.add(coordinator.Recipe{
		Index:     0,
		Inputs:    []coordinator.RecipeInput{{Item: "coal/0", Amount: 1}, {Item: "stick/0", Amount: 1}},
		Outputs:   []coordinator.RecipeOutput{{Item: "torch/0", Amount: 4}},
		BatchUnit: 4,
	})
	recipes.add(coordinator.Recipe{
		Index:     1,
		Inputs:    []coordinator.RecipeInput{{Item: "planks/0", Amount: 2}},
		Outputs:   []coordinator.RecipeOutput{{Item: "stick/0", Amount: 4}},
		BatchUnit: 4,
	})

	p := New(recipes, nil)
	plan, err := p.Plan(context.Background(), "torch/0", 16, snapshot(nil), "")
	require.NoError(t, err)
	require.Equal(t, coordinator.PlanMissing, plan.Status)
	require.NotEmpty(t, plan.MissingItems)
}

func TestPlan_RecursiveRecipe(t *testing.T) {
	recipes := newFakeRecipes()
	recipes.add(coordinator.Recipe{
		Index: 0,
		Inputs: []coordinator.RecipeInput{
			{Item: "iron_alloy/0", Amount: 2},
			{Item: "iron/0", Amount: 3},
		},
		Outputs: []coordinator.RecipeOutput{
			{Item: "iron_alloy/0", Amount: 3},
			{Item: "slag/0", Amount: 1},
		},
		BatchUnit: 3,
	})

	p := New(recipes, nil)
	plan, err := p.Plan(context.Background(), "iron_alloy/0", 10, snapshot(map[coordinator.Item]int{"iron_alloy/0": 2, "iron/0": 30}), "")
	require.NoError(t, err)
	require.Equal(t, coordinator.PlanOK, plan.Status)
	require.Len(t, plan.SequenceRecipes, 1)
	require.Equal(t, 0, plan.SequenceRecipes[0])
	// Recursive recipe's multiplier equals the requested amount directly.
	require.Equal(t, 10, plan.SequenceBatches[0])
	require.Equal(t, 30, plan.RequiredItems["iron/0"])
}

func TestPlan_InputAvailableFromStorageIsNotDemanded(t *testing.T) {
	recipes := newFakeRecipes()
	recipes.add(coordinator.Recipe{
		Index:     0,
		Inputs:    []coordinator.RecipeInput{{Item: "coal/0", Amount: 1}},
		Outputs:   []coordinator.RecipeOutput{{Item: "torch/0", Amount: 4}},
		BatchUnit: 4,
	})

	p := New(recipes, nil)
	plan, err := p.Plan(context.Background(), "torch/0", 4, snapshot(map[coordinator.Item]int{"coal/0": 1}), "")
	require.NoError(t, err)
	require.Equal(t, coordinator.PlanOK, plan.Status)
	require.Empty(t, plan.MissingItems)
	// coal/0 is fully covered by storage, so it is neither queued nor
	// reported missing; only the requiredItems account reflects the draw.
	require.Equal(t, 1, plan.RequiredItems["coal/0"])
	require.Len(t, plan.SequenceRecipes, 1)
}

func TestPlan_RejectsNegativeAmount(t *testing.T) {
	p := New(newFakeRecipes(), nil)
	_, err := p.Plan(context.Background(), "torch/0", -1, snapshot(nil), "")
	require.Error(t, err)
}

// TestPlan_ZeroAmountYieldsEmptyOKPlan exercises spec.md §8 L2: planning
// amount=0 on any item yields the empty plan with status=ok and empty
// requiredItems, regardless of whether a producer even exists for the item.
func TestPlan_ZeroAmountYieldsEmptyOKPlan(t *testing.T) {
	p := New(newFakeRecipes(), nil)
	plan, err := p.Plan(context.Background(), "torch/0", 0, snapshot(nil), "")
	require.NoError(t, err)
	require.Equal(t, coordinator.PlanOK, plan.Status)
	require.Empty(t, plan.RequiredItems)
	require.Empty(t, plan.SequenceItems)
}

func TestPlan_CacheHitReturnsSamePlan(t *testing.T) {
	recipes := newFakeRecipes()
	recipes.add(coordinator.Recipe{
		Index:     0,
		Inputs:    []coordinator.RecipeInput{{Item: "coal/0", Amount: 1}},
		Outputs:   []coordinator.RecipeOutput{{Item: "torch/0", Amount: 4}},
		BatchUnit: 4,
	})
	cache, err := NewCache(8)
	require.NoError(t, err)

	p := New(recipes, cache)
	snap := snapshot(nil)
	first, err := p.Plan(context.Background(), "torch/0", 4, snap, "digest-a")
	require.NoError(t, err)
	second, err := p.Plan(context.Background(), "torch/0", 4, snap, "digest-a")
	require.NoError(t, err)
	require.Same(t, first, second)
}
