package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenAndInit(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func sampleRecipes() []coordinator.Recipe {
	return []coordinator.Recipe{
		{
			Index:     0,
			Station:   coordinator.StationCraftingTable,
			BatchUnit: 4,
			Inputs:    []coordinator.RecipeInput{{Item: "coal/0", Amount: 1}, {Item: "stick/0", Amount: 1}},
			Outputs:   []coordinator.RecipeOutput{{Item: "torch/0", Amount: 4}},
		},
		{
			Index:     1,
			Station:   coordinator.StationCraftingTable,
			BatchUnit: 4,
			Inputs:    []coordinator.RecipeInput{{Item: "planks/0", Amount: 2}},
			Outputs:   []coordinator.RecipeOutput{{Item: "stick/0", Amount: 4}},
		},
		{
			Index:     2,
			Station:   coordinator.StationProcessing,
			BatchUnit: 4,
			Inputs:    []coordinator.RecipeInput{{Item: "planks/0", Amount: 1}},
			Outputs:   []coordinator.RecipeOutput{{Item: "stick/0", Amount: 2}},
		},
	}
}

func TestBulkInsertAndGetRecipe(t *testing.T) {
	database := newTestDB(t)
	store := NewRecipeStore(database)
	require.NoError(t, store.BulkInsertRecipes(context.Background(), sampleRecipes()))

	recipe, err := store.GetRecipe(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, recipe)
	require.Equal(t, coordinator.StationCraftingTable, recipe.Station)
	require.Equal(t, 4, recipe.BatchUnit)
	require.Len(t, recipe.Inputs, 2)
	require.Len(t, recipe.Outputs, 1)
	require.Equal(t, coordinator.Item("torch/0"), recipe.PrimaryOutput().Item)
}

func TestGetRecipe_UnknownIndexReturnsNil(t *testing.T) {
	database := newTestDB(t)
	store := NewRecipeStore(database)
	recipe, err := store.GetRecipe(context.Background(), 99)
	require.NoError(t, err)
	require.Nil(t, recipe)
}

func TestProducersOf_OrdersByLoadRank(t *testing.T) {
	database := newTestDB(t)
	store := NewRecipeStore(database)
	require.NoError(t, store.BulkInsertRecipes(context.Background(), sampleRecipes()))

	producers, err := store.ProducersOf(context.Background(), "stick/0")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, producers)
}

func TestAllProducers_CoversEveryOutputItem(t *testing.T) {
	database := newTestDB(t)
	store := NewRecipeStore(database)
	require.NoError(t, store.BulkInsertRecipes(context.Background(), sampleRecipes()))

	all, err := store.AllProducers(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{0}, all["torch/0"])
	require.Equal(t, []int{1, 2}, all["stick/0"])
}

func TestCountRecipes(t *testing.T) {
	database := newTestDB(t)
	store := NewRecipeStore(database)
	require.NoError(t, store.BulkInsertRecipes(context.Background(), sampleRecipes()))

	count, err := store.CountRecipes(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestGetAllRecipes_ReturnsFullGraph(t *testing.T) {
	database := newTestDB(t)
	store := NewRecipeStore(database)
	require.NoError(t, store.BulkInsertRecipes(context.Background(), sampleRecipes()))

	all, err := store.GetAllRecipes(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, 0, all[0].Index)
}

func TestLoadMetadata_RoundTrips(t *testing.T) {
	database := newTestDB(t)

	value, err := database.GetLoadMetadata(context.Background(), "recipe_count")
	require.NoError(t, err)
	require.Empty(t, value)

	require.NoError(t, database.SetLoadMetadata(context.Background(), "recipe_count", "3"))
	value, err = database.GetLoadMetadata(context.Background(), "recipe_count")
	require.NoError(t, err)
	require.Equal(t, "3", value)

	require.NoError(t, database.SetLoadMetadata(context.Background(), "recipe_count", "5"))
	value, err = database.GetLoadMetadata(context.Background(), "recipe_count")
	require.NoError(t, err)
	require.Equal(t, "5", value)
}

func TestClearRecipes_CascadesToInputsOutputsAndProducers(t *testing.T) {
	database := newTestDB(t)
	store := NewRecipeStore(database)
	require.NoError(t, store.BulkInsertRecipes(context.Background(), sampleRecipes()))

	require.NoError(t, store.ClearRecipes(context.Background()))

	count, err := store.CountRecipes(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)

	producers, err := store.ProducersOf(context.Background(), "stick/0")
	require.NoError(t, err)
	require.Empty(t, producers)
}
