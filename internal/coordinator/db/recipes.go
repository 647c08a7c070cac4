package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// RecipeStore handles recipe data access.
type RecipeStore struct {
	db *DB
}

// NewRecipeStore creates a new RecipeStore.
func NewRecipeStore(db *DB) *RecipeStore {
	return &RecipeStore{db: db}
}

// GetRecipe retrieves a single recipe by index with its inputs and outputs.
func (s *RecipeStore) GetRecipe(ctx context.Context, index int) (*coordinator.Recipe, error) {
	recipe := &coordinator.Recipe{Index: index}

	var station string
	err := s.db.QueryRowContext(ctx, `
		SELECT station, batch_unit FROM recipes WHERE recipe_index = ?
	`, index).Scan(&station, &recipe.BatchUnit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying recipe: %w", err)
	}
	recipe.Station = coordinator.Station(station)

	inputs, err := s.getRecipeInputs(ctx, index)
	if err != nil {
		return nil, err
	}
	recipe.Inputs = inputs

	outputs, err := s.getRecipeOutputs(ctx, index)
	if err != nil {
		return nil, err
	}
	recipe.Outputs = outputs

	return recipe, nil
}

func (s *RecipeStore) getRecipeInputs(ctx context.Context, index int) ([]coordinator.RecipeInput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, amount FROM recipe_inputs WHERE recipe_index = ?
	`, index)
	if err != nil {
		return nil, fmt.Errorf("querying recipe inputs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var inputs []coordinator.RecipeInput
	for rows.Next() {
		var item string
		var amt int
		if err := rows.Scan(&item, &amt); err != nil {
			return nil, fmt.Errorf("scanning recipe input: %w", err)
		}
		inputs = append(inputs, coordinator.RecipeInput{Item: coordinator.Item(item), Amount: amt})
	}
	return inputs, rows.Err()
}

func (s *RecipeStore) getRecipeOutputs(ctx context.Context, index int) ([]coordinator.RecipeOutput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, amount FROM recipe_outputs
		WHERE recipe_index = ?
		ORDER BY is_primary DESC, item_id ASC
	`, index)
	if err != nil {
		return nil, fmt.Errorf("querying recipe outputs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outputs []coordinator.RecipeOutput
	for rows.Next() {
		var item string
		var amt int
		if err := rows.Scan(&item, &amt); err != nil {
			return nil, fmt.Errorf("scanning recipe output: %w", err)
		}
		outputs = append(outputs, coordinator.RecipeOutput{Item: coordinator.Item(item), Amount: amt})
	}
	return outputs, rows.Err()
}

// ProducersOf returns the recipe indices that produce the given item, in
// deterministic load-order rank. This is the planner's branch-priority
// source for multi-producer backtracking.
func (s *RecipeStore) ProducersOf(ctx context.Context, item coordinator.Item) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipe_index FROM producer_order
		WHERE item_id = ?
		ORDER BY rank ASC
	`, string(item))
	if err != nil {
		return nil, fmt.Errorf("querying producers of %s: %w", item, err)
	}
	defer func() { _ = rows.Close() }()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scanning producer index: %w", err)
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

// AllProducers builds the full item -> producer-indices index in one query,
// for use by storageview.Snapshot.
func (s *RecipeStore) AllProducers(ctx context.Context) (map[coordinator.Item][]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, recipe_index FROM producer_order ORDER BY item_id, rank ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying all producers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[coordinator.Item][]int)
	for rows.Next() {
		var item string
		var idx int
		if err := rows.Scan(&item, &idx); err != nil {
			return nil, fmt.Errorf("scanning producer row: %w", err)
		}
		it := coordinator.Item(item)
		out[it] = append(out[it], idx)
	}
	return out, rows.Err()
}

// CountRecipes returns the total number of recipes.
func (s *RecipeStore) CountRecipes(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipes`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting recipes: %w", err)
	}
	return count, nil
}

// GetAllRecipes retrieves every recipe with its inputs and outputs.
func (s *RecipeStore) GetAllRecipes(ctx context.Context) ([]coordinator.Recipe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipe_index, station, batch_unit FROM recipes ORDER BY recipe_index ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying all recipes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recipes []coordinator.Recipe
	for rows.Next() {
		var r coordinator.Recipe
		var station string
		if err := rows.Scan(&r.Index, &station, &r.BatchUnit); err != nil {
			return nil, fmt.Errorf("scanning recipe: %w", err)
		}
		r.Station = coordinator.Station(station)
		recipes = append(recipes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range recipes {
		inputs, err := s.getRecipeInputs(ctx, recipes[i].Index)
		if err != nil {
			return nil, fmt.Errorf("loading inputs for recipe %d: %w", recipes[i].Index, err)
		}
		recipes[i].Inputs = inputs

		outputs, err := s.getRecipeOutputs(ctx, recipes[i].Index)
		if err != nil {
			return nil, fmt.Errorf("loading outputs for recipe %d: %w", recipes[i].Index, err)
		}
		recipes[i].Outputs = outputs
	}

	return recipes, nil
}

// BulkInsertRecipes inserts multiple recipes, their inputs/outputs, and the
// producer_order index in a single transaction. Recipes are assigned their
// producer rank in slice order, matching the order they appear in the text
// configuration (spec.md's load-once-at-startup semantics).
func (s *RecipeStore) BulkInsertRecipes(ctx context.Context, recipes []coordinator.Recipe) error {
	return s.db.InTransaction(ctx, func(tx *sql.Tx) error {
		recipeStmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO recipes (recipe_index, station, batch_unit)
			VALUES (?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing recipe statement: %w", err)
		}
		defer func() { _ = recipeStmt.Close() }()

		inputStmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO recipe_inputs (recipe_index, item_id, amount)
			VALUES (?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing input statement: %w", err)
		}
		defer func() { _ = inputStmt.Close() }()

		outputStmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO recipe_outputs (recipe_index, item_id, amount, is_primary)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing output statement: %w", err)
		}
		defer func() { _ = outputStmt.Close() }()

		producerStmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO producer_order (item_id, recipe_index, rank)
			VALUES (?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing producer_order statement: %w", err)
		}
		defer func() { _ = producerStmt.Close() }()

		rank := make(map[coordinator.Item]int)

		for _, r := range recipes {
			if _, err := recipeStmt.ExecContext(ctx, r.Index, string(r.Station), r.BatchUnit); err != nil {
				return fmt.Errorf("inserting recipe %d: %w", r.Index, err)
			}

			for _, in := range r.Inputs {
				if _, err := inputStmt.ExecContext(ctx, r.Index, string(in.Item), in.Amount); err != nil {
					return fmt.Errorf("inserting input for recipe %d: %w", r.Index, err)
				}
			}

			for i, out := range r.Outputs {
				isPrimary := 0
				if i == 0 {
					isPrimary = 1
				}
				if _, err := outputStmt.ExecContext(ctx, r.Index, string(out.Item), out.Amount, isPrimary); err != nil {
					return fmt.Errorf("inserting output for recipe %d: %w", r.Index, err)
				}

				next := rank[out.Item]
				if _, err := producerStmt.ExecContext(ctx, string(out.Item), r.Index, next); err != nil {
					return fmt.Errorf("inserting producer_order for recipe %d: %w", r.Index, err)
				}
				rank[out.Item] = next + 1
			}
		}

		return nil
	})
}

// ClearRecipes removes all recipe data (used by recipeconfig before a fresh
// load from the text configuration).
func (s *RecipeStore) ClearRecipes(ctx context.Context) error {
	return s.db.InTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM recipes`)
		return err
	})
}
