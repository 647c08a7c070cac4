// Package recipeconfig loads the recipe database from a text
// configuration, the source of truth named in spec.md §6 ("Recipes are
// loaded once from a text configuration").
//
// File format: one recipe per stanza, separated by blank lines. Each
// stanza is a sequence of lines:
//
//	station <crafting-table|processing>
//	in <item> <amount>
//	out <item> <amount>       (first out line is the primary output)
//
// Lines beginning with '#' are comments. Recipes are numbered by their
// order of appearance (0-based), matching coordinator.Recipe.Index and
// the producer-rank tie-break the planner relies on.
package recipeconfig

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/db"
	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// Loader parses and bulk-loads the text recipe configuration into the
// Recipe DB.
type Loader struct {
	db *db.DB
}

// NewLoader creates a Loader bound to a database.
func NewLoader(database *db.DB) *Loader {
	return &Loader{db: database}
}

// LoadFromFile parses the recipe configuration at path and replaces the
// database's recipe set with it.
func (l *Loader) LoadFromFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening recipe configuration: %w", err)
	}
	defer func() { _ = f.Close() }()

	recipes, err := Parse(f)
	if err != nil {
		return 0, fmt.Errorf("parsing recipe configuration: %w", err)
	}

	store := db.NewRecipeStore(l.db)
	if err := store.ClearRecipes(ctx); err != nil {
		return 0, fmt.Errorf("clearing existing recipes: %w", err)
	}
	if err := store.BulkInsertRecipes(ctx, recipes); err != nil {
		return 0, fmt.Errorf("inserting recipes: %w", err)
	}

	if err := l.db.SetLoadMetadata(ctx, "recipes_loaded_at", time.Now().Format(time.RFC3339)); err != nil {
		return 0, fmt.Errorf("recording load metadata: %w", err)
	}
	if err := l.db.SetLoadMetadata(ctx, "recipe_count", strconv.Itoa(len(recipes))); err != nil {
		return 0, fmt.Errorf("recording load metadata: %w", err)
	}

	return len(recipes), nil
}

// Parse reads the stanza-based recipe format from r and returns the
// recipes in file order.
func Parse(r io.Reader) ([]coordinator.Recipe, error) {
	scanner := bufio.NewScanner(r)

	var recipes []coordinator.Recipe
	var cur *coordinator.Recipe
	lineNo := 0

	flush := func() error {
		if cur == nil {
			return nil
		}
		if len(cur.Outputs) == 0 {
			return fmt.Errorf("recipe %d: no outputs declared", cur.Index)
		}
		cur.BatchUnit = cur.Outputs[0].Amount
		recipes = append(recipes, *cur)
		cur = nil
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "station":
			if len(fields) != 2 {
				return nil, fmt.Errorf("line %d: malformed station directive", lineNo)
			}
			if cur == nil {
				cur = &coordinator.Recipe{Index: len(recipes)}
			}
			cur.Station = coordinator.Station(fields[1])
		case "in":
			if len(fields) != 3 {
				return nil, fmt.Errorf("line %d: malformed input line", lineNo)
			}
			if cur == nil {
				cur = &coordinator.Recipe{Index: len(recipes)}
			}
			amt, err := strconv.Atoi(fields[2])
			if err != nil || amt < 1 {
				return nil, fmt.Errorf("line %d: input amount must be a positive integer", lineNo)
			}
			cur.Inputs = append(cur.Inputs, coordinator.RecipeInput{
				Item:   coordinator.Normalize(fields[1]),
				Amount: amt,
			})
		case "out":
			if len(fields) != 3 {
				return nil, fmt.Errorf("line %d: malformed output line", lineNo)
			}
			if cur == nil {
				cur = &coordinator.Recipe{Index: len(recipes)}
			}
			amt, err := strconv.Atoi(fields[2])
			if err != nil || amt < 1 {
				return nil, fmt.Errorf("line %d: output amount must be a positive integer", lineNo)
			}
			cur.Outputs = append(cur.Outputs, coordinator.RecipeOutput{
				Item:   coordinator.Normalize(fields[1]),
				Amount: amt,
			})
		default:
			return nil, fmt.Errorf("line %d: unrecognized directive %q", lineNo, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading recipe configuration: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return recipes, nil
}
