// Package planner implements the crafting dependency-graph solver: given a
// target item, an amount, and a storage snapshot, it produces an ordered
// sequence of batched recipe invocations plus a net requirements account.
//
// The solving algorithm is depth-first with ordered backtracking across
// multi-producer branches, modeled after the DFS-with-cycle-tracking and
// deterministic-tie-break style of the bill-of-materials resolver this
// package descends from, generalized to support recipe backtracking,
// recursive (self-referential) recipes, and partial-plan diagnostics.
package planner

import (
	"context"
	"errors"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// ErrNoRecipe names the no-producer condition. Neither Plan nor the Cache
// returns it: a cache miss is reported as a false ok value, and a missing
// producer is reported via Plan.MissingItems rather than failing
// synchronously.
var ErrNoRecipe = errors.New("planner: no recipe")

// RecipeSource is the read-mostly data the planner needs from the Recipe DB.
// Satisfied by internal/coordinator/db.RecipeStore and by the in-memory
// fake in this package's tests.
type RecipeSource interface {
	ProducersOf(ctx context.Context, item coordinator.Item) ([]int, error)
	GetRecipe(ctx context.Context, index int) (*coordinator.Recipe, error)
}

// worklist entry: a (item, amount) still to produce, with its eventually
// assigned recipe.
type entry struct {
	item      coordinator.Item
	amount    int
	recipeIdx int // -1 until assigned
}

const unassigned = -1

// state is the mutable solving state, snapshotted/restored across
// multi-producer backtracking attempts.
type state struct {
	required map[coordinator.Item]int
	missing  map[coordinator.Item]int
	worklist []entry
}

func newState() *state {
	return &state{
		required: make(map[coordinator.Item]int),
		missing:  make(map[coordinator.Item]int),
	}
}

func (s *state) clone() *state {
	cp := &state{
		required: make(map[coordinator.Item]int, len(s.required)),
		missing:  make(map[coordinator.Item]int, len(s.missing)),
		worklist: make([]entry, len(s.worklist)),
	}
	for k, v := range s.required {
		cp.required[k] = v
	}
	for k, v := range s.missing {
		cp.missing[k] = v
	}
	copy(cp.worklist, s.worklist)
	return cp
}

// Planner solves crafting plans against a RecipeSource and storage snapshot.
type Planner struct {
	recipes RecipeSource
	cache   *Cache
}

// New creates a Planner. cache may be nil to disable memoization.
func New(recipes RecipeSource, cache *Cache) *Planner {
	return &Planner{recipes: recipes, cache: cache}
}

// Cache memoizes Plan results keyed by (target, amount, snapshot digest),
// backed by an LRU so repeated identical planning requests (a common UI
// pattern: re-check the same recipe after a small storage change) avoid
// re-running the full backtracking solve.
type Cache struct {
	lru *lru.Cache[string, *coordinator.Plan]
}

// NewCache creates an LRU-backed plan cache holding up to size entries.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New[string, *coordinator.Plan](size)
	if err != nil {
		return nil, fmt.Errorf("planner: creating cache: %w", err)
	}
	return &Cache{lru: c}, nil
}

// Key builds the cache key for a planning request over a given snapshot
// digest (callers own producing a stable digest of the snapshot contents).
func Key(target coordinator.Item, amount int, snapshotDigest string) string {
	return fmt.Sprintf("%s|%d|%s", target, amount, snapshotDigest)
}

func (c *Cache) get(key string) (*coordinator.Plan, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *Cache) put(key string, plan *coordinator.Plan) {
	if c == nil {
		return
	}
	c.lru.Add(key, plan)
}

// Plan solves for target/amount against snapshot. snapshotDigest is an
// opaque caller-supplied fingerprint of snapshot's contents used only for
// cache keying; pass "" to disable memoization for this call.
func (p *Planner) Plan(ctx context.Context, target coordinator.Item, amount int, snapshot *coordinator.StorageSnapshot, snapshotDigest string) (*coordinator.Plan, error) {
	if amount < 0 {
		return nil, fmt.Errorf("planner: amount must be nonnegative, got %d", amount)
	}
	if amount == 0 {
		return &coordinator.Plan{
			Status:        coordinator.PlanOK,
			RequiredItems: map[coordinator.Item]int{},
		}, nil
	}

	var cacheKey string
	if snapshotDigest != "" {
		cacheKey = Key(target, amount, snapshotDigest)
		if cached, ok := p.cache.get(cacheKey); ok {
			return cached, nil
		}
	}

	st := newState()
	st.worklist = append(st.worklist, entry{item: target, amount: amount, recipeIdx: unassigned})

	if err := p.solve(ctx, st, snapshot, 0); err != nil {
		return nil, err
	}

	plan, err := p.emit(ctx, st)
	if err != nil {
		return nil, err
	}
	if cacheKey != "" {
		p.cache.put(cacheKey, plan)
	}
	return plan, nil
}

// solve advances the worklist starting at index i, mutating st in place.
// Multi-producer branches snapshot/restore st per spec.md §4.2 step 2.
func (p *Planner) solve(ctx context.Context, st *state, snapshot *coordinator.StorageSnapshot, i int) error {
	for i < len(st.worklist) {
		e := st.worklist[i]

		producers, err := p.recipes.ProducersOf(ctx, e.item)
		if err != nil {
			return fmt.Errorf("planner: querying producers of %s: %w", e.item, err)
		}

		if len(producers) == 0 {
			available := max0(snapshot.Total(e.item) - st.required[e.item])
			shortfall := e.amount - available
			if shortfall > 0 {
				st.missing[e.item] += shortfall
			}
			st.worklist[i].recipeIdx = unassigned
			i++
			continue
		}

		if len(producers) == 1 {
			if err := p.applyRecipe(ctx, st, snapshot, i, producers[0]); err != nil {
				return err
			}
			i++
			continue
		}

		// Multiple producers: try in order, snapshotting before each attempt.
		var firstAttempt *state
		solved := false
		for attemptIdx, recipeIdx := range producers {
			trial := st.clone()
			if err := p.applyRecipe(ctx, trial, snapshot, i, recipeIdx); err != nil {
				return err
			}
			if err := p.solve(ctx, trial, snapshot, i+1); err != nil {
				return err
			}

			if attemptIdx == 0 {
				firstAttempt = trial
			}

			if len(trial.missing) == 0 {
				*st = *trial
				solved = true
				break
			}
		}
		if !solved {
			*st = *firstAttempt
		}
		return nil // the recursive solve call above already drained the rest of the worklist
	}
	return nil
}

// applyRecipe assigns recipeIdx to worklist entry i, computes its
// multiplier, and updates required/worklist per spec.md §4.2 steps 3-5.
func (p *Planner) applyRecipe(ctx context.Context, st *state, snapshot *coordinator.StorageSnapshot, i int, recipeIdx int) error {
	recipe, err := p.recipes.GetRecipe(ctx, recipeIdx)
	if err != nil {
		return fmt.Errorf("planner: loading recipe %d: %w", recipeIdx, err)
	}
	if recipe == nil {
		return fmt.Errorf("planner: recipe %d not found in producer index", recipeIdx)
	}
	if len(recipe.Inputs) == 0 && len(recipe.Outputs) == 0 {
		return fmt.Errorf("planner: recipe %d has no inputs and no outputs", recipeIdx)
	}

	e := &st.worklist[i]
	e.recipeIdx = recipeIdx

	mult := int(math.Ceil(float64(e.amount) / float64(recipe.BatchUnit)))
	selfOutputs := make(map[coordinator.Item]bool)
	if recipe.IsRecursive() {
		mult = e.amount
		for _, out := range recipe.Outputs {
			selfOutputs[out.Item] = true
		}
	}

	for _, in := range recipe.Inputs {
		addAmount := mult * in.Amount
		available := max0(snapshot.Total(in.Item) - st.required[in.Item])

		// A recursive recipe's self-input is covered by its own output, so it
		// is neither queued again nor reported missing.
		if addAmount > available && !selfOutputs[in.Item] {
			producers, err := p.recipes.ProducersOf(ctx, in.Item)
			if err != nil {
				return fmt.Errorf("planner: querying producers of %s: %w", in.Item, err)
			}
			if len(producers) > 0 {
				st.worklist = append(st.worklist, entry{
					item:      in.Item,
					amount:    addAmount - available,
					recipeIdx: unassigned,
				})
			} else {
				st.missing[in.Item] += addAmount - available
			}
		}
		st.required[in.Item] += addAmount
	}

	for _, out := range recipe.Outputs {
		st.required[out.Item] -= mult * out.Amount
	}

	return nil
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// emit walks the worklist in reverse, grouping consecutive-in-reverse runs
// by recipe index into Plan steps and converting summed amounts into
// multipliers, per spec.md §4.2 step 7.
func (p *Planner) emit(ctx context.Context, st *state) (*coordinator.Plan, error) {
	plan := &coordinator.Plan{
		RequiredItems: st.required,
		MissingItems:  st.missing,
	}
	if len(st.missing) > 0 {
		plan.Status = coordinator.PlanMissing
	} else {
		plan.Status = coordinator.PlanOK
	}

	type group struct {
		item      coordinator.Item
		recipeIdx int
		sumAmount int
	}
	var groups []group
	for idx := len(st.worklist) - 1; idx >= 0; idx-- {
		e := st.worklist[idx]
		if e.recipeIdx == unassigned {
			continue
		}
		if n := len(groups); n > 0 && groups[n-1].recipeIdx == e.recipeIdx && groups[n-1].item == e.item {
			groups[n-1].sumAmount += e.amount
			continue
		}
		groups = append(groups, group{item: e.item, recipeIdx: e.recipeIdx, sumAmount: e.amount})
	}

	for _, g := range groups {
		recipe, err := p.recipes.GetRecipe(ctx, g.recipeIdx)
		if err != nil {
			return nil, fmt.Errorf("planner: loading recipe %d for emit: %w", g.recipeIdx, err)
		}

		mult := g.sumAmount
		if recipe != nil && !recipe.IsRecursive() {
			mult = int(math.Ceil(float64(g.sumAmount) / float64(recipe.BatchUnit)))
		}

		plan.SequenceItems = append(plan.SequenceItems, g.item)
		plan.SequenceRecipes = append(plan.SequenceRecipes, g.recipeIdx)
		plan.SequenceBatches = append(plan.SequenceBatches, mult)
	}

	return plan, nil
}
