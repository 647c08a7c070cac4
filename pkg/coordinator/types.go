// Package coordinator contains the shared domain types for the crafting
// coordinator: recipes, plans, tickets, robot tasks, and the message
// catalog exchanged with storage, robots, and the interface.
package coordinator

import (
	"strings"

	"github.com/google/uuid"
)

// ============================================
// ITEM NAMES
// ============================================

// Item is an opaque, case-normalized item name of the form
// "<namespace>:<name>/<variant>[n]". Items are compared by equality only.
type Item string

// Normalize lowercases the item name and appends a default "/0" variant
// when none is present. Normalize is idempotent.
func Normalize(raw string) Item {
	s := strings.ToLower(strings.TrimSpace(raw))
	if !strings.Contains(s, "/") {
		s += "/0"
	}
	return Item(s)
}

// ============================================
// RECIPE TYPES
// ============================================

// Station names the crafting station type a recipe requires.
type Station string

const (
	StationCraftingTable Station = "crafting-table"
	StationProcessing    Station = "processing"
)

// RecipeInput is a single (item, amount) entry in a recipe's input list.
type RecipeInput struct {
	Item   Item
	Amount int
}

// RecipeOutput is a single (item, amount) entry in a recipe's output list.
type RecipeOutput struct {
	Item   Item
	Amount int
}

// Recipe describes one craftable transformation: a batch of inputs consumed
// to produce a batch of outputs at a station.
//
// Invariant: Outputs is non-empty; every Amount >= 1.
type Recipe struct {
	Index     int
	Inputs    []RecipeInput
	Outputs   []RecipeOutput
	Station   Station
	BatchUnit int // amount of the primary (first) output one invocation yields
}

// PrimaryOutput returns the recipe's first declared output, which defines
// BatchUnit.
func (r *Recipe) PrimaryOutput() RecipeOutput {
	if len(r.Outputs) == 0 {
		return RecipeOutput{}
	}
	return r.Outputs[0]
}

// IsRecursive reports whether this recipe's input set intersects its output
// set by item name.
func (r *Recipe) IsRecursive() bool {
	outs := make(map[Item]bool, len(r.Outputs))
	for _, o := range r.Outputs {
		outs[o.Item] = true
	}
	for _, in := range r.Inputs {
		if outs[in.Item] {
			return true
		}
	}
	return false
}

// ============================================
// PLAN TYPES
// ============================================

// PlanStatus is the outcome of a planning operation.
type PlanStatus string

const (
	PlanOK      PlanStatus = "ok"
	PlanMissing PlanStatus = "missing"
	PlanError   PlanStatus = "error"
)

// Plan is the planner's output: an ordered sequence of batched recipe
// invocations, a net requirements account, and (when incomplete) a
// missing-items report.
type Plan struct {
	Status PlanStatus

	SequenceItems   []Item
	SequenceRecipes []int
	SequenceBatches []int

	// RequiredItems is the net consumption account across the whole plan:
	// positive entries must be drawn from storage, negative entries are
	// surplus outputs left over. See SPEC_FULL.md Open Question (1) for the
	// resolved wire semantics.
	RequiredItems map[Item]int

	// MissingItems lists shortfalls with no known producing recipe.
	// Populated iff Status == PlanMissing.
	MissingItems map[Item]int
}

// PositiveRequirements projects RequiredItems down to the items that must
// actually be drawn from storage (the wire payload for stor_recipe_reserve).
func (p *Plan) PositiveRequirements() map[Item]int {
	out := make(map[Item]int, len(p.RequiredItems))
	for item, amt := range p.RequiredItems {
		if amt > 0 {
			out[item] = amt
		}
	}
	return out
}

// StepCount returns the number of grouped crafting steps in the plan.
func (p *Plan) StepCount() int {
	return len(p.SequenceItems)
}

// ============================================
// STORAGE VIEW TYPES
// ============================================

// StorageSnapshot is an immutable {item -> count} mapping captured at plan
// time, along with a producer index for the planner.
type StorageSnapshot struct {
	Counts    map[Item]int
	Producers map[Item][]int // item -> ordered recipe indices producing it
}

// Total returns the stored count of an item, defaulting to 0.
func (s *StorageSnapshot) Total(item Item) int {
	return s.Counts[item]
}

// ============================================
// TICKET & ROBOT TASK TYPES
// ============================================

// TicketID uniquely identifies a crafting ticket.
type TicketID uuid.UUID

// NewTicketID generates a fresh opaque ticket id.
func NewTicketID() TicketID { return TicketID(uuid.New()) }

// String renders the ticket id for logging and wire payloads.
func (t TicketID) String() string { return uuid.UUID(t).String() }

// ParseTicketID parses a wire-format ticket id string.
func ParseTicketID(s string) (TicketID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return TicketID{}, err
	}
	return TicketID(id), nil
}

// TaskID uniquely identifies a RobotTask.
type TaskID uuid.UUID

// NewTaskID generates a fresh opaque task id.
func NewTaskID() TaskID { return TaskID(uuid.New()) }

// String renders the task id for logging and wire payloads.
func (t TaskID) String() string { return uuid.UUID(t).String() }

// TicketState is the coordinator-side lifecycle state of a ticket.
type TicketState string

const (
	TicketPlanning       TicketState = "planning"
	TicketPendingConfirm TicketState = "pending_confirm"
	TicketReserved       TicketState = "reserved"
	TicketActive         TicketState = "active"
	TicketDraining       TicketState = "draining"
	TicketRetired        TicketState = "retired"
	TicketFailed         TicketState = "failed"
	TicketCancelled      TicketState = "cancelled"
)

// RobotTaskState is the lifecycle state of one dispatched craft invocation.
type RobotTaskState string

const (
	TaskPrepared   RobotTaskState = "prepared"
	TaskExtracting RobotTaskState = "extracting"
	TaskCrafting   RobotTaskState = "crafting"
	TaskDone       RobotTaskState = "done"
	TaskFailed     RobotTaskState = "failed"
)

// RobotTask is a single in-flight (recipeIndex, multiplier) invocation,
// occupying one staging inventory and one robot.
type RobotTask struct {
	TaskID          TaskID
	StepIndex       int
	RecipeIndex     int
	Multiplier      int
	StagingInvIndex int
	RobotID         string
	Side            int
	State           RobotTaskState
	ExtractFailures int
}

// Ticket is a live crafting request with its plan and execution state.
type Ticket struct {
	ID          TicketID
	State       TicketState
	Plan        *Plan
	Reservation map[Item]int
	Stored      map[Item]int
	Tasks       map[TaskID]*RobotTask
	NextStep    int // index into Plan.SequenceItems of the next step to start
	FailReason  string
	CreatedAt   int64 // unix nanos supplied by the caller; a wall-clock value, not monotonic
}

// NewTicket creates a ticket in the planning state for the given plan.
func NewTicket(id TicketID, plan *Plan, createdAt int64) *Ticket {
	return &Ticket{
		ID:          id,
		State:       TicketPlanning,
		Plan:        plan,
		Reservation: make(map[Item]int),
		Stored:      make(map[Item]int),
		Tasks:       make(map[TaskID]*RobotTask),
		CreatedAt:   createdAt,
	}
}

// ============================================
// TOPOLOGY TYPES
// ============================================

// Topology maps each staging inventory index to the robots that can reach
// it, and the side (0..5) the robot reaches it from.
type Topology struct {
	Stagings map[int]map[string]int // stagingIndex -> robotID -> side
}

// RobotsFor returns the robots (and sides) that can reach a staging
// inventory.
func (t *Topology) RobotsFor(stagingIndex int) map[string]int {
	return t.Stagings[stagingIndex]
}

// ============================================
// MESSAGE CATALOG (spec.md §6)
// ============================================

// StorItemList is the payload of stor_item_list: a full storage snapshot.
type StorItemList struct {
	Counts map[string]int `json:"counts"`
}

// StorDroneItemList is the payload of stor_drone_item_list.
type StorDroneItemList struct {
	PerStaging map[int]map[string]int `json:"per_staging"`
}

// StorRecipeReserve is the payload of stor_recipe_reserve.
type StorRecipeReserve struct {
	TicketID      string         `json:"ticket_id"`
	RequiredItems map[string]int `json:"required_items"`
}

// StorRecipeStart is the payload of stor_recipe_start.
type StorRecipeStart struct {
	TicketID string `json:"ticket_id"`
}

// StorDroneExtract is the payload of stor_drone_extract.
type StorDroneExtract struct {
	StagingIndex int            `json:"staging_index"`
	TicketID     string         `json:"ticket_id"`
	ExtractList  map[string]int `json:"extract_list"`
}

// StorDroneInsert is the payload of stor_drone_insert.
type StorDroneInsert struct {
	StagingIndex int    `json:"staging_index"`
	TicketID     string `json:"ticket_id"`
}

// DiffResult is the result code embedded in stor_drone_item_diff.
type DiffResult string

const (
	DiffOK      DiffResult = "ok"
	DiffMissing DiffResult = "missing"
	DiffError   DiffResult = "error"
)

// StorDroneItemDiff is the payload of stor_drone_item_diff.
type StorDroneItemDiff struct {
	TicketID       string         `json:"ticket_id"`
	Result         DiffResult     `json:"result"`
	PerStagingDiff map[string]int `json:"per_staging_diff"`
}

// CraftCheckRecipe is the payload of craft_check_recipe.
type CraftCheckRecipe struct {
	Item   string `json:"item"`
	Amount int    `json:"amount"`
}

// CraftRecipeConfirm is the payload of craft_recipe_confirm.
type CraftRecipeConfirm struct {
	TicketID     string         `json:"ticket_id,omitempty"`
	Missing      bool           `json:"missing"`
	Requirements map[string]int `json:"requirements"`
	MissingItems map[string]int `json:"missing_items,omitempty"`
	StepCount    int            `json:"step_count"`
	ETASeconds   int            `json:"eta_seconds,omitempty"`
}

// CraftRecipeError is the payload of craft_recipe_error.
type CraftRecipeError struct {
	Message string `json:"message"`
}

// CraftRecipeStart is the payload of craft_recipe_start.
type CraftRecipeStart struct {
	TicketID string `json:"ticket_id"`
}

// CraftRecipeCancel is the payload of craft_recipe_cancel.
type CraftRecipeCancel struct {
	TicketID string `json:"ticket_id"`
}

// CraftRecipeProgress is the payload of craft_recipe_progress.
type CraftRecipeProgress struct {
	TicketID     string         `json:"ticket_id"`
	State        string         `json:"state"`
	StoredDiff   map[string]int `json:"stored_diff"`
	StepsRetired int            `json:"steps_retired"`
	StepsTotal   int            `json:"steps_total"`
	HumanizedETA string         `json:"humanized_eta,omitempty"`
}

// RobotUpload is the payload of robot_upload.
type RobotUpload struct {
	LibName string `json:"lib_name"`
	Source  string `json:"source"`
}

// RobotPrepareCraft is the payload of robot_prepare_craft.
type RobotPrepareCraft struct {
	TaskID     string `json:"task_id"`
	RecipeIdx  int    `json:"recipe_index"`
	Multiplier int    `json:"multiplier"`
}

// RobotStartCraft is the payload of robot_start_craft.
type RobotStartCraft struct {
	TaskID string `json:"task_id"`
}

// RobotFinishedCraft is the payload of robot_finished_craft.
type RobotFinishedCraft struct {
	TaskID     string         `json:"task_id"`
	ItemsDelta map[string]int `json:"items_delta"`
}

// RobotScanAdjacent is the payload of robot_scan_adjacent.
type RobotScanAdjacent struct {
	Item   string `json:"item"`
	Amount int    `json:"amount"`
}

// RobotScanAdjacentResult is the payload of robot_scan_adjacent_result.
type RobotScanAdjacentResult struct {
	RobotID string `json:"robot_id"`
	Side    *int   `json:"side,omitempty"` // nil means "none"
}
