// Package scheduler is the Scheduler (spec.md §4.4, §5): a single-threaded
// cooperative dispatcher that advances every ticket's plan steps, enforces
// mutual exclusion over robots and staging inventories (V3, V4), and
// handles the timeout/failure transitions of §7.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/interfaceadapter"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/message"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/robotcoord"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/storageclient"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/storageview"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/ticketstore"
	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// Default timeouts per spec.md §5.
const (
	TConfirm = 30 * time.Second
	TExtract = 5 * time.Second
	TCraft   = 60 * time.Second

	maxExtractRetries = 3
)

// Planner is the subset of planner.Planner the scheduler needs.
type Planner interface {
	Plan(ctx context.Context, target coordinator.Item, amount int, snapshot *coordinator.StorageSnapshot, snapshotDigest string) (*coordinator.Plan, error)
}

// RecipeLookup is the subset of db.RecipeStore the scheduler needs to read
// back a recipe's inputs/outputs/station when dispatching a step.
type RecipeLookup interface {
	GetRecipe(ctx context.Context, index int) (*coordinator.Recipe, error)
}

// Scheduler owns the tick loop. It is not safe for concurrent use — only
// the goroutine that calls Tick may call its methods, matching spec.md §5's
// single-threaded cooperative model.
type Scheduler struct {
	bus       *message.Bus
	store     *ticketstore.Store
	planner   Planner
	recipes   RecipeLookup
	snapshots *storageview.Builder
	storage   *storageclient.Client
	robots    *robotcoord.Client
	topology  *coordinator.Topology
	logger    *slog.Logger

	freeStagings map[int]bool          // stagingIndex -> free
	busyRobots   map[string]bool       // robotID -> busy
	stagingOwner map[int]coordinator.TaskID
	robotOwner   map[string]coordinator.TaskID
}

// New constructs a Scheduler. topology and logger must be non-nil.
func New(bus *message.Bus, store *ticketstore.Store, planner Planner, recipes RecipeLookup, snapshots *storageview.Builder, storage *storageclient.Client, robots *robotcoord.Client, topo *coordinator.Topology, logger *slog.Logger) *Scheduler {
	free := make(map[int]bool, len(topo.Stagings))
	for idx := range topo.Stagings {
		free[idx] = true
	}

	return &Scheduler{
		bus:          bus,
		store:        store,
		planner:      planner,
		recipes:      recipes,
		snapshots:    snapshots,
		storage:      storage,
		robots:       robots,
		topology:     topo,
		logger:       logger,
		freeStagings: free,
		busyRobots:   make(map[string]bool),
		stagingOwner: make(map[int]coordinator.TaskID),
		robotOwner:   make(map[string]coordinator.TaskID),
	}
}

// CheckRecipe runs the planner for (item, amount) against a freshly fetched
// storage snapshot, registers a ticket in planning, and returns the
// craft_recipe_confirm payload (spec.md §4.4 planning -> pending_confirm).
func (s *Scheduler) CheckRecipe(ctx context.Context, item coordinator.Item, amount int, counts map[coordinator.Item]int) (coordinator.TicketID, coordinator.CraftRecipeConfirm, error) {
	snapshot, err := s.snapshots.Build(ctx, counts)
	if err != nil {
		return coordinator.TicketID{}, coordinator.CraftRecipeConfirm{}, fmt.Errorf("scheduler: building snapshot: %w", err)
	}

	plan, err := s.planner.Plan(ctx, item, amount, snapshot, storageview.Digest(snapshot))
	if err != nil {
		return coordinator.TicketID{}, coordinator.CraftRecipeConfirm{}, fmt.Errorf("scheduler: planning: %w", err)
	}

	ticketID := coordinator.NewTicketID()
	ticket := coordinator.NewTicket(ticketID, plan, time.Now().UnixNano())
	s.store.Put(ticket)

	confirm := coordinator.CraftRecipeConfirm{
		Requirements: itemsToStrings(plan.PositiveRequirements()),
		StepCount:    plan.StepCount(),
	}

	switch plan.Status {
	case coordinator.PlanMissing:
		confirm.Missing = true
		confirm.MissingItems = itemsToStrings(plan.MissingItems)
		_ = s.store.Transition(ticketID, coordinator.TicketPendingConfirm)
		// A missing plan fails immediately after the confirm is sent; kept
		// briefly for diagnostic retrieval (spec.md §4.4).
		_ = s.store.Transition(ticketID, coordinator.TicketFailed)
		ticket.FailReason = "plan incomplete: missing producer for required items"
	case coordinator.PlanOK:
		confirm.TicketID = ticketID.String()
		_ = s.store.Transition(ticketID, coordinator.TicketPendingConfirm)
		s.store.SetDeadline(ticketID, time.Now().Add(TConfirm), "T_confirm")
	default:
		return coordinator.TicketID{}, coordinator.CraftRecipeConfirm{}, fmt.Errorf("scheduler: plan %s returned internal error status", ticketID)
	}

	return ticketID, confirm, nil
}

// StartTicket handles craft_recipe_start: reserves inputs, converts the
// reservation into an active draw, and transitions the ticket to active.
func (s *Scheduler) StartTicket(ctx context.Context, id coordinator.TicketID) error {
	ticket, err := s.store.MustGet(id)
	if err != nil {
		return err
	}
	if ticket.State != coordinator.TicketPendingConfirm {
		return fmt.Errorf("scheduler: ticket %s not in pending_confirm (state=%s)", id, ticket.State)
	}

	required := ticket.Plan.PositiveRequirements()
	result, err := s.storage.Reserve(ctx, id, required, TExtract)
	if err != nil {
		return fmt.Errorf("scheduler: reserve request: %w", err)
	}
	if result != coordinator.DiffOK {
		s.failTicket(id, "reservation conflict: storage reported insufficient items")
		return nil
	}

	ticket.Reservation = required
	s.store.ClearDeadline(id)
	_ = s.store.Transition(id, coordinator.TicketReserved)

	if err := s.storage.StartReservation(ctx, id, TExtract); err != nil {
		s.failTicket(id, "failed to convert reservation to active draw")
		return nil
	}

	_ = s.store.Transition(id, coordinator.TicketActive)
	s.logger.Info("ticket active", "ticket_id", id.String(), "steps", ticket.Plan.StepCount())
	return nil
}

// CancelTicket handles craft_recipe_cancel: accepted in any state <= active.
func (s *Scheduler) CancelTicket(ctx context.Context, id coordinator.TicketID) error {
	ticket, err := s.store.MustGet(id)
	if err != nil {
		return err
	}
	if ticketstore.IsTerminal(ticket.State) || ticket.State == coordinator.TicketDraining {
		return fmt.Errorf("scheduler: ticket %s cannot be cancelled from state %s", id, ticket.State)
	}

	for _, task := range ticket.Tasks {
		s.releaseTask(task)
	}
	if err := s.robots.Halt(); err != nil {
		s.logger.Warn("halt broadcast failed during cancel", "error", err)
	}
	_ = s.store.Transition(id, coordinator.TicketCancelled)
	ticket.FailReason = "cancelled by interface"
	return nil
}

// Tick performs one iteration of the cooperative dispatch loop: pull at
// most one message, route it, then advance every active ticket, per
// spec.md §5.
func (s *Scheduler) Tick(ctx context.Context) error {
	msg, ok, err := s.bus.Receive(ctx, 50*time.Millisecond)
	if err != nil {
		return err
	}
	if ok {
		s.route(ctx, msg)
	}

	now := time.Now()
	for id, reason := range s.store.Expired(now) {
		s.onExpired(id, reason)
	}

	for _, ticket := range s.store.Active() {
		if ticket.State == coordinator.TicketActive {
			s.advance(ctx, ticket)
		}
	}
	return nil
}

func (s *Scheduler) route(ctx context.Context, msg message.Inbound) {
	switch msg.Header {
	case "stor_drone_item_diff":
		s.handleDroneDiff(ctx, msg)
	case "robot_finished_craft":
		s.handleFinishedCraft(ctx, msg)
	case "craft_check_recipe":
		s.handleCheckRecipe(ctx, msg)
	case "craft_recipe_start":
		s.handleStart(ctx, msg)
	case "craft_recipe_cancel":
		s.handleCancel(ctx, msg)
	default:
		s.logger.Debug("unhandled message", "header", msg.Header, "from", msg.From)
	}
}

func (s *Scheduler) onExpired(id coordinator.TicketID, reason string) {
	ticket, ok := s.store.Get(id)
	if !ok {
		return
	}
	switch reason {
	case "T_confirm":
		_ = s.store.Transition(id, coordinator.TicketCancelled)
		ticket.FailReason = "T_confirm elapsed before craft_recipe_start"
		s.logger.Info("ticket timed out waiting for start", "ticket_id", id.String())
	case "T_craft":
		s.failTicket(id, "T_craft elapsed waiting for robot_finished_craft")
	}
}

// advance attempts to start an active ticket's next plan step, in plan
// order, allocating a free robot/staging pair if one is available
// (spec.md §4.4, ordering guarantee (a)). It starts at most one step per
// ticket per call; later ready steps wait for later ticks.
func (s *Scheduler) advance(ctx context.Context, ticket *coordinator.Ticket) {
	if ticket.NextStep >= ticket.Plan.StepCount() {
		if allTasksDone(ticket) {
			s.retireTicket(ctx, ticket)
		} else {
			_ = s.store.Transition(ticket.ID, coordinator.TicketDraining)
		}
		return
	}

	stepIdx := ticket.NextStep
	item := ticket.Plan.SequenceItems[stepIdx]
	recipeIdx := ticket.Plan.SequenceRecipes[stepIdx]
	mult := ticket.Plan.SequenceBatches[stepIdx]

	recipe, err := s.recipes.GetRecipe(ctx, recipeIdx)
	if err != nil || recipe == nil {
		s.failTicket(ticket.ID, fmt.Sprintf("internal error loading recipe %d", recipeIdx))
		return
	}

	for _, in := range recipe.Inputs {
		if ticket.Stored[in.Item] < mult*in.Amount {
			return // dependencies not yet satisfied; try again next tick
		}
	}

	stagingIdx, robotID, side, ok := s.allocate()
	if !ok {
		return // no free resource pair this tick; deferred
	}

	taskID := coordinator.NewTaskID()
	s.freeStagings[stagingIdx] = false
	s.stagingOwner[stagingIdx] = taskID
	s.busyRobots[robotID] = true
	s.robotOwner[robotID] = taskID
	task := &coordinator.RobotTask{
		TaskID:          taskID,
		StepIndex:       stepIdx,
		RecipeIndex:     recipeIdx,
		Multiplier:      mult,
		StagingInvIndex: stagingIdx,
		RobotID:         robotID,
		Side:            side,
		State:           coordinator.TaskExtracting,
	}
	ticket.Tasks[taskID] = task

	extractList := make(map[coordinator.Item]int, len(recipe.Inputs))
	for _, in := range recipe.Inputs {
		extractList[in.Item] = mult * in.Amount
	}

	if _, err := s.storage.Extract(ctx, stagingIdx, ticket.ID, extractList, TExtract); err != nil {
		s.retryOrFailTask(ticket, task, "extract request failed")
		return
	}
	if err := s.robots.PrepareCraft(robotID, taskID, recipeIdx, mult); err != nil {
		s.retryOrFailTask(ticket, task, "prepare_craft dispatch failed")
		return
	}

	ticket.NextStep++
	s.logger.Info("dispatched craft step", "ticket_id", ticket.ID.String(), "item", string(item), "recipe", recipeIdx, "multiplier", mult)
}

func (s *Scheduler) allocate() (stagingIdx int, robotID string, side int, ok bool) {
	for idx, free := range s.freeStagings {
		if !free {
			continue
		}
		for robot, robotSide := range s.topology.RobotsFor(idx) {
			if s.busyRobots[robot] {
				continue
			}
			return idx, robot, robotSide, true
		}
	}
	return 0, "", 0, false
}

func (s *Scheduler) handleDroneDiff(ctx context.Context, msg message.Inbound) {
	var diff coordinator.StorDroneItemDiff
	if err := message.DecodePayload(msg, &diff); err != nil {
		s.logger.Warn("malformed stor_drone_item_diff", "error", err)
		return
	}
	ticketID, ticket, task := s.findTaskByTicketID(diff.TicketID)
	if ticket == nil || task == nil || task.State != coordinator.TaskExtracting {
		return
	}

	switch diff.Result {
	case coordinator.DiffOK:
		task.State = coordinator.TaskCrafting
		if err := s.robots.StartCraft(task.RobotID, task.TaskID); err != nil {
			s.retryOrFailTask(ticket, task, "start_craft dispatch failed")
			return
		}
		s.store.SetDeadline(ticketID, time.Now().Add(TCraft), "T_craft")
	default:
		s.retryOrFailTask(ticket, task, fmt.Sprintf("extract reported %s", diff.Result))
	}
}

func (s *Scheduler) retryOrFailTask(ticket *coordinator.Ticket, task *coordinator.RobotTask, reason string) {
	task.ExtractFailures++
	if task.ExtractFailures > maxExtractRetries {
		s.logger.Warn("step failed after retries, failing ticket", "ticket_id", ticket.ID.String(), "reason", reason)
		s.failTicket(ticket.ID, reason)
		return
	}
	s.logger.Info("step failed, will retry", "ticket_id", ticket.ID.String(), "attempt", task.ExtractFailures, "reason", reason)
	ticket.NextStep = task.StepIndex // retry this step next tick
	s.releaseTask(task)
	delete(ticket.Tasks, task.TaskID)
}

func (s *Scheduler) handleCheckRecipe(ctx context.Context, msg message.Inbound) {
	req, err := interfaceadapter.DecodeCheckRecipe(msg)
	if err != nil {
		s.sendError(msg.From, err.Error())
		return
	}

	counts, err := s.storage.ItemList(ctx, TExtract)
	if err != nil {
		s.sendError(msg.From, fmt.Sprintf("failed to fetch storage snapshot: %v", err))
		return
	}

	_, confirm, err := s.CheckRecipe(ctx, req.Item, req.Amount, stringsToItems(counts.Counts))
	if err != nil {
		s.sendError(msg.From, err.Error())
		return
	}
	if err := s.bus.Send(msg.From, uuid.NewString(), "craft_recipe_confirm", confirm); err != nil {
		s.logger.Warn("failed to send craft_recipe_confirm", "error", err)
	}
}

func (s *Scheduler) handleStart(ctx context.Context, msg message.Inbound) {
	id, err := interfaceadapter.DecodeTicketID(msg)
	if err != nil {
		s.sendError(msg.From, err.Error())
		return
	}
	if err := s.StartTicket(ctx, id); err != nil {
		s.sendError(msg.From, err.Error())
	}
}

func (s *Scheduler) handleCancel(ctx context.Context, msg message.Inbound) {
	id, err := interfaceadapter.DecodeTicketID(msg)
	if err != nil {
		s.sendError(msg.From, err.Error())
		return
	}
	if err := s.CancelTicket(ctx, id); err != nil {
		s.sendError(msg.From, err.Error())
	}
}

func (s *Scheduler) sendError(dest, message_ string) {
	if err := s.bus.Send(dest, uuid.NewString(), "craft_recipe_error", coordinator.CraftRecipeError{Message: message_}); err != nil {
		s.logger.Warn("failed to send craft_recipe_error", "error", err)
	}
}

func stringsToItems(m map[string]int) map[coordinator.Item]int {
	out := make(map[coordinator.Item]int, len(m))
	for k, v := range m {
		out[coordinator.Item(k)] = v
	}
	return out
}

func (s *Scheduler) handleFinishedCraft(ctx context.Context, msg message.Inbound) {
	var fin coordinator.RobotFinishedCraft
	if err := message.DecodePayload(msg, &fin); err != nil {
		s.logger.Warn("malformed robot_finished_craft", "error", err)
		return
	}

	for _, ticket := range s.store.Active() {
		task, ok := ticket.Tasks[taskIDFromString(fin.TaskID)]
		if !ok || task.State != coordinator.TaskCrafting {
			continue
		}

		for item, delta := range fin.ItemsDelta {
			ticket.Stored[coordinator.Item(item)] += delta
		}
		task.State = coordinator.TaskDone
		s.store.ClearDeadline(ticket.ID)
		s.releaseTask(task)

		s.logger.Info("craft step finished", "ticket_id", ticket.ID.String(), "task_id", task.TaskID.String(),
			"elapsed", humanize.Time(time.Unix(0, ticket.CreatedAt)))
		return
	}
}

func (s *Scheduler) retireTicket(ctx context.Context, ticket *coordinator.Ticket) {
	for _, task := range ticket.Tasks {
		if _, err := s.storage.Insert(ctx, task.StagingInvIndex, ticket.ID, TExtract); err != nil {
			s.logger.Warn("failed to insert staging residue on retire", "ticket_id", ticket.ID.String(), "error", err)
		}
	}
	_ = s.store.Transition(ticket.ID, coordinator.TicketRetired)
	s.logger.Info("ticket retired", "ticket_id", ticket.ID.String())
}

func (s *Scheduler) failTicket(id coordinator.TicketID, reason string) {
	ticket, ok := s.store.Get(id)
	if !ok {
		return
	}
	for _, task := range ticket.Tasks {
		s.releaseTask(task)
	}
	ticket.FailReason = reason
	_ = s.store.Transition(id, coordinator.TicketFailed)
	s.logger.Warn("ticket failed", "ticket_id", id.String(), "reason", reason)
}

func (s *Scheduler) releaseTask(task *coordinator.RobotTask) {
	s.freeStagings[task.StagingInvIndex] = true
	delete(s.stagingOwner, task.StagingInvIndex)
	s.busyRobots[task.RobotID] = false
	delete(s.robotOwner, task.RobotID)
}

func allTasksDone(ticket *coordinator.Ticket) bool {
	for _, task := range ticket.Tasks {
		if task.State != coordinator.TaskDone {
			return false
		}
	}
	return true
}

func (s *Scheduler) findTaskByTicketID(ticketID string) (coordinator.TicketID, *coordinator.Ticket, *coordinator.RobotTask) {
	for _, ticket := range s.store.Active() {
		if ticket.ID.String() != ticketID {
			continue
		}
		for _, task := range ticket.Tasks {
			if task.State == coordinator.TaskExtracting {
				return ticket.ID, ticket, task
			}
		}
		return ticket.ID, ticket, nil
	}
	return coordinator.TicketID{}, nil, nil
}

func taskIDFromString(s string) coordinator.TaskID {
	id, err := uuid.Parse(s)
	if err != nil {
		return coordinator.TaskID{}
	}
	return coordinator.TaskID(id)
}

func itemsToStrings(m map[coordinator.Item]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
