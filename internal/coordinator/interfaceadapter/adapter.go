// Package interfaceadapter translates between the wire message catalog's
// interface-facing headers (craft_check_recipe, craft_recipe_start,
// craft_recipe_cancel in; craft_recipe_confirm, craft_recipe_error,
// craft_recipe_progress out) and the scheduler's Go API. It owns no state
// of its own — the scheduler calls into it to parse and build payloads,
// keeping wire-format concerns out of the scheduler's tick loop.
package interfaceadapter

import (
	"fmt"

	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/message"
	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// CheckRecipeRequest is the parsed form of an inbound craft_check_recipe.
type CheckRecipeRequest struct {
	Item   coordinator.Item
	Amount int
}

// DecodeCheckRecipe parses a craft_check_recipe payload, rejecting
// malformed item names and nonpositive amounts synchronously
// (spec.md §7's ArgumentError class).
func DecodeCheckRecipe(msg message.Inbound) (CheckRecipeRequest, error) {
	var raw coordinator.CraftCheckRecipe
	if err := message.DecodePayload(msg, &raw); err != nil {
		return CheckRecipeRequest{}, err
	}
	if raw.Item == "" {
		return CheckRecipeRequest{}, fmt.Errorf("interfaceadapter: empty item name")
	}
	if raw.Amount <= 0 {
		return CheckRecipeRequest{}, fmt.Errorf("interfaceadapter: amount must be positive, got %d", raw.Amount)
	}
	return CheckRecipeRequest{Item: coordinator.Normalize(string(raw.Item)), Amount: raw.Amount}, nil
}

// DecodeTicketID parses the common {ticket_id} shape shared by
// craft_recipe_start and craft_recipe_cancel.
func DecodeTicketID(msg message.Inbound) (coordinator.TicketID, error) {
	var raw struct {
		TicketID string `json:"ticket_id"`
	}
	if err := message.DecodePayload(msg, &raw); err != nil {
		return coordinator.TicketID{}, err
	}
	id, err := coordinator.ParseTicketID(raw.TicketID)
	if err != nil {
		return coordinator.TicketID{}, fmt.Errorf("interfaceadapter: %w", err)
	}
	return id, nil
}

// BuildProgress constructs a craft_recipe_progress payload for a ticket,
// including the humanized-ETA and steps-retired supplement documented in
// SPEC_FULL.md's features-supplement section.
func BuildProgress(ticket *coordinator.Ticket, humanizedETA string) coordinator.CraftRecipeProgress {
	return coordinator.CraftRecipeProgress{
		TicketID:     ticket.ID.String(),
		State:        string(ticket.State),
		StoredDiff:   itemsToStrings(ticket.Stored),
		StepsRetired: ticket.NextStep,
		StepsTotal:   ticket.Plan.StepCount(),
		HumanizedETA: humanizedETA,
	}
}

func itemsToStrings(m map[coordinator.Item]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
