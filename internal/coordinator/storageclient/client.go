// Package storageclient wraps the storage-facing half of the message
// catalog (spec.md §6: stor_discover, stor_item_list,
// stor_get_drone_item_list, stor_drone_item_list, stor_recipe_reserve,
// stor_recipe_start, stor_drone_extract, stor_drone_insert,
// stor_drone_item_diff) behind typed Go methods, so the scheduler and
// interface adapter never hand-build envelopes themselves.
package storageclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/message"
	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// Client talks to the storage peer over a message.Bus.
type Client struct {
	bus        *message.Bus
	storageAddr string
}

// New creates a Client bound to a known storage address, discovered once
// at startup via Discover.
func New(bus *message.Bus, storageAddr string) *Client {
	return &Client{bus: bus, storageAddr: storageAddr}
}

// Discover broadcasts stor_discover and waits for the first stor_item_list
// reply, returning the responding peer's address to bind future unicast
// calls to. This method makes a single attempt; cmd/coordinator calls it
// once and exits if it fails.
func Discover(ctx context.Context, bus *message.Bus, timeout time.Duration) (string, error) {
	results, err := bus.BroadcastAndGather(ctx, uuid.NewString(), "stor_discover", nil,
		func(h string) bool { return h == "stor_item_list" }, 1, timeout)
	if err != nil {
		return "", fmt.Errorf("storageclient: discover: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("storageclient: discover: no storage responded within %s", timeout)
	}
	return results[0].From, nil
}

// ItemList fetches the full storage snapshot.
func (c *Client) ItemList(ctx context.Context, timeout time.Duration) (coordinator.StorItemList, error) {
	reply, err := c.bus.Request(ctx, c.storageAddr, uuid.NewString(), "stor_get_drone_item_list", nil,
		func(h string) bool { return h == "stor_drone_item_list" }, timeout)
	if err != nil {
		return coordinator.StorItemList{}, fmt.Errorf("storageclient: item list: %w", err)
	}

	var list coordinator.StorItemList
	if err := message.DecodePayload(reply, &list); err != nil {
		return coordinator.StorItemList{}, err
	}
	return list, nil
}

// Reserve sends stor_recipe_reserve and waits for the storage peer's
// acknowledgement, surfaced to the caller as a stor_drone_item_diff whose
// Result distinguishes success from a ReservationConflict.
func (c *Client) Reserve(ctx context.Context, ticketID coordinator.TicketID, required map[coordinator.Item]int, timeout time.Duration) (coordinator.DiffResult, error) {
	payload := coordinator.StorRecipeReserve{
		TicketID:      ticketID.String(),
		RequiredItems: itemsToStrings(required),
	}
	reply, err := c.bus.Request(ctx, c.storageAddr, uuid.NewString(), "stor_recipe_reserve", payload,
		func(h string) bool { return h == "stor_drone_item_diff" }, timeout)
	if err != nil {
		return "", fmt.Errorf("storageclient: reserve: %w", err)
	}

	var diff coordinator.StorDroneItemDiff
	if err := message.DecodePayload(reply, &diff); err != nil {
		return "", err
	}
	return diff.Result, nil
}

// StartReservation converts a held reservation into an active draw.
func (c *Client) StartReservation(ctx context.Context, ticketID coordinator.TicketID, timeout time.Duration) error {
	_, err := c.bus.Request(ctx, c.storageAddr, uuid.NewString(), "stor_recipe_start",
		coordinator.StorRecipeStart{TicketID: ticketID.String()},
		func(h string) bool { return h == "stor_drone_item_diff" }, timeout)
	if err != nil {
		return fmt.Errorf("storageclient: start reservation: %w", err)
	}
	return nil
}

// Extract requests storage move a batch of inputs into a staging
// inventory.
func (c *Client) Extract(ctx context.Context, stagingIndex int, ticketID coordinator.TicketID, extractList map[coordinator.Item]int, timeout time.Duration) (coordinator.DiffResult, error) {
	payload := coordinator.StorDroneExtract{
		StagingIndex: stagingIndex,
		TicketID:     ticketID.String(),
		ExtractList:  itemsToStrings(extractList),
	}
	reply, err := c.bus.Request(ctx, c.storageAddr, uuid.NewString(), "stor_drone_extract", payload,
		func(h string) bool { return h == "stor_drone_item_diff" }, timeout)
	if err != nil {
		return "", fmt.Errorf("storageclient: extract: %w", err)
	}

	var diff coordinator.StorDroneItemDiff
	if err := message.DecodePayload(reply, &diff); err != nil {
		return "", err
	}
	return diff.Result, nil
}

// Insert pushes any staging residue back into storage.
func (c *Client) Insert(ctx context.Context, stagingIndex int, ticketID coordinator.TicketID, timeout time.Duration) (coordinator.DiffResult, error) {
	payload := coordinator.StorDroneInsert{StagingIndex: stagingIndex, TicketID: ticketID.String()}
	reply, err := c.bus.Request(ctx, c.storageAddr, uuid.NewString(), "stor_drone_insert", payload,
		func(h string) bool { return h == "stor_drone_item_diff" }, timeout)
	if err != nil {
		return "", fmt.Errorf("storageclient: insert: %w", err)
	}

	var diff coordinator.StorDroneItemDiff
	if err := message.DecodePayload(reply, &diff); err != nil {
		return "", err
	}
	return diff.Result, nil
}

func itemsToStrings(m map[coordinator.Item]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
