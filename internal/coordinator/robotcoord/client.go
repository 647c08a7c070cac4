// Package robotcoord wraps the robot-facing half of the message catalog
// (spec.md §6: robot_halt, robot_upload, robot_prepare_craft,
// robot_start_craft, robot_finished_craft, robot_scan_adjacent,
// robot_scan_adjacent_result) behind typed Go methods, shared by the
// scheduler (dispatching crafts) and the topology setup utility
// (broadcasting scan probes).
package robotcoord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/message"
	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// Client talks to robot peers over a message.Bus.
type Client struct {
	bus *message.Bus
}

// New creates a Client bound to a bus.
func New(bus *message.Bus) *Client {
	return &Client{bus: bus}
}

// Halt broadcasts an immediate stop to every robot.
func (c *Client) Halt() error {
	return c.bus.Broadcast(uuid.NewString(), "robot_halt", nil)
}

// Upload pushes a library of code to a specific robot during setup.
func (c *Client) Upload(robotAddr, libName, source string) error {
	payload := coordinator.RobotUpload{LibName: libName, Source: source}
	return c.bus.Send(robotAddr, uuid.NewString(), "robot_upload", payload)
}

// PrepareCraft tells a robot to pre-position for a task.
func (c *Client) PrepareCraft(robotAddr string, taskID coordinator.TaskID, recipeIdx, multiplier int) error {
	payload := coordinator.RobotPrepareCraft{
		TaskID:     taskID.String(),
		RecipeIdx:  recipeIdx,
		Multiplier: multiplier,
	}
	return c.bus.Send(robotAddr, uuid.NewString(), "robot_prepare_craft", payload)
}

// StartCraft tells a robot to begin the physical craft.
func (c *Client) StartCraft(robotAddr string, taskID coordinator.TaskID) error {
	return c.bus.Send(robotAddr, uuid.NewString(), "robot_start_craft",
		coordinator.RobotStartCraft{TaskID: taskID.String()})
}

// ScanAdjacentAndGather is the setup-only probe: broadcast a scan item/
// amount, collect one robot_scan_adjacent_result per known robot.
func (c *Client) ScanAdjacentAndGather(ctx context.Context, item string, amount, expectedRobots int, timeout time.Duration) ([]coordinator.RobotScanAdjacentResult, error) {
	payload := coordinator.RobotScanAdjacent{Item: item, Amount: amount}
	msgs, err := c.bus.BroadcastAndGather(ctx, uuid.NewString(), "robot_scan_adjacent", payload,
		func(h string) bool { return h == "robot_scan_adjacent_result" }, expectedRobots, timeout)
	if err != nil {
		return nil, fmt.Errorf("robotcoord: scan adjacent: %w", err)
	}

	results := make([]coordinator.RobotScanAdjacentResult, 0, len(msgs))
	for _, m := range msgs {
		var r coordinator.RobotScanAdjacentResult
		if err := message.DecodePayload(m, &r); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// AwaitFinishedCraft blocks on the bus's single suspension point until a
// robot_finished_craft for the given task arrives or timeout elapses.
// Per spec.md §5, only one receive call exists in the tick loop; this
// helper is for tests and the setup utility, which run outside that loop.
func (c *Client) AwaitFinishedCraft(ctx context.Context, taskID coordinator.TaskID, timeout time.Duration) (coordinator.RobotFinishedCraft, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return coordinator.RobotFinishedCraft{}, fmt.Errorf("robotcoord: timed out waiting for robot_finished_craft")
		}
		msg, ok, err := c.bus.Receive(ctx, remaining)
		if err != nil {
			return coordinator.RobotFinishedCraft{}, err
		}
		if !ok {
			return coordinator.RobotFinishedCraft{}, fmt.Errorf("robotcoord: timed out waiting for robot_finished_craft")
		}
		if msg.Header != "robot_finished_craft" {
			continue
		}
		var f coordinator.RobotFinishedCraft
		if err := message.DecodePayload(msg, &f); err != nil {
			return coordinator.RobotFinishedCraft{}, err
		}
		if f.TaskID != taskID.String() {
			continue
		}
		return f, nil
	}
}
