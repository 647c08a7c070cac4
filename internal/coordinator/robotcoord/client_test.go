package robotcoord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/message"
	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

const bcastAddr = "127.0.0.1:39996"

func newBus(t *testing.T) *message.Bus {
	t.Helper()
	b, err := message.New("127.0.0.1:0", bcastAddr, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestHalt_Broadcasts(t *testing.T) {
	coord := newBus(t)
	robot, err := message.New(bcastAddr, bcastAddr, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = robot.Close() })

	c := New(coord)
	require.NoError(t, c.Halt())

	msg, ok, err := robot.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "robot_halt", msg.Header)
}

func TestPrepareCraft_SendsTypedPayload(t *testing.T) {
	coord := newBus(t)
	robot := newBus(t)

	c := New(coord)
	taskID := coordinator.NewTaskID()
	require.NoError(t, c.PrepareCraft(robot.LocalAddr(), taskID, 3, 4))

	msg, ok, err := robot.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "robot_prepare_craft", msg.Header)

	var payload coordinator.RobotPrepareCraft
	require.NoError(t, message.DecodePayload(msg, &payload))
	require.Equal(t, taskID.String(), payload.TaskID)
	require.Equal(t, 3, payload.RecipeIdx)
	require.Equal(t, 4, payload.Multiplier)
}

func TestScanAdjacentAndGather_CollectsResults(t *testing.T) {
	coord := newBus(t)
	robotA := newBus(t)
	robotB := newBus(t)

	respond := func(b *message.Bus, side int) {
		msg, ok, err := b.Receive(context.Background(), time.Second)
		if err != nil || !ok {
			return
		}
		_ = b.Send(msg.From, "result-"+b.LocalAddr(), "robot_scan_adjacent_result",
			coordinator.RobotScanAdjacentResult{RobotID: b.LocalAddr(), Side: &side})
	}
	go respond(robotA, 1)
	go respond(robotB, 2)

	c := New(coord)
	results, err := c.ScanAdjacentAndGather(context.Background(), "coal/0", 1, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestAwaitFinishedCraft_FiltersByTaskID(t *testing.T) {
	coord := newBus(t)
	robot := newBus(t)

	wantTask := coordinator.NewTaskID()
	otherTask := coordinator.NewTaskID()

	go func() {
		_ = robot.Send(coord.LocalAddr(), "fin-1", "robot_finished_craft",
			coordinator.RobotFinishedCraft{TaskID: otherTask.String()})
		_ = robot.Send(coord.LocalAddr(), "fin-2", "robot_finished_craft",
			coordinator.RobotFinishedCraft{TaskID: wantTask.String(), ItemsDelta: map[string]int{"torch/0": 4}})
	}()

	c := New(coord)
	fin, err := c.AwaitFinishedCraft(context.Background(), wantTask, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, wantTask.String(), fin.TaskID)
	require.Equal(t, 4, fin.ItemsDelta["torch/0"])
}
