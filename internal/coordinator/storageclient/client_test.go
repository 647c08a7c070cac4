package storageclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/message"
	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

const bcastAddr = "127.0.0.1:39997"

func newBus(t *testing.T) *message.Bus {
	t.Helper()
	b, err := message.New("127.0.0.1:0", bcastAddr, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestDiscover_ReturnsFirstResponder(t *testing.T) {
	storage, err := message.New(bcastAddr, bcastAddr, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	coord := newBus(t)

	go func() {
		msg, ok, err := storage.Receive(context.Background(), time.Second)
		if err != nil || !ok {
			return
		}
		_ = storage.Send(msg.From, "reply-1", "stor_item_list", coordinator.StorItemList{Counts: map[string]int{"coal/0": 2}})
	}()

	addr, err := Discover(context.Background(), coord, time.Second)
	require.NoError(t, err)
	require.Equal(t, storage.LocalAddr(), addr)
}

func TestItemList_DecodesSnapshot(t *testing.T) {
	storage := newBus(t)
	coord := newBus(t)

	go func() {
		msg, ok, err := storage.Receive(context.Background(), time.Second)
		if err != nil || !ok {
			return
		}
		_ = storage.Send(msg.From, "reply-1", "stor_drone_item_list", coordinator.StorItemList{Counts: map[string]int{"coal/0": 7}})
	}()

	c := New(coord, storage.LocalAddr())
	list, err := c.ItemList(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 7, list.Counts["coal/0"])
}

func TestReserve_ReturnsDiffResult(t *testing.T) {
	storage := newBus(t)
	coord := newBus(t)

	go func() {
		msg, ok, err := storage.Receive(context.Background(), time.Second)
		if err != nil || !ok {
			return
		}
		_ = storage.Send(msg.From, "reply-1", "stor_drone_item_diff", coordinator.StorDroneItemDiff{Result: coordinator.DiffOK})
	}()

	c := New(coord, storage.LocalAddr())
	result, err := c.Reserve(context.Background(), coordinator.NewTicketID(), map[coordinator.Item]int{"coal/0": 1}, time.Second)
	require.NoError(t, err)
	require.Equal(t, coordinator.DiffOK, result)
}

func TestExtract_SurfacesMissingResult(t *testing.T) {
	storage := newBus(t)
	coord := newBus(t)

	go func() {
		msg, ok, err := storage.Receive(context.Background(), time.Second)
		if err != nil || !ok {
			return
		}
		_ = storage.Send(msg.From, "reply-1", "stor_drone_item_diff", coordinator.StorDroneItemDiff{Result: coordinator.DiffMissing})
	}()

	c := New(coord, storage.LocalAddr())
	result, err := c.Extract(context.Background(), 0, coordinator.NewTicketID(), map[coordinator.Item]int{"coal/0": 1}, time.Second)
	require.NoError(t, err)
	require.Equal(t, coordinator.DiffMissing, result)
}

func TestReserve_TimesOutWithNoStorage(t *testing.T) {
	coord := newBus(t)
	c := New(coord, "127.0.0.1:1")
	_, err := c.Reserve(context.Background(), coordinator.NewTicketID(), nil, 100*time.Millisecond)
	require.Error(t, err)
}
