package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendReceive(t *testing.T) {
	a, err := New("127.0.0.1:0", "127.0.0.1:39999", 64)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	b, err := New("127.0.0.1:0", "127.0.0.1:39999", 64)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	require.NoError(t, a.Send(b.conn.LocalAddr().String(), "msg-1", "stor_item_list", map[string]int{"coal/0": 4}))

	msg, ok, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "stor_item_list", msg.Header)
}

func TestReceive_TimesOutWithNoMessage(t *testing.T) {
	b, err := New("127.0.0.1:0", "127.0.0.1:39999", 64)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, ok, err := b.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSend_DuplicateIDDeliveredOnce(t *testing.T) {
	a, err := New("127.0.0.1:0", "127.0.0.1:39999", 64)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	b, err := New("127.0.0.1:0", "127.0.0.1:39999", 64)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	dest := b.conn.LocalAddr().String()
	require.NoError(t, a.Send(dest, "dup-1", "robot_halt", nil))
	require.NoError(t, a.Send(dest, "dup-1", "robot_halt", nil))

	_, ok, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "duplicate message id should be suppressed")
}

func TestRequest_ReturnsMatchingReply(t *testing.T) {
	storage, err := New("127.0.0.1:0", "127.0.0.1:39999", 64)
	require.NoError(t, err)
	defer func() { _ = storage.Close() }()

	coordinator, err := New("127.0.0.1:0", "127.0.0.1:39999", 64)
	require.NoError(t, err)
	defer func() { _ = coordinator.Close() }()

	go func() {
		msg, ok, err := storage.Receive(context.Background(), time.Second)
		if err != nil || !ok {
			return
		}
		_ = storage.Send(msg.From, "reply-1", "stor_item_list", map[string]int{"coal/0": 1})
	}()

	reply, err := coordinator.Request(context.Background(), storage.conn.LocalAddr().String(), "req-1",
		"stor_get_drone_item_list", nil,
		func(h string) bool { return h == "stor_item_list" },
		time.Second)
	require.NoError(t, err)
	require.Equal(t, "stor_item_list", reply.Header)
}
