package sync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/syncserver/internal/identity"
	"github.com/adred-codev/syncserver/internal/session"
	"github.com/adred-codev/syncserver/internal/store"
	"github.com/adred-codev/syncserver/internal/wire"
)

// fakeConn is an in-memory stand-in for the transport connection, capturing
// every frame sent to it for assertions.
type fakeConn struct {
	id string
	mu sync.Mutex
	out [][]byte
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) Deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, data)
	return true
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, data)
	return nil
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.out))
	copy(out, c.out)
	return out
}

func newTestHandler(t *testing.T, storeID string, auth identity.AuthRecord) (*Handler, *fakeConn, *session.Manager, store.EventStore) {
	t.Helper()

	conn := newFakeConn("test-conn")
	sessions := session.NewManager()
	es := store.NewMemStore()
	logger := zerolog.Nop()

	h := NewHandler(storeID, conn, sessions, es, auth, Config{PullChunkSize: 2, AdminSecret: "admin-secret"}, logger)
	require.NoError(t, h.Attach(context.Background()))

	return h, conn, sessions, es
}

func TestAttachInitializesHeadOnce(t *testing.T) {
	_, _, sessions, es := newTestHandler(t, "store-a", identity.AuthRecord{})
	assert.True(t, sessions.HeadInitialized("store-a"))
	assert.Equal(t, uint64(0), sessions.CurrentHead("store-a"))

	// A second attach to the same active store must keep the cached head
	// rather than re-reading it from the (still empty) store.
	sessions.SetHead("store-a", 5)
	h2 := NewHandler("store-a", newFakeConn("second-conn"), sessions, es, identity.AuthRecord{}, Config{}, zerolog.Nop())
	require.NoError(t, h2.Attach(context.Background()))
	assert.Equal(t, uint64(5), sessions.CurrentHead("store-a"))
}

func TestHandlePullOnEmptyStoreSendsEmptyBatch(t *testing.T) {
	h, conn, _, _ := newTestHandler(t, "store-a", identity.AuthRecord{})

	req := wire.PullReq{Tag: wire.TagPullReq, RequestID: "req-1"}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	h.HandleMessage(context.Background(), data)

	frames := conn.frames()
	require.Len(t, frames, 1)

	var res wire.PullRes
	require.NoError(t, json.Unmarshal(frames[0], &res))
	assert.Empty(t, res.Batch)
	assert.Equal(t, "req-1", res.RequestID.RequestID)
}

func TestHandlePushRejectsUnauthenticated(t *testing.T) {
	h, conn, _, _ := newTestHandler(t, "store-a", identity.AuthRecord{})

	req := wire.PushReq{
		Tag:       wire.TagPushReq,
		RequestID: "req-1",
		Batch: []wire.EventEncoded{
			{SeqNum: 1, ParentSeqNum: 0, Name: "created", Args: json.RawMessage(`{}`)},
		},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	h.HandleMessage(context.Background(), data)

	frames := conn.frames()
	require.Len(t, frames, 1)

	var errRes wire.Error
	require.NoError(t, json.Unmarshal(frames[0], &errRes))
	assert.Contains(t, errRes.Message, "Authentication required")
}

func TestHandlePushAcceptsValidParentAndBroadcasts(t *testing.T) {
	h, conn, sessions, es := newTestHandler(t, "store-a", identity.AuthRecord{Authenticated: true, UserID: "user-1"})

	other := newFakeConn("other-conn")
	sessions.Attach("store-a", other)

	req := wire.PushReq{
		Tag:       wire.TagPushReq,
		RequestID: "req-1",
		Batch: []wire.EventEncoded{
			{SeqNum: 1, ParentSeqNum: 0, Name: "created", Args: json.RawMessage(`{"x":1}`)},
		},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	h.HandleMessage(context.Background(), data)

	// Originator sees a PushAck, then the broadcast PullRes.
	originFrames := conn.frames()
	require.Len(t, originFrames, 2)

	var ack wire.PushAck
	require.NoError(t, json.Unmarshal(originFrames[0], &ack))
	assert.Equal(t, "req-1", ack.RequestID)

	var pushRes wire.PullRes
	require.NoError(t, json.Unmarshal(originFrames[1], &pushRes))
	assert.Equal(t, "push", pushRes.RequestID.Context)
	require.Len(t, pushRes.Batch, 1)
	assert.Equal(t, uint64(1), pushRes.Batch[0].EventEncoded.SeqNum)

	// The other subscriber only sees the broadcast, not the ack.
	otherFrames := other.frames()
	require.Len(t, otherFrames, 1)

	assert.Equal(t, uint64(1), sessions.CurrentHead("store-a"))

	events, err := es.GetEvents(context.Background(), "store-a", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "created", events[0].Name)
}

func TestHandlePushRejectsParentMismatch(t *testing.T) {
	h, conn, sessions, _ := newTestHandler(t, "store-a", identity.AuthRecord{Authenticated: true})

	req := wire.PushReq{
		Tag:       wire.TagPushReq,
		RequestID: "req-1",
		Batch: []wire.EventEncoded{
			{SeqNum: 1, ParentSeqNum: 5, Name: "created", Args: json.RawMessage(`{}`)},
		},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	h.HandleMessage(context.Background(), data)

	frames := conn.frames()
	require.Len(t, frames, 1)

	var errRes wire.Error
	require.NoError(t, json.Unmarshal(frames[0], &errRes))
	assert.Contains(t, errRes.Message, "Invalid parent event number")
	assert.Equal(t, uint64(0), sessions.CurrentHead("store-a"))
}

func TestHandlePing(t *testing.T) {
	h, conn, _, _ := newTestHandler(t, "store-a", identity.AuthRecord{})

	req := wire.Ping{Tag: wire.TagPing, RequestID: "ping-1"}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	h.HandleMessage(context.Background(), data)

	frames := conn.frames()
	require.Len(t, frames, 1)

	var pong wire.Pong
	require.NoError(t, json.Unmarshal(frames[0], &pong))
	assert.Equal(t, "ping-1", pong.RequestID)
}

func TestHandleAdminResetRequiresSecret(t *testing.T) {
	h, conn, _, _ := newTestHandler(t, "store-a", identity.AuthRecord{})

	req := wire.AdminResetRoomReq{Tag: wire.TagAdminResetRoomReq, RequestID: "r1", AdminSecret: "wrong"}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	h.HandleMessage(context.Background(), data)

	frames := conn.frames()
	require.Len(t, frames, 1)

	var errRes wire.Error
	require.NoError(t, json.Unmarshal(frames[0], &errRes))
	assert.Contains(t, errRes.Message, "admin authorization required")
}

func TestHandleAdminResetAndInfo(t *testing.T) {
	h, conn, sessions, _ := newTestHandler(t, "store-a", identity.AuthRecord{})
	sessions.SetHead("store-a", 42)

	resetReq := wire.AdminResetRoomReq{Tag: wire.TagAdminResetRoomReq, RequestID: "r1", AdminSecret: "admin-secret"}
	data, err := json.Marshal(resetReq)
	require.NoError(t, err)
	h.HandleMessage(context.Background(), data)

	assert.Equal(t, uint64(0), sessions.CurrentHead("store-a"))

	infoReq := wire.AdminInfoReq{Tag: wire.TagAdminInfoReq, RequestID: "r2", AdminSecret: "admin-secret"}
	data, err = json.Marshal(infoReq)
	require.NoError(t, err)
	h.HandleMessage(context.Background(), data)

	frames := conn.frames()
	require.Len(t, frames, 2)

	var infoRes wire.AdminInfoRes
	require.NoError(t, json.Unmarshal(frames[1], &infoRes))
	assert.Equal(t, "store-a", infoRes.Info.StoreID)
	assert.Equal(t, uint64(0), infoRes.Info.CurrentHead)
}

func TestHandlePullChunksLargeBatches(t *testing.T) {
	h, conn, sessions, es := newTestHandler(t, "store-a", identity.AuthRecord{Authenticated: true})

	for i := uint64(1); i <= 3; i++ {
		err := es.AppendEvents(context.Background(), "store-a", []store.Event{
			{SeqNum: i, ParentSeqNum: i - 1, Name: "e", Args: json.RawMessage(`{}`)},
		}, time.Now())
		require.NoError(t, err)
		sessions.SetHead("store-a", i)
	}

	req := wire.PullReq{Tag: wire.TagPullReq, RequestID: "req-1"}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	h.HandleMessage(context.Background(), data)

	frames := conn.frames()
	// PullChunkSize is 2: 3 events chunk into [2, 1].
	require.Len(t, frames, 2)

	var first wire.PullRes
	require.NoError(t, json.Unmarshal(frames[0], &first))
	assert.Len(t, first.Batch, 2)
	assert.Equal(t, 1, first.Remaining)

	var second wire.PullRes
	require.NoError(t, json.Unmarshal(frames[1], &second))
	assert.Len(t, second.Batch, 1)
	assert.Equal(t, 0, second.Remaining)
}
