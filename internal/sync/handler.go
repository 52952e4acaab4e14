// Package sync implements the per-connection Sync Handler state machine:
// handshake authorization, PullReq/PushReq/Ping/Admin* dispatch, and the
// writer-lock-spanning push procedure.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/syncserver/internal/identity"
	"github.com/adred-codev/syncserver/internal/metrics"
	"github.com/adred-codev/syncserver/internal/session"
	"github.com/adred-codev/syncserver/internal/store"
	"github.com/adred-codev/syncserver/internal/wire"
)

// Conn is what the Sync Handler needs from the underlying transport
// connection: the ability to queue a direct reply (Send) and to be
// registered as a broadcast target (session.Subscriber).
type Conn interface {
	session.Subscriber
	Send(data []byte) error
}

// Config configures handler-wide, non-per-connection behavior.
type Config struct {
	AdminSecret   string
	PullChunkSize int
}

// Handler is the per-connection Sync Handler. It is constructed once per
// attached channel and is not safe for concurrent use by more than one
// reader goroutine — messages must be processed in order, single-threaded,
// per connection.
type Handler struct {
	storeID  string
	conn     Conn
	sessions *session.Manager
	store    store.EventStore
	auth     identity.AuthRecord
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewHandler constructs a Sync Handler for an already-verified connection.
func NewHandler(storeID string, conn Conn, sessions *session.Manager, es store.EventStore, auth identity.AuthRecord, cfg Config, logger zerolog.Logger) *Handler {
	if cfg.PullChunkSize <= 0 {
		cfg.PullChunkSize = 100
	}

	return &Handler{
		storeID:  storeID,
		conn:     conn,
		sessions: sessions,
		store:    es,
		auth:     auth,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Attach registers the connection with the Session Manager and, if the head
// cache for this store is not yet initialized, reads the authoritative head
// from the Event Store and populates it.
func (h *Handler) Attach(ctx context.Context) error {
	if err := h.store.EnsureStore(ctx, h.storeID); err != nil {
		return fmt.Errorf("sync: ensure store %q: %w", h.storeID, err)
	}

	h.sessions.Attach(h.storeID, h.conn)

	if !h.sessions.HeadInitialized(h.storeID) {
		head, err := h.store.GetHead(ctx, h.storeID)
		if err != nil {
			return fmt.Errorf("sync: initialize head for %q: %w", h.storeID, err)
		}
		h.sessions.InitializeHead(h.storeID, head)
	}

	metrics.ConnectionsActive.Inc()

	return nil
}

// Detach removes the connection from the Session Manager. Channel close
// from either side must trigger this exactly once.
func (h *Handler) Detach() {
	h.sessions.Detach(h.storeID, h.conn)
	metrics.ConnectionsActive.Dec()
}

// HandleMessage parses and dispatches a single inbound text frame.
func (h *Handler) HandleMessage(ctx context.Context, data []byte) {
	tag, requestID, err := wire.PeekTag(data)
	if err != nil {
		h.sendError("unknown", err.Error())
		return
	}

	switch tag {
	case wire.TagPullReq:
		h.handlePull(ctx, requestID, data)
	case wire.TagPushReq:
		h.handlePush(ctx, requestID, data)
	case wire.TagPing:
		h.handlePing(requestID, data)
	case wire.TagAdminResetRoomReq:
		h.handleAdminReset(ctx, requestID, data)
	case wire.TagAdminInfoReq:
		h.handleAdminInfo(ctx, requestID, data)
	default:
		h.logger.Info().Str("tag", tag).Str("store_id", h.storeID).Msg("ignoring unknown message tag")
	}
}

func (h *Handler) handlePull(ctx context.Context, requestID string, data []byte) {
	var req wire.PullReq
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(requestID, err.Error())
		return
	}

	metrics.PullRequestsTotal.Inc()

	events, err := h.store.GetEvents(ctx, h.storeID, req.Cursor)
	if err != nil {
		h.sendError(req.RequestID, err.Error())
		return
	}

	if len(events) == 0 {
		h.sendJSON(wire.PullRes{
			Tag:       wire.TagPullRes,
			Batch:     []wire.PullResBatchItem{},
			RequestID: wire.PullResRequestID{Context: "pull", RequestID: req.RequestID},
			Remaining: 0,
		})
		return
	}

	chunkSize := h.cfg.PullChunkSize
	for i := 0; i < len(events); i += chunkSize {
		end := i + chunkSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[i:end]
		remaining := len(events) - end

		batch := make([]wire.PullResBatchItem, len(chunk))
		for j, ev := range chunk {
			batch[j] = wire.PullResBatchItem{
				EventEncoded: toEventEncoded(ev.Event),
				Metadata:     metadataFor(ev.CreatedAt),
			}
		}

		h.sendJSON(wire.PullRes{
			Tag:       wire.TagPullRes,
			Batch:     batch,
			RequestID: wire.PullResRequestID{Context: "pull", RequestID: req.RequestID},
			Remaining: remaining,
		})
	}
}

func (h *Handler) handlePush(ctx context.Context, requestID string, data []byte) {
	var req wire.PushReq
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(requestID, err.Error())
		return
	}

	if !h.auth.Authenticated {
		h.sendError(req.RequestID, "Authentication required for push operations")
		return
	}

	if err := h.sessions.WithWriterLock(h.storeID, func() error {
		return h.doPush(ctx, req)
	}); err != nil {
		h.logger.Error().Err(err).Str("store_id", h.storeID).Str("request_id", req.RequestID).Msg("push failed")
	}
}

// doPush runs under the store's writer lock. The flow-control ack must not
// be reordered after the head update and broadcast that follow it.
func (h *Handler) doPush(ctx context.Context, req wire.PushReq) error {
	if len(req.Batch) == 0 {
		h.sendJSON(wire.PushAck{Tag: wire.TagPushAck, RequestID: req.RequestID})
		return nil
	}

	expected := h.sessions.CurrentHead(h.storeID)
	first := req.Batch[0]
	if first.ParentSeqNum != expected {
		metrics.PushRejectedTotal.WithLabelValues("parent_mismatch").Inc()
		h.sendError(req.RequestID, fmt.Sprintf(
			"Invalid parent event number. Received e%d but expected e%d", first.ParentSeqNum, expected))
		return nil
	}

	// Flow-control ack, sent before durable append completes. This is a
	// flow-control token, not a durability confirmation; durability is
	// confirmed by the broadcast PullRes below.
	h.sendJSON(wire.PushAck{Tag: wire.TagPushAck, RequestID: req.RequestID})

	batch := make([]store.Event, len(req.Batch))
	for i, e := range req.Batch {
		batch[i] = store.Event{
			SeqNum:       e.SeqNum,
			ParentSeqNum: e.ParentSeqNum,
			Name:         e.Name,
			Args:         e.Args,
			ClientID:     e.ClientID,
			SessionID:    e.SessionID,
		}
	}

	createdAt := h.now().UTC()

	// Once the ack above is sent, this push has committed to finishing the
	// durable append; it holds the store's writer lock and must not be
	// aborted by the connection's own context being canceled (client
	// disconnect or server shutdown) mid-transaction — only the store's own
	// bounded command timeout should be able to cut it short.
	appendCtx := context.WithoutCancel(ctx)

	if err := h.store.AppendEvents(appendCtx, h.storeID, batch, createdAt); err != nil {
		metrics.PushRejectedTotal.WithLabelValues("storage_fault").Inc()
		h.sendError(req.RequestID, err.Error())
		return err
	}

	last := req.Batch[len(req.Batch)-1]
	h.sessions.SetHead(h.storeID, last.SeqNum)
	metrics.PushRequestsTotal.Inc()

	items := make([]wire.PullResBatchItem, len(req.Batch))
	meta := wire.SomeMetadata(createdAt.Format(time.RFC3339Nano))
	for i, e := range req.Batch {
		items[i] = wire.PullResBatchItem{EventEncoded: e, Metadata: meta}
	}

	frame, err := json.Marshal(wire.PullRes{
		Tag:       wire.TagPullRes,
		Batch:     items,
		RequestID: wire.PullResRequestID{Context: "push", RequestID: req.RequestID},
		Remaining: 0,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("sync: failed to marshal push broadcast frame")
		return nil
	}

	// The originator also receives this frame — it's how every client,
	// including the writer, learns the authoritative created_at.
	h.sessions.Broadcast(h.storeID, frame, nil)

	return nil
}

func (h *Handler) handlePing(requestID string, data []byte) {
	var req wire.Ping
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(requestID, err.Error())
		return
	}

	h.sendJSON(wire.Pong{Tag: wire.TagPong, RequestID: req.RequestID})
}

func (h *Handler) handleAdminReset(ctx context.Context, requestID string, data []byte) {
	var req wire.AdminResetRoomReq
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(requestID, err.Error())
		return
	}

	if !h.authorizedAdmin(req.AdminSecret) {
		h.sendError(req.RequestID, "admin authorization required")
		return
	}

	if err := h.sessions.WithWriterLock(h.storeID, func() error {
		if err := h.store.ResetStore(ctx, h.storeID); err != nil {
			return err
		}
		h.sessions.SetHead(h.storeID, 0)
		return nil
	}); err != nil {
		h.sendError(req.RequestID, err.Error())
		return
	}

	h.sendJSON(wire.AdminResetRoomRes{Tag: wire.TagAdminResetRoomRes, RequestID: req.RequestID})
}

func (h *Handler) handleAdminInfo(ctx context.Context, requestID string, data []byte) {
	var req wire.AdminInfoReq
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(requestID, err.Error())
		return
	}

	if !h.authorizedAdmin(req.AdminSecret) {
		h.sendError(req.RequestID, "admin authorization required")
		return
	}

	head, err := h.store.GetHead(ctx, h.storeID)
	if err != nil {
		h.sendError(req.RequestID, err.Error())
		return
	}

	info := wire.AdminInfo{
		StoreID:           h.storeID,
		CurrentHead:       head,
		ActiveConnections: h.sessions.SubscriberCount(h.storeID),
		DurableObjectID:   fmt.Sprintf("go-sync-server-%s", h.storeID),
	}

	h.sendJSON(wire.AdminInfoRes{Tag: wire.TagAdminInfoRes, RequestID: req.RequestID, Info: info})
}

func (h *Handler) authorizedAdmin(secret string) bool {
	if h.auth.IsAdmin {
		return true
	}

	return h.cfg.AdminSecret != "" && secret == h.cfg.AdminSecret
}

func (h *Handler) sendError(requestID, message string) {
	h.sendJSON(wire.Error{Tag: wire.TagError, RequestID: requestID, Message: message})
}

func (h *Handler) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("sync: failed to marshal outbound frame")
		return
	}

	if err := h.conn.Send(data); err != nil {
		h.logger.Debug().Err(err).Str("store_id", h.storeID).Msg("sync: failed to queue outbound frame")
	}
}

func toEventEncoded(e store.Event) wire.EventEncoded {
	return wire.EventEncoded{
		SeqNum:       e.SeqNum,
		ParentSeqNum: e.ParentSeqNum,
		Name:         e.Name,
		Args:         e.Args,
		ClientID:     e.ClientID,
		SessionID:    e.SessionID,
	}
}

func metadataFor(createdAt time.Time) wire.OptionMetadata {
	if createdAt.IsZero() {
		return wire.NoneMetadata()
	}

	return wire.SomeMetadata(createdAt.UTC().Format(time.RFC3339Nano))
}
