package server

import (
	"context"
	"errors"
	"time"

	"github.com/kataras/golog"
	"github.com/labstack/echo/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mohammad-safakhou/stockresearch/internal/jobs"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
)

const writeTimeout = 10 * time.Second

// Stream message types.
const (
	msgConnected    = "connected"
	msgCurrentState = "current_state"
	msgUpdate       = "update"
	msgHeartbeat    = "heartbeat"
	msgFinal        = "final"
	msgError        = "error"
)

type streamMessage struct {
	Type       string          `json:"type"`
	ResearchID string          `json:"research_id,omitempty"`
	Data       any             `json:"data,omitempty"`
	Status     research.Status `json:"status,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// finalMessage always carries result and error, null when unset.
type finalMessage struct {
	streamMessage
	Result *research.Result `json:"result"`
	Error  *string          `json:"error"`
}

// StreamHandler pushes job progress over a WebSocket: connected, the current
// snapshot, every later update, heartbeats while idle and a final message
// before closing.
type StreamHandler struct {
	Store     *jobs.Store
	Heartbeat time.Duration
	Logger    *golog.Logger
}

func (h *StreamHandler) Register(g *echo.Group) {
	g.GET("/:id/stream", h.stream)
}

func (h *StreamHandler) stream(c echo.Context) error {
	id := c.Param("id")
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.Logger.Warnf("stream %s: accept: %v", id, err)
		return nil
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	// Reads are discarded; ctx ends when the client goes away.
	ctx := conn.CloseRead(c.Request().Context())

	snap, sub, err := h.Store.Subscribe(id)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, jobs.ErrNotFound) {
			msg = "research not found: " + id
		}
		_ = h.write(ctx, conn, streamMessage{Type: msgError, ResearchID: id, Message: msg})
		conn.Close(websocket.StatusPolicyViolation, "research not found")
		return nil
	}
	defer sub.Close()

	if err := h.write(ctx, conn, streamMessage{Type: msgConnected, ResearchID: id}); err != nil {
		return nil
	}
	if err := h.write(ctx, conn, streamMessage{Type: msgCurrentState, ResearchID: id, Data: snap}); err != nil {
		return nil
	}
	if snap.Status.Terminal() {
		h.final(ctx, conn, snap)
		return nil
	}

	idle := time.NewTimer(h.Heartbeat)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Logger.Debugf("stream %s: client gone", id)
			return nil
		case <-idle.C:
			if err := h.write(ctx, conn, streamMessage{Type: msgHeartbeat, ResearchID: id}); err != nil {
				return nil
			}
		case ev, ok := <-sub.Events():
			if !ok {
				h.closed(ctx, conn, id, sub.Err())
				return nil
			}
			if ev.Type == jobs.EventFinal {
				job := snap
				if ev.Job != nil {
					job = *ev.Job
				} else if j, err := h.Store.Get(id); err == nil {
					job = j
				}
				h.final(ctx, conn, job)
				return nil
			}
			if err := h.write(ctx, conn, streamMessage{Type: msgUpdate, ResearchID: id, Data: ev}); err != nil {
				return nil
			}
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(h.Heartbeat)
	}
}

// closed handles a subscription that ended without a final event.
func (h *StreamHandler) closed(ctx context.Context, conn *websocket.Conn, id string, reason error) {
	if errors.Is(reason, jobs.ErrSlowSubscriber) {
		h.Logger.Warnf("stream %s: %v", id, reason)
		_ = h.write(ctx, conn, streamMessage{Type: msgError, ResearchID: id, Message: reason.Error()})
		conn.Close(websocket.StatusTryAgainLater, "subscriber dropped")
		return
	}
	// Evicted or detached; the latest snapshot still tells the client where it ended.
	if job, err := h.Store.Get(id); err == nil && job.Status.Terminal() {
		h.final(ctx, conn, job)
		return
	}
	_ = h.write(ctx, conn, streamMessage{Type: msgError, ResearchID: id, Message: "stream closed"})
	conn.Close(websocket.StatusGoingAway, "stream closed")
}

func (h *StreamHandler) final(ctx context.Context, conn *websocket.Conn, job research.Job) {
	msg := finalMessage{
		streamMessage: streamMessage{
			Type:       msgFinal,
			ResearchID: job.ID,
			Status:     job.Status,
			Data:       job,
			Timestamp:  time.Now().UTC(),
		},
		Result: job.Result,
	}
	if job.Error != "" {
		msg.Error = &job.Error
	}
	if err := h.send(ctx, conn, msg.Type, msg.ResearchID, msg); err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, string(job.Status))
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	msg.Timestamp = time.Now().UTC()
	return h.send(ctx, conn, msg.Type, msg.ResearchID, msg)
}

func (h *StreamHandler) send(ctx context.Context, conn *websocket.Conn, typ, id string, v any) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, v); err != nil {
		h.Logger.Debugf("stream %s: write %s: %v", id, typ, err)
		return err
	}
	return nil
}
