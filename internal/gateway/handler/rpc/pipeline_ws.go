package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"pipeviz/internal/eventbus"
	"pipeviz/internal/logging"
	"pipeviz/internal/notify"
	"pipeviz/internal/pipeline"
)

// PipelineWSHandler streams pipeline state to websocket clients and accepts
// requests on the same connection.
type PipelineWSHandler struct {
	reg    *pipeline.Registry
	bus    *eventbus.Bus[pipeline.Event]
	exec   notify.Executor
	logger *slog.Logger
}

func NewPipelineWSHandler(reg *pipeline.Registry, bus *eventbus.Bus[pipeline.Event], exec notify.Executor, logger *slog.Logger) *PipelineWSHandler {
	return &PipelineWSHandler{
		reg:    reg,
		bus:    bus,
		exec:   exec,
		logger: logging.OrDiscard(logger).With("component", "pipeline_ws"),
	}
}

const (
	pipelineWSWriteWait = 10 * time.Second
	pipelineWSPongWait  = 60 * time.Second
	pipelineWSPingEvery = (pipelineWSPongWait * 9) / 10
	pipelineWSQueueSize = 32
)

var pipelineWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandlePipelineWS serves /ws. With ?pipeline_id= the connection starts
// subscribed to that pipeline, otherwise to the pipeline list.
func (h *PipelineWSHandler) HandlePipelineWS(w http.ResponseWriter, r *http.Request) {
	pipelineID := strings.TrimSpace(r.URL.Query().Get("pipeline_id"))
	if pipelineID != "" {
		if _, err := h.reg.Get(pipelineID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}

	conn, err := pipelineWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(pipelineWSPongWait)); err != nil {
		h.logger.Warn("set read deadline failed", "err", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pipelineWSPongWait))
	})

	writeCh := make(chan notify.Message, pipelineWSQueueSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ticker := time.NewTicker(pipelineWSPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// Unblocks the read loop when the server shuts down.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(pipelineWSWriteWait))
				_ = conn.Close()
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(pipelineWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(pipelineWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// A full queue blocks the sender; the bus then drops the subscription
	// and the session resyncs from a snapshot instead of losing events.
	send := func(sendCtx context.Context, msg notify.Message) error {
		select {
		case writeCh <- msg:
			return nil
		case <-sendCtx.Done():
			return sendCtx.Err()
		case <-writerDone:
			return websocket.ErrCloseSent
		}
	}

	session := notify.NewSession(ctx, h.reg, h.bus, send,
		notify.WithExecutor(h.exec),
		notify.WithSessionLogger(h.logger),
	)
	defer session.Close()

	if pipelineID != "" {
		err = session.SubscribePipeline(pipelineID)
	} else {
		err = session.SubscribeAll()
	}
	if err != nil {
		_ = send(ctx, notify.Message{Type: notify.TypeError, Code: notify.ErrorCode(err), Message: err.Error()})
		cancel()
		<-writerDone
		return
	}
	h.logger.Debug("client connected", "remote", r.RemoteAddr, "pipeline_id", pipelineID)

	for {
		var in notify.Request
		if err := conn.ReadJSON(&in); err != nil {
			h.logger.Debug("client disconnected", "remote", r.RemoteAddr, "err", err)
			cancel()
			session.Close()
			<-writerDone
			return
		}
		session.Handle(ctx, in)
	}
}
