package server

import (
	"net/http"

	"pipeviz/internal/gateway/handler"
	"pipeviz/internal/gateway/handler/rpc"
	"pipeviz/internal/gateway/middleware"
)

func NewMux(
	pipelineHandler *rpc.PipelineHandler,
	wsHandler *rpc.PipelineWSHandler,
	statusHandler *handler.StatusHandler,
	allowedOrigins ...string,
) http.Handler {
	mux := http.NewServeMux()

	// RPC Handlers
	mux.Handle(rpc.NewPipelineServiceHandler(pipelineHandler))

	// Push channel
	mux.HandleFunc("/ws", wsHandler.HandlePipelineWS)

	mux.HandleFunc("/api/status", statusHandler.HandleStatus)

	// Middleware
	return middleware.CORS(mux, allowedOrigins...)
}
