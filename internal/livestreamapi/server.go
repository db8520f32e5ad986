// Package livestreamapi exposes a live stream over HTTP: stats, server-sent
// value streams, a websocket RPC probe and Prometheus metrics.
package livestreamapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"LiveWire-Runtime/internal/core/address"
	"LiveWire-Runtime/internal/livestream"
	"LiveWire-Runtime/internal/port"
	"LiveWire-Runtime/internal/rpc"
)

// ProbeChannel is the sub-channel the probe service listens on inside a
// websocket port.
const ProbeChannel = "probe"

var ErrNoReceiver = errors.New("no receiver in this process")

type Server struct {
	broadcaster *livestream.Broadcaster
	receiver    *livestream.Receiver
	log         *zap.Logger
	upgrader    websocket.Upgrader
}

// NewServer serves whichever sides run in this process; either may be nil.
func NewServer(b *livestream.Broadcaster, r *livestream.Receiver, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		broadcaster: b,
		receiver:    r,
		log:         log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/livestream/stats", s.handleStats)
	mux.HandleFunc("/api/livestream/stream/", s.handleStream)
	mux.HandleFunc("/api/livestream/rpc", s.handleRPC)
	mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out := map[string]any{}
	if s.broadcaster != nil {
		out["broadcaster"] = s.broadcaster.Stats()
	}
	if s.receiver != nil {
		out["receiver"] = s.receiver.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/livestream/stream/")
	kindName, rawAddr, ok := strings.Cut(strings.Trim(trimmed, "/"), "/")
	if !ok || kindName == "" || rawAddr == "" {
		writeError(w, http.StatusNotFound, "expected /api/livestream/stream/{kind}/{address}")
		return
	}
	kind, err := livestream.ParsePackageType(kindName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := address.Parse(rawAddr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, cancel, err := s.tap(kind, addr)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case v := <-ch:
			b, err := json.Marshal(v)
			if err != nil {
				s.log.Warn("encode stream value", zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleRPC turns the websocket into a port and serves the probe service on
// its ProbeChannel until the peer goes away.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	link := port.NewWebSocketLink(conn, s.log)
	messenger, err := port.Wrap(link)
	if err != nil {
		_ = link.Close()
		return
	}
	probe := messenger.Channel(ProbeChannel)
	executor := rpc.NewExecutor(probe, s.probeHandlers(), rpc.WithLogger(s.log))
	s.log.Info("probe connected", zap.String("remote", r.RemoteAddr))

	select {
	case <-link.Done():
	case <-r.Context().Done():
	}
	_ = executor.Close()
	_ = probe.Close()
	_ = messenger.Close()
	_ = link.Close()
	s.log.Info("probe disconnected", zap.String("remote", r.RemoteAddr))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
