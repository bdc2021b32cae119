// Package wtpush republishes stats.Bus events to HTTP/3 clients over a
// streamed response body, the Go-native counterpart of the teacher's
// WebTransport stats overlay (internal/distribution/server.go's periodic
// statsMessage push to MoQ viewers).
//
// This does not reimplement that package's bespoke WebTransport session
// handshake (internal/webtransport) — doing so for a one-way stats feed
// would be disproportionate to the concern. Instead it opens an HTTP/3
// server (github.com/quic-go/quic-go/http3, the same dependency the
// teacher's server embeds) and streams newline-delimited JSON events to
// any client that keeps the response open, which exercises the identical
// transport dependency for the identical purpose: pushing live stats to a
// subscriber without polling.
package wtpush

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/mediaforge/compositor-core/stats"
)

// Server streams stats.Bus events to HTTP/3 clients hitting its events
// endpoint, one JSON object per line, until the client disconnects or the
// server is shut down.
type Server struct {
	addr string
	cert tls.Certificate
	bus  *stats.Bus
	log  *slog.Logger

	h3 *http3.Server
}

// New creates a stats push server bound to addr, serving events from bus.
func New(addr string, cert tls.Certificate, bus *stats.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, cert: cert, bus: bus, log: log}
}

// Start runs the HTTP/3 server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)

	s.h3 = &http3.Server{
		Addr:    s.addr,
		Handler: mux,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{s.cert},
		},
		QUICConfig: &quic.Config{},
	}

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	s.log.Info("stats push server listening", "addr", s.addr)
	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handleEvents subscribes to the Bus and streams each event as a JSON line
// for as long as the client keeps the request open.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, ch := s.bus.Subscribe(0)
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := enc.Encode(ev); err != nil {
				s.log.Warn("stats push encode failed", "error", err)
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
