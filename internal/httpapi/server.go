package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"arbor/internal/chat"
	"arbor/internal/conversation"
)

// Server is the thin HTTP adapter over the forest and the orchestrator.
type Server struct {
	forest *conversation.Forest
	orch   *chat.Orchestrator
	http   *http.Server
}

func NewServer(host string, port int, forest *conversation.Forest, orch *chat.Orchestrator) *Server {
	s := &Server{forest: forest, orch: orch}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/api/conversations", s.conversationsHandler())
	mux.HandleFunc("/api/conversations/", s.conversationDetailHandler())

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("http_listening")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
