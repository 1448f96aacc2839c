package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"arbor/internal/chat"
	"arbor/internal/conversation"
)

type nodeView struct {
	NodeID      string    `json:"node_id"`
	Title       string    `json:"title"`
	ParentID    string    `json:"parent_id,omitempty"`
	ContextType string    `json:"context_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Children    []string  `json:"children,omitempty"`
}

func viewOf(n *conversation.Node) nodeView {
	v := nodeView{
		NodeID:    n.ID(),
		Title:     n.Title(),
		ParentID:  n.ParentID(),
		CreatedAt: n.CreatedAt(),
		Children:  n.ChildIDs(),
	}
	if fu := n.FollowUp(); fu != nil {
		v.ContextType = fu.ContextType
	}
	return v
}

func setCORSHeaders(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode_response")
	}
}

// conversationsHandler serves GET (list roots) and POST (create root) on
// /api/conversations.
func (s *Server) conversationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w, "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		switch r.Method {
		case http.MethodGet:
			roots := s.forest.Roots()
			out := make([]nodeView, 0, len(roots))
			for _, n := range roots {
				out = append(out, viewOf(n))
			}
			writeJSON(w, http.StatusOK, out)
		case http.MethodPost:
			defer r.Body.Close()
			var body struct {
				Title string `json:"title"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			node := s.forest.CreateRoot(body.Title)
			writeJSON(w, http.StatusCreated, viewOf(node))
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// conversationDetailHandler routes /api/conversations/{id}[/{subresource}].
func (s *Server) conversationDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
		rest = strings.Trim(rest, "/")
		if rest == "" {
			http.NotFound(w, r)
			return
		}
		parts := strings.Split(rest, "/")
		id := parts[0]
		subresource := strings.Join(parts[1:], "/")

		switch subresource {
		case "":
			s.nodeHandler(w, r, id)
		case "subchats":
			s.subchatsHandler(w, r, id)
		case "messages":
			s.messagesHandler(w, r, id, false)
		case "messages/stream":
			s.messagesHandler(w, r, id, true)
		case "history":
			s.historyHandler(w, r, id)
		case "path":
			s.pathHandler(w, r, id)
		default:
			http.NotFound(w, r)
		}
	}
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request, id string) {
	setCORSHeaders(w, "GET, PATCH, DELETE, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	switch r.Method {
	case http.MethodGet:
		node, err := s.forest.Get(id)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(node))
	case http.MethodPatch:
		defer r.Body.Close()
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.Title) == "" {
			http.Error(w, "title required", http.StatusBadRequest)
			return
		}
		node, err := s.forest.Get(id)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		node.SetTitle(body.Title)
		writeJSON(w, http.StatusOK, viewOf(node))
	case http.MethodDelete:
		if err := s.forest.Delete(id); err != nil {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) subchatsHandler(w http.ResponseWriter, r *http.Request, parentID string) {
	setCORSHeaders(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var body struct {
		Title           string `json:"title"`
		SelectedText    string `json:"selected_text"`
		FollowUpContext string `json:"follow_up_context"`
		ContextType     string `json:"context_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var followUp *conversation.FollowUp
	if body.SelectedText != "" || body.FollowUpContext != "" {
		followUp = &conversation.FollowUp{
			SelectedText:    body.SelectedText,
			FollowUpContext: body.FollowUpContext,
			ContextType:     body.ContextType,
		}
	}
	node, err := s.forest.CreateChild(parentID, body.Title, followUp)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Error().Err(err).Str("parent_id", parentID).Msg("create_subchat")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(node))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request, id string) {
	setCORSHeaders(w, "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	node, err := s.forest.Get(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, node.Recent(0))
}

func (s *Server) pathHandler(w http.ResponseWriter, r *http.Request, id string) {
	setCORSHeaders(w, "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	titles, err := s.forest.PathTitles(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"titles": titles})
}

type messageRequest struct {
	Message    string `json:"message"`
	DisableRAG bool   `json:"disable_rag"`
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request, id string, streaming bool) {
	setCORSHeaders(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var body messageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if streaming {
		s.streamTurn(w, r, id, body)
		return
	}

	res, err := s.orch.Turn(r.Context(), id, body.Message, body.DisableRAG)
	if err != nil {
		writeTurnError(w, id, err)
		return
	}
	resp := map[string]any{"response": res.Response}
	if res.Title != "" {
		resp["conversation_title"] = res.Title
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeTurnError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	case errors.Is(err, conversation.ErrEmptyText), errors.Is(err, conversation.ErrInvalidRole):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, chat.ErrBusy):
		w.Header().Set("Retry-After", "2")
		http.Error(w, "busy, retry later", http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Str("node_id", id).Msg("turn_failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// streamTurn adapts the orchestrator's event sequence to server-sent events.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, id string, body messageRequest) {
	events, err := s.orch.StreamTurn(r.Context(), id, body.Message, body.DisableRAG)
	if err != nil {
		writeTurnError(w, id, err)
		return
	}

	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			// Client hung up; the request context cancellation unwinds the
			// turn. Keep draining so the producer can finish.
			continue
		}
		fl.Flush()
	}
}
