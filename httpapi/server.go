// Package httpapi exposes the query and submit operations over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/chatview/chatview/chat"
	"github.com/chatview/chatview/ingest"
	"github.com/chatview/chatview/store"
)

type Server struct {
	chats *chat.Conversations
	ing   *ingest.Ingestor
}

func NewServer(chats *chat.Conversations, ing *ingest.Ingestor) *Server {
	return &Server{chats: chats, ing: ing}
}

// Register mounts the API routes on the given router.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/phones", s.handlePhones).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{phone}", s.handleConversation).Methods(http.MethodGet)
	r.HandleFunc("/send_message", s.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
}

func (s *Server) handlePhones(w http.ResponseWriter, r *http.Request) {
	phones, err := s.chats.Participants(r.Context())
	if err != nil {
		glog.Errorf("phones: %v", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if phones == nil {
		phones = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"phones": phones})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone"]

	recs, err := s.chats.Conversation(r.Context(), phone)
	if errors.Is(err, chat.ErrNoConversation) {
		writeError(w, http.StatusNotFound, "No conversation found for this number")
		return
	}
	if err != nil {
		glog.Errorf("conversation %s: %v", phone, err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Phone        string          `json:"phone"`
		Conversation []*store.Record `json:"conversation"`
	}{Phone: phone, Conversation: recs})
}

type sendMessageReq struct {
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	Message    string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.ing.Submit(r.Context(), req.FromNumber, req.ToNumber, req.Message)
	if errors.Is(err, ingest.ErrEmptyBody) {
		writeError(w, http.StatusBadRequest, "Message cannot be empty")
		return
	}
	if err != nil {
		glog.Errorf("send_message: %v", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status  string        `json:"status"`
		Message *store.Record `json:"message"`
	}{Status: "success", Message: rec})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
