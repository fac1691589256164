package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gimmicks/leadpipe/internal/models"
)

// conversationsHandler lists conversations (GET) or deletes one and its
// history (DELETE ?phone=).
func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		convs, err := s.st.ListConversations()
		if err != nil {
			slog.Error("Server.conversationsHandler: list failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(convs))

	case http.MethodDelete:
		phone := r.URL.Query().Get("phone")
		if phone == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: phone"))
			return
		}
		if err := s.st.DeleteConversation(phone); err != nil {
			slog.Error("Server.conversationsHandler: delete failed", "error", err, "phone", phone)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete conversation"))
			return
		}
		slog.Info("Server.conversationsHandler: conversation deleted", "phone", phone)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation deleted", nil))

	default:
		w.Header().Set("Allow", "GET, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// messagesHandler returns the message log for a conversation.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: phone"))
		return
	}
	msgs, err := s.st.GetMessages(phone)
	if err != nil {
		slog.Error("Server.messagesHandler: load failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// starRequest is the body for star/unstar operations.
type starRequest struct {
	PhoneNumber string `json:"phone_number"`
	Starred     bool   `json:"starred"`
}

// starHandler stars or unstars a conversation.
func (s *Server) starHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req starRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PhoneNumber == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: phone_number"))
		return
	}
	if err := s.st.SetConversationStarred(req.PhoneNumber, req.Starred); err != nil {
		slog.Error("Server.starHandler: update failed", "error", err, "phone", req.PhoneNumber)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation updated", nil))
}

// clearRequest is the body for history clearing.
type clearRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// clearHandler wipes a conversation's message log but keeps the conversation.
func (s *Server) clearHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PhoneNumber == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: phone_number"))
		return
	}
	if err := s.st.ClearMessages(req.PhoneNumber); err != nil {
		slog.Error("Server.clearHandler: clear failed", "error", err, "phone", req.PhoneNumber)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clear messages"))
		return
	}
	slog.Info("Server.clearHandler: messages cleared", "phone", req.PhoneNumber)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Messages cleared", nil))
}
