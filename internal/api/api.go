// Package api exposes the admin HTTP surface: conversations, leads, quotes,
// automation rules, the product catalog, and manual sends.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gimmicks/leadpipe/internal/messaging"
	"github.com/gimmicks/leadpipe/internal/models"
	"github.com/gimmicks/leadpipe/internal/store"
)

// DefaultAddr is the default listen address for the admin API.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a functional option for server configuration.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		if addr != "" {
			o.Addr = addr
		}
	}
}

// Server serves the admin API over a store and a messaging transport.
type Server struct {
	st         store.Store
	msgService messaging.Service
	addr       string
	httpServer *http.Server
}

// NewServer creates an admin API server.
func NewServer(st store.Store, msgService messaging.Service, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{st: st, msgService: msgService, addr: o.Addr}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/send", s.sendHandler)
	mux.HandleFunc("/conversations", s.conversationsHandler)
	mux.HandleFunc("/conversations/messages", s.messagesHandler)
	mux.HandleFunc("/conversations/star", s.starHandler)
	mux.HandleFunc("/conversations/clear", s.clearHandler)
	mux.HandleFunc("/leads", s.leadsHandler)
	mux.HandleFunc("/quotes", s.quotesHandler)
	mux.HandleFunc("/rules", s.rulesHandler)
	mux.HandleFunc("/products", s.productsHandler)

	// Twilio transports push inbound messages over this webhook.
	if twilioSvc, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", twilioSvc.WebhookHandler)
	}
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server.Run: admin API listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "ok"}))
}

// sendRequest is the body for manual agent sends.
type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// sendHandler lets a human agent push a message into a conversation. The
// message is recorded in the conversation log like any bot reply.
func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}

	canonicalTo, err := s.msgService.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		slog.Warn("Server.sendHandler: recipient validation failed", "error", err, "to", req.To)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.msgService.SendMessage(r.Context(), canonicalTo, req.Body); err != nil {
		slog.Error("Server.sendHandler: failed to send message", "error", err, "to", canonicalTo)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
		return
	}

	if conv, gerr := s.st.GetConversation(canonicalTo); gerr == nil && conv != nil {
		if aerr := s.st.AddMessage(models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			PhoneNumber:    canonicalTo,
			Sender:         models.SenderBusiness,
			Content:        req.Body,
			Status:         models.MessageStatusSent,
			Timestamp:      time.Now(),
		}); aerr != nil {
			slog.Warn("Server.sendHandler: message record failed", "error", aerr, "to", canonicalTo)
		}
	}

	slog.Info("Server.sendHandler: message sent", "to", canonicalTo)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent successfully", nil))
}
