package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gimmicks/leadpipe/internal/models"
	"github.com/gimmicks/leadpipe/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio REST API. Inbound messages
// arrive through the webhook handler, which must be mounted on the HTTP
// server.
type TwilioService struct {
	client   twiliowhatsapp.Sender
	inbounds chan models.Inbound
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService creates a TwilioService wrapping the given sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:   client,
		inbounds: make(chan models.Inbound, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient implements Service.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op; Twilio pushes inbound messages over the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel after in-flight webhook pushes settle.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.inbounds)
	}()
	return nil
}

// SendMessage sends a message via the Twilio API.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Inbounds implements Service.
func (s *TwilioService) Inbounds() <-chan models.Inbound {
	return s.inbounds
}

// WebhookHandler accepts Twilio inbound message callbacks. The MessageSid
// form value becomes the delivery identifier for idempotent processing.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: form parse failed", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	sid := r.FormValue("MessageSid")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing required fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	phone, err := CanonicalizePhone(from)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: invalid sender", "error", err, "from", from)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	s.emit(models.Inbound{
		PhoneNumber: phone,
		Text:        body,
		Timestamp:   time.Now(),
		DeliveryID:  sid,
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) emit(in models.Inbound) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService.emit: dropping inbound, service stopped", "from", in.PhoneNumber)
		return
	}

	select {
	case s.inbounds <- in:
		slog.Debug("TwilioService.emit: inbound queued", "from", in.PhoneNumber, "delivery_id", in.DeliveryID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.emit: inbound channel blocked, dropping message", "from", in.PhoneNumber)
	}
}
