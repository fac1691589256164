package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gimmicks/leadpipe/internal/models"
	"github.com/gimmicks/leadpipe/internal/rules"
	"github.com/gimmicks/leadpipe/internal/store"
)

const (
	// DefaultIdleThreshold is how long a conversation must be silent before
	// no_response rules fire.
	DefaultIdleThreshold = 24 * time.Hour
	// DefaultSweepSchedule runs the sweep every 15 minutes.
	DefaultSweepSchedule = "*/15 * * * *"

	// idleNotifiedKey records when a conversation was last nudged, so one
	// silence window produces at most one nudge.
	idleNotifiedKey = "idle_notified_at"
)

// Sender delivers the nudge message.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Opts holds sweeper configuration.
type Opts struct {
	IdleThreshold time.Duration
}

// Option defines a functional option for sweeper configuration.
type Option func(*Opts)

// WithIdleThreshold overrides the silence window before rules fire.
func WithIdleThreshold(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.IdleThreshold = d
		}
	}
}

// Sweeper scans for idle conversations and applies the winning no_response
// rule to each, at most once per silence window.
type Sweeper struct {
	store     store.Store
	executor  *rules.Executor
	sender    Sender
	threshold time.Duration
}

// NewSweeper creates an idle-conversation sweeper.
func NewSweeper(s store.Store, x *rules.Executor, sender Sender, opts ...Option) *Sweeper {
	o := Opts{IdleThreshold: DefaultIdleThreshold}
	for _, opt := range opts {
		opt(&o)
	}
	return &Sweeper{store: s, executor: x, sender: sender, threshold: o.IdleThreshold}
}

// RunOnce performs one sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	ruleSet, err := s.store.ListRules()
	if err != nil {
		slog.Error("Sweeper.RunOnce: rule load failed", "error", err)
		return
	}
	rule := rules.Match(ruleSet, rules.Event{Idle: true})
	if rule == nil {
		return
	}

	convs, err := s.store.ListConversations()
	if err != nil {
		slog.Error("Sweeper.RunOnce: conversation load failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.threshold)
	nudged := 0
	for _, conv := range convs {
		if s.sweepConversation(ctx, conv, rule, cutoff) {
			nudged++
		}
	}
	if nudged > 0 {
		slog.Info("Sweeper.RunOnce: idle sweep complete", "rule", rule.Name, "nudged", nudged)
	}
}

// sweepConversation applies the rule to one conversation if it qualifies.
func (s *Sweeper) sweepConversation(ctx context.Context, conv models.Conversation, rule *models.AutomationRule, cutoff time.Time) bool {
	if conv.LastInbound == nil || conv.LastInbound.After(cutoff) {
		return false
	}

	// Conversations handed to a human agent (stage pedido) are theirs to
	// follow up on.
	if lead, err := s.store.GetLeadByPhone(conv.PhoneNumber); err == nil && lead != nil && lead.Stage == models.StagePedido {
		return false
	}

	state, err := s.store.GetFunnelState(conv.PhoneNumber)
	if err != nil {
		slog.Warn("Sweeper.sweepConversation: state load failed", "error", err, "phone", conv.PhoneNumber)
		return false
	}
	if state != nil {
		if raw := state.Data[idleNotifiedKey]; raw != "" {
			if notified, perr := time.Parse(time.RFC3339, raw); perr == nil && notified.After(*conv.LastInbound) {
				return false
			}
		}
	} else {
		state = models.NewFunnelState(conv.PhoneNumber)
	}

	reply, err := s.executor.Execute(rule, conv.PhoneNumber)
	if err != nil {
		slog.Error("Sweeper.sweepConversation: rule action failed", "error", err, "rule", rule.Name, "phone", conv.PhoneNumber)
		return false
	}
	if reply != "" {
		if err := s.sender.SendMessage(ctx, conv.PhoneNumber, reply); err != nil {
			slog.Error("Sweeper.sweepConversation: nudge send failed", "error", err, "phone", conv.PhoneNumber)
			return false
		}
		if err := s.store.AddMessage(models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			PhoneNumber:    conv.PhoneNumber,
			Sender:         models.SenderBusiness,
			Content:        reply,
			Status:         models.MessageStatusSent,
			Timestamp:      time.Now(),
		}); err != nil {
			slog.Warn("Sweeper.sweepConversation: nudge record failed", "error", err, "phone", conv.PhoneNumber)
		}
	}

	state.Data[idleNotifiedKey] = time.Now().Format(time.RFC3339)
	if err := s.store.SaveFunnelState(state); err != nil {
		slog.Warn("Sweeper.sweepConversation: notified marker save failed", "error", err, "phone", conv.PhoneNumber)
	}
	return true
}
