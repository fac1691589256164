// Package dispatch coordinates one engine turn per inbound message: turn
// locking, idempotency, rule matching, funnel driving, and the single
// outbound reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gimmicks/leadpipe/internal/funnel"
	"github.com/gimmicks/leadpipe/internal/models"
	"github.com/gimmicks/leadpipe/internal/rules"
	"github.com/gimmicks/leadpipe/internal/store"
)

// DefaultLockWait bounds how long a turn waits for the per-phone lock before
// giving up with ErrBusy.
const DefaultLockWait = 5 * time.Second

// FallbackReply is sent when a turn fails mid-flight; the customer is never
// left without an answer.
const FallbackReply = "Disculpa, tuve un inconveniente. Un asesor te contactara pronto."

// LeadSource tags leads created by inbound WhatsApp messages.
const LeadSource = "whatsapp"

// ErrBusy indicates another turn for the same phone number is still running.
var ErrBusy = errors.New("turn already in progress for this phone number")

// Outcome tags how a turn was resolved.
type Outcome string

const (
	// OutcomeRuleHandled means an automation rule fired and short-circuited
	// the funnel.
	OutcomeRuleHandled Outcome = "rule_handled"
	// OutcomeFunnelHandled means the funnel driver produced the reply.
	OutcomeFunnelHandled Outcome = "funnel_handled"
	// OutcomeNoAction means the turn completed without an outbound message.
	OutcomeNoAction Outcome = "no_action"
	// OutcomeDuplicate means the delivery was already processed.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result reports the resolution of one dispatched turn.
type Result struct {
	Outcome Outcome
	Reply   string
	QuoteID string
}

// Sender delivers outbound messages to the customer.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Funnel is the qualification driver slice the dispatcher calls when no rule
// fires.
type Funnel interface {
	HandleTurn(ctx context.Context, conv *models.Conversation, lead *models.Lead, text string) (funnel.Result, error)
}

// Opts holds configuration options for the dispatcher.
type Opts struct {
	LockWait time.Duration
}

// Option defines a functional option for dispatcher configuration.
type Option func(*Opts)

// WithLockWait overrides how long a turn waits for the per-phone lock.
func WithLockWait(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.LockWait = d
		}
	}
}

// Dispatcher serializes turns per phone number and routes each inbound
// message through rules first, then the funnel.
type Dispatcher struct {
	store    store.Store
	funnel   Funnel
	executor *rules.Executor
	sender   Sender
	lockWait time.Duration

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewDispatcher creates a dispatcher over a store, funnel driver, rule
// executor, and outbound sender.
func NewDispatcher(s store.Store, f Funnel, x *rules.Executor, sender Sender, opts ...Option) *Dispatcher {
	o := Opts{LockWait: DefaultLockWait}
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{
		store:    s,
		funnel:   f,
		executor: x,
		sender:   sender,
		lockWait: o.LockWait,
		locks:    make(map[string]chan struct{}),
	}
}

// HandleInbound processes one inbound message end to end. At most one
// outbound message is sent per call; duplicates and silent actions send none.
func (d *Dispatcher) HandleInbound(ctx context.Context, in models.Inbound) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}

	if err := d.acquire(ctx, in.PhoneNumber); err != nil {
		return Result{}, err
	}
	defer d.release(in.PhoneNumber)

	if in.DeliveryID != "" {
		first, err := d.store.RecordInbound(in.DeliveryID, in.PhoneNumber)
		if err != nil {
			slog.Warn("Dispatcher.HandleInbound: dedup record failed, processing anyway", "error", err, "delivery_id", in.DeliveryID)
		} else if !first {
			slog.Info("Dispatcher.HandleInbound: duplicate delivery ignored", "delivery_id", in.DeliveryID, "phone", in.PhoneNumber)
			return Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	conv, lead, newLead, err := d.ensureConversation(in)
	if err != nil {
		return Result{}, err
	}

	inbound := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		PhoneNumber:    in.PhoneNumber,
		Sender:         models.SenderCustomer,
		Content:        in.Text,
		Status:         models.MessageStatusReceived,
		DeliveryID:     in.DeliveryID,
		Timestamp:      in.Timestamp,
	}
	if err := d.store.AddMessage(inbound); err != nil {
		return Result{}, fmt.Errorf("failed to record inbound message: %w", err)
	}

	res, err := d.resolve(ctx, conv, lead, in, newLead)
	if err != nil {
		return Result{}, err
	}

	if res.Reply != "" {
		d.sendReply(ctx, conv, in.PhoneNumber, res.Reply)
	}
	d.touchConversation(conv, in, res.Reply)
	d.recordRuleStage(in.PhoneNumber)

	if in.DeliveryID != "" {
		if err := d.store.MarkProcessed(in.DeliveryID); err != nil {
			slog.Warn("Dispatcher.HandleInbound: mark processed failed", "error", err, "delivery_id", in.DeliveryID)
		}
	}

	slog.Debug("Dispatcher.HandleInbound: turn complete", "phone", in.PhoneNumber, "outcome", res.Outcome, "reply_len", len(res.Reply))
	return res, nil
}

// resolve picks the turn's handler: the winning rule if any, else the funnel.
func (d *Dispatcher) resolve(ctx context.Context, conv *models.Conversation, lead *models.Lead, in models.Inbound, newLead bool) (Result, error) {
	ev := rules.Event{Message: in.Text, NewLead: newLead}
	if state, err := d.store.GetFunnelState(in.PhoneNumber); err == nil && state != nil {
		if prev := state.Data[models.DataKeyLastRuleStage]; prev != "" {
			ev.PrevStage = prev
			ev.CurrStage = lead.Stage
		}
	}

	ruleSet, err := d.store.ListRules()
	if err != nil {
		slog.Warn("Dispatcher.resolve: rule load failed, falling through to funnel", "error", err)
	}
	if rule := rules.Match(ruleSet, ev); rule != nil {
		reply, err := d.executor.Execute(rule, in.PhoneNumber)
		if err != nil {
			slog.Error("Dispatcher.resolve: rule action failed", "error", err, "rule", rule.Name, "phone", in.PhoneNumber)
			reply = FallbackReply
		}
		outcome := OutcomeRuleHandled
		if reply == "" {
			outcome = OutcomeNoAction
		}
		return Result{Outcome: outcome, Reply: reply}, nil
	}

	fres, err := d.funnel.HandleTurn(ctx, conv, lead, in.Text)
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			// A concurrent writer moved the state; abort without replying
			// rather than answering from stale data.
			return Result{}, fmt.Errorf("turn aborted: %w", err)
		}
		slog.Error("Dispatcher.resolve: funnel turn failed", "error", err, "phone", in.PhoneNumber)
		return Result{Outcome: OutcomeFunnelHandled, Reply: FallbackReply}, nil
	}
	outcome := OutcomeFunnelHandled
	if fres.Reply == "" {
		outcome = OutcomeNoAction
	}
	return Result{Outcome: outcome, Reply: fres.Reply, QuoteID: fres.QuoteID}, nil
}

// ensureConversation loads or creates the conversation and lead for a phone
// number. The returned bool reports first contact.
func (d *Dispatcher) ensureConversation(in models.Inbound) (*models.Conversation, *models.Lead, bool, error) {
	now := time.Now()

	conv, err := d.store.GetConversation(in.PhoneNumber)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		conv = &models.Conversation{
			ID:          uuid.NewString(),
			PhoneNumber: in.PhoneNumber,
			CreatedAt:   now,
		}
	}

	lead, err := d.store.GetLeadByPhone(in.PhoneNumber)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to load lead: %w", err)
	}
	newLead := lead == nil
	if newLead {
		lead = &models.Lead{
			ID:             uuid.NewString(),
			PhoneNumber:    in.PhoneNumber,
			Source:         LeadSource,
			Stage:          models.StageLead,
			Classification: models.ClassificationFrio,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := d.store.SaveLead(*lead); err != nil {
			return nil, nil, false, fmt.Errorf("failed to create lead: %w", err)
		}
		conv.LeadID = lead.ID
		slog.Info("Dispatcher.ensureConversation: new lead created", "phone", in.PhoneNumber, "lead_id", lead.ID)
	}

	if err := d.store.SaveConversation(*conv); err != nil {
		return nil, nil, false, fmt.Errorf("failed to save conversation: %w", err)
	}
	return conv, lead, newLead, nil
}

// sendReply delivers the turn's single outbound message and records it.
func (d *Dispatcher) sendReply(ctx context.Context, conv *models.Conversation, phone, body string) {
	status := models.MessageStatusSent
	if err := d.sender.SendMessage(ctx, phone, body); err != nil {
		slog.Error("Dispatcher.sendReply: send failed", "error", err, "phone", phone)
		status = models.MessageStatusFailed
	}
	outbound := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		PhoneNumber:    phone,
		Sender:         models.SenderBusiness,
		Content:        body,
		Status:         status,
		Timestamp:      time.Now(),
	}
	if err := d.store.AddMessage(outbound); err != nil {
		slog.Error("Dispatcher.sendReply: outbound record failed", "error", err, "phone", phone)
	}
}

// touchConversation updates the conversation preview fields after a turn.
func (d *Dispatcher) touchConversation(conv *models.Conversation, in models.Inbound, reply string) {
	ts := in.Timestamp
	conv.LastInbound = &ts
	conv.LastMessage = in.Text
	conv.MessageCount++
	if reply != "" {
		conv.LastMessage = reply
		conv.MessageCount++
	}
	if err := d.store.SaveConversation(*conv); err != nil {
		slog.Warn("Dispatcher.touchConversation: conversation update failed", "error", err, "phone", conv.PhoneNumber)
	}
}

// recordRuleStage snapshots the lead's stage into the funnel state so the
// next turn's funnel_change trigger has a baseline.
func (d *Dispatcher) recordRuleStage(phone string) {
	lead, err := d.store.GetLeadByPhone(phone)
	if err != nil || lead == nil {
		return
	}
	state, err := d.store.GetFunnelState(phone)
	if err != nil {
		return
	}
	if state == nil {
		state = models.NewFunnelState(phone)
	}
	if state.Data[models.DataKeyLastRuleStage] == lead.Stage {
		return
	}
	state.Data[models.DataKeyLastRuleStage] = lead.Stage
	if err := d.store.SaveFunnelState(state); err != nil {
		slog.Warn("Dispatcher.recordRuleStage: stage snapshot failed", "error", err, "phone", phone)
	}
}

// acquire takes the per-phone turn lock, waiting up to lockWait.
func (d *Dispatcher) acquire(ctx context.Context, phone string) error {
	d.mu.Lock()
	ch, ok := d.locks[phone]
	if !ok {
		ch = make(chan struct{}, 1)
		d.locks[phone] = ch
	}
	d.mu.Unlock()

	timer := time.NewTimer(d.lockWait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) release(phone string) {
	d.mu.Lock()
	ch := d.locks[phone]
	d.mu.Unlock()
	<-ch
}
