package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gimmicks/leadpipe/internal/funnel"
	"github.com/gimmicks/leadpipe/internal/models"
	"github.com/gimmicks/leadpipe/internal/rules"
	"github.com/gimmicks/leadpipe/internal/store"
)

const testPhone = "+593991234567"

type fakeFunnel struct {
	mu    sync.Mutex
	res   funnel.Result
	err   error
	block chan struct{}
	calls int
}

func (f *fakeFunnel) HandleTurn(ctx context.Context, conv *models.Conversation, lead *models.Lead, text string) (funnel.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.res, f.err
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingSender) SendMessage(ctx context.Context, to, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, body)
	return r.err
}

func newTestDispatcher(f *fakeFunnel, opts ...Option) (*Dispatcher, *store.InMemoryStore, *recordingSender) {
	s := store.NewInMemoryStore()
	sender := &recordingSender{}
	d := NewDispatcher(s, f, rules.NewExecutor(s, s), sender, opts...)
	return d, s, sender
}

func inbound(text, deliveryID string) models.Inbound {
	return models.Inbound{PhoneNumber: testPhone, Text: text, Timestamp: time.Now(), DeliveryID: deliveryID}
}

func TestHandleInboundFunnelTurn(t *testing.T) {
	f := &fakeFunnel{res: funnel.Result{Reply: "Hola! Soy Ana."}}
	d, s, sender := newTestDispatcher(f)

	res, err := d.HandleInbound(context.Background(), inbound("hola", "wamid.1"))
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if res.Outcome != OutcomeFunnelHandled || res.Reply != "Hola! Soy Ana." {
		t.Fatalf("result = %+v", res)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want exactly one", len(sender.sent))
	}

	msgs, _ := s.GetMessages(testPhone)
	if len(msgs) != 2 {
		t.Fatalf("recorded %d messages, want inbound + outbound", len(msgs))
	}
	if msgs[0].Sender != models.SenderCustomer || msgs[1].Sender != models.SenderBusiness {
		t.Errorf("message senders = %s, %s", msgs[0].Sender, msgs[1].Sender)
	}

	lead, _ := s.GetLeadByPhone(testPhone)
	if lead == nil || lead.Stage != models.StageLead || lead.Source != LeadSource {
		t.Errorf("lead = %+v", lead)
	}
	conv, _ := s.GetConversation(testPhone)
	if conv == nil || conv.MessageCount != 2 || conv.LeadID != lead.ID {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestHandleInboundRuleShortCircuitsFunnel(t *testing.T) {
	f := &fakeFunnel{res: funnel.Result{Reply: "funnel reply"}}
	d, s, sender := newTestDispatcher(f)
	s.SaveRule(models.AutomationRule{
		ID: "r1", Name: "greet", TriggerType: models.TriggerKeyword, TriggerValue: "hola",
		ActionType: models.ActionSendMessage, ActionValue: "Bienvenido a Gimmicks!", IsActive: true,
	})

	res, err := d.HandleInbound(context.Background(), inbound("Hola buenas", "wamid.1"))
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if res.Outcome != OutcomeRuleHandled || res.Reply != "Bienvenido a Gimmicks!" {
		t.Fatalf("result = %+v", res)
	}
	if f.calls != 0 {
		t.Errorf("funnel ran despite a fired rule")
	}
	if len(sender.sent) != 1 || sender.sent[0] != "Bienvenido a Gimmicks!" {
		t.Errorf("sent = %v", sender.sent)
	}
}

func TestHandleInboundSilentRuleSendsNothing(t *testing.T) {
	f := &fakeFunnel{}
	d, s, sender := newTestDispatcher(f)
	s.SaveLead(models.Lead{ID: "l1", PhoneNumber: testPhone, Stage: models.StageLead})
	s.SaveRule(models.AutomationRule{
		ID: "r1", Name: "promote", TriggerType: models.TriggerKeyword, TriggerValue: "pedido",
		ActionType: models.ActionChangeStage, ActionValue: models.StagePedido, IsActive: true,
	})

	res, err := d.HandleInbound(context.Background(), inbound("confirmo el pedido", "wamid.1"))
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if res.Outcome != OutcomeNoAction || res.Reply != "" {
		t.Fatalf("result = %+v, want silent no_action", res)
	}
	if len(sender.sent) != 0 {
		t.Errorf("silent action sent a message: %v", sender.sent)
	}
	lead, _ := s.GetLeadByPhone(testPhone)
	if lead.Stage != models.StagePedido {
		t.Errorf("stage = %s, want pedido", lead.Stage)
	}
}

func TestHandleInboundDuplicateDelivery(t *testing.T) {
	f := &fakeFunnel{res: funnel.Result{Reply: "respuesta"}}
	d, s, sender := newTestDispatcher(f)

	if _, err := d.HandleInbound(context.Background(), inbound("hola", "wamid.1")); err != nil {
		t.Fatal(err)
	}
	res, err := d.HandleInbound(context.Background(), inbound("hola", "wamid.1"))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if res.Outcome != OutcomeDuplicate || res.Reply != "" {
		t.Fatalf("replay result = %+v", res)
	}
	if len(sender.sent) != 1 {
		t.Errorf("replay sent an extra message: %v", sender.sent)
	}
	msgs, _ := s.GetMessages(testPhone)
	if len(msgs) != 2 {
		t.Errorf("replay recorded extra messages: %d", len(msgs))
	}
	if f.calls != 1 {
		t.Errorf("funnel ran %d times, want 1", f.calls)
	}
}

func TestHandleInboundFailedTurnIsRetryable(t *testing.T) {
	// A turn that dies before MarkProcessed (here: a version conflict) must
	// not poison its delivery id; the transport's retry has to get through.
	f := &fakeFunnel{err: models.ErrVersionConflict}
	d, _, sender := newTestDispatcher(f)

	if _, err := d.HandleInbound(context.Background(), inbound("hola", "wamid.1")); !errors.Is(err, models.ErrVersionConflict) {
		t.Fatalf("first attempt error = %v, want version conflict", err)
	}

	f.err = nil
	f.res = funnel.Result{Reply: "ahora si"}
	res, err := d.HandleInbound(context.Background(), inbound("hola", "wamid.1"))
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Outcome == OutcomeDuplicate {
		t.Fatal("retry of an unfinished turn was treated as a duplicate")
	}
	if len(sender.sent) != 1 || sender.sent[0] != "ahora si" {
		t.Errorf("sent = %v", sender.sent)
	}
}

func TestHandleInboundBusy(t *testing.T) {
	block := make(chan struct{})
	f := &fakeFunnel{res: funnel.Result{Reply: "ok"}, block: block}
	d, _, _ := newTestDispatcher(f, WithLockWait(50*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := d.HandleInbound(context.Background(), inbound("primero", "wamid.1"))
		done <- err
	}()

	// Wait for the first turn to hold the lock.
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		started := f.calls > 0
		f.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first turn never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, err := d.HandleInbound(context.Background(), inbound("segundo", "wamid.2"))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent turn error = %v, want ErrBusy", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
}

func TestHandleInboundFunnelFailureFallsBack(t *testing.T) {
	f := &fakeFunnel{err: errors.New("extractor exploded")}
	d, _, sender := newTestDispatcher(f)

	res, err := d.HandleInbound(context.Background(), inbound("hola", "wamid.1"))
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if res.Reply != FallbackReply {
		t.Errorf("reply = %q, want fallback", res.Reply)
	}
	if len(sender.sent) != 1 || sender.sent[0] != FallbackReply {
		t.Errorf("sent = %v", sender.sent)
	}
}

func TestHandleInboundVersionConflictAborts(t *testing.T) {
	f := &fakeFunnel{err: models.ErrVersionConflict}
	d, _, sender := newTestDispatcher(f)

	_, err := d.HandleInbound(context.Background(), inbound("hola", "wamid.1"))
	if !errors.Is(err, models.ErrVersionConflict) {
		t.Fatalf("error = %v, want version conflict", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("aborted turn sent a message: %v", sender.sent)
	}
}

func TestHandleInboundRejectsInvalidInput(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeFunnel{})

	if _, err := d.HandleInbound(context.Background(), models.Inbound{Text: "hola"}); !errors.Is(err, models.ErrEmptyPhoneNumber) {
		t.Errorf("missing phone error = %v", err)
	}
	if _, err := d.HandleInbound(context.Background(), models.Inbound{PhoneNumber: testPhone}); !errors.Is(err, models.ErrEmptyMessage) {
		t.Errorf("empty text error = %v", err)
	}
}

func TestHandleInboundFunnelChangeTrigger(t *testing.T) {
	f := &fakeFunnel{res: funnel.Result{Reply: "seguimos"}}
	d, s, _ := newTestDispatcher(f)
	s.SaveRule(models.AutomationRule{
		ID: "r1", Name: "stage-watch", TriggerType: models.TriggerFunnelChange,
		ActionType: models.ActionAssignAgent, ActionValue: "ana.maria", IsActive: true,
	})

	// First turn: no stage baseline yet, funnel handles it.
	if _, err := d.HandleInbound(context.Background(), inbound("hola", "wamid.1")); err != nil {
		t.Fatal(err)
	}

	// Move the lead to a new stage out of band.
	lead, _ := s.GetLeadByPhone(testPhone)
	lead.Stage = models.StageClientePotencial
	s.SaveLead(*lead)

	res, err := d.HandleInbound(context.Background(), inbound("sigo aqui", "wamid.2"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNoAction {
		t.Fatalf("result = %+v, want silent assign_agent", res)
	}
	lead, _ = s.GetLeadByPhone(testPhone)
	if lead.AssignedAgent != "ana.maria" {
		t.Errorf("agent = %q", lead.AssignedAgent)
	}
}
