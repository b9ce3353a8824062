package hitl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/store"
	"github.com/pitabwire/sequencer/model"
)

// recordingNotifier captures delivered requests.
type recordingNotifier struct {
	channel string
	err     error

	mu   sync.Mutex
	sent []model.HITLRequest
}

func (n *recordingNotifier) Channel() string { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, req model.HITLRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, req)
	return n.err
}

func (n *recordingNotifier) last() (model.HITLRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return model.HITLRequest{}, false
	}
	return n.sent[len(n.sent)-1], true
}

func testHITLConfig() config.HITLConfig {
	return config.HITLConfig{DefaultTimeoutMinutes: 60, PollInterval: 10 * time.Millisecond}
}

func testState() *model.SequenceState {
	return &model.SequenceState{
		InstanceID:     "inst-1",
		SequenceID:     "outreach",
		OrganizationID: "org-1",
		UserID:         "user-1",
		Trigger:        map[string]any{"company": "Acme"},
	}
}

// waitForNotification polls until the notifier saw a request.
func waitForNotification(t *testing.T, n *recordingNotifier) model.HITLRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if req, ok := n.last(); ok {
			return req
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("notification never sent")
	return model.HITLRequest{}
}

func TestRequestApproval_expiredContinueProceeds(t *testing.T) {
	st := store.NewMemoryStore()
	gate := NewGate(st, testHITLConfig(), WithTimeoutUnit(time.Millisecond))

	out, err := gate.RequestApproval(context.Background(), ApprovalInput{
		Config: &model.HITLConfig{
			RequestType:    model.HITLTypeBoolean,
			Prompt:         "Send to ${trigger.company}?",
			TimeoutMinutes: 1,
			TimeoutAction:  model.TimeoutActionContinue,
		},
		State:     testState(),
		StepIndex: 2,
		Timing:    model.HITLTimingAfter,
	})
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	if !out.Proceed {
		t.Error("expired request with continue should proceed")
	}
	if out.Request.Status != model.HITLStatusExpired {
		t.Errorf("status = %q, want expired", out.Request.Status)
	}
	if out.Request.Prompt != "Send to Acme?" {
		t.Errorf("prompt = %q, want interpolated", out.Request.Prompt)
	}

	stored, err := st.GetHITLRequest(context.Background(), out.Request.ID)
	if err != nil {
		t.Fatalf("GetHITLRequest() error = %v", err)
	}
	if stored.Status != model.HITLStatusExpired || stored.ExecutionID != "inst-1" || stored.StepIndex != 2 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestRequestApproval_missingPromptReferenceIsBlanked(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gate := NewGate(store.NewMemoryStore(), testHITLConfig(),
		WithTimeoutUnit(time.Millisecond),
		WithLogger(zap.New(core)),
	)

	out, err := gate.RequestApproval(context.Background(), ApprovalInput{
		Config: &model.HITLConfig{
			RequestType:    model.HITLTypeBoolean,
			Prompt:         "Send to ${trigger.company} via ${trigger.channel}?",
			TimeoutMinutes: 1,
			TimeoutAction:  model.TimeoutActionContinue,
		},
		State:     testState(),
		StepIndex: 0,
		Timing:    model.HITLTimingBefore,
	})
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	if out.Request.Prompt != "Send to Acme via ?" {
		t.Errorf("prompt = %q", out.Request.Prompt)
	}
	if logs.FilterMessage("prompt references resolved to nothing").Len() != 1 {
		t.Error("missing prompt reference should be logged")
	}
}

func TestRequestApproval_expiredStopHalts(t *testing.T) {
	gate := NewGate(store.NewMemoryStore(), testHITLConfig(), WithTimeoutUnit(time.Millisecond))

	out, err := gate.RequestApproval(context.Background(), ApprovalInput{
		Config: &model.HITLConfig{TimeoutMinutes: 1, TimeoutAction: model.TimeoutActionStop},
		State:  testState(),
		Timing: model.HITLTimingBefore,
	})
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	if out.Proceed {
		t.Error("expired request with stop must not proceed")
	}
}

func TestRequestApproval_resolvedByHuman(t *testing.T) {
	notifier := &recordingNotifier{channel: model.ChannelSlack}
	gate := NewGate(store.NewMemoryStore(), testHITLConfig(), WithNotifiers(notifier))

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := gate.RequestApproval(context.Background(), ApprovalInput{
			Config: &model.HITLConfig{
				RequestType:    model.HITLTypeChoice,
				Prompt:         "Tone?",
				Options:        []model.HITLOption{{Label: "Formal", Value: "formal"}, {Label: "Casual", Value: "casual"}},
				Channels:       []string{model.ChannelSlack},
				TimeoutMinutes: 60,
				TimeoutAction:  model.TimeoutActionStop,
			},
			State:  testState(),
			Timing: model.HITLTimingBefore,
		})
		done <- result{out, err}
	}()

	req := waitForNotification(t, notifier)
	if req.Status != model.HITLStatusPending {
		t.Fatalf("notified request status = %q, want pending", req.Status)
	}

	resolved, err := gate.Resolve(context.Background(), req.ID, model.HITLDecision{Value: "casual", RespondedBy: "alice"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.Status != model.HITLStatusApproved {
		t.Errorf("resolved status = %q, want approved", resolved.Status)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("RequestApproval() error = %v", r.err)
		}
		if !r.out.Proceed || r.out.Value != "casual" {
			t.Errorf("outcome = %+v", r.out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestRequestApproval_rejectHalts(t *testing.T) {
	notifier := &recordingNotifier{channel: model.ChannelInApp}
	gate := NewGate(store.NewMemoryStore(), testHITLConfig(), WithNotifiers(notifier))

	done := make(chan Outcome, 1)
	go func() {
		out, _ := gate.RequestApproval(context.Background(), ApprovalInput{
			Config: &model.HITLConfig{Channels: []string{model.ChannelInApp}, TimeoutAction: model.TimeoutActionContinue},
			State:  testState(),
		})
		done <- out
	}()

	req := waitForNotification(t, notifier)
	if _, err := gate.Resolve(context.Background(), req.ID, model.HITLDecision{Value: "reject"}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	select {
	case out := <-done:
		if out.Proceed {
			t.Error("rejected request must not proceed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestResolve_exactlyOnce(t *testing.T) {
	st := store.NewMemoryStore()
	gate := NewGate(st, testHITLConfig())

	req, err := gate.Open(context.Background(), ApprovalInput{
		Config: &model.HITLConfig{TimeoutMinutes: 30},
		State:  testState(),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := gate.Resolve(context.Background(), req.ID, model.HITLDecision{Value: "approve"}); err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	_, err = gate.Resolve(context.Background(), req.ID, model.HITLDecision{Value: "reject"})
	if model.ErrorCode(err) != model.ErrHITLAlreadyResolved {
		t.Errorf("second Resolve() code = %q, want %q", model.ErrorCode(err), model.ErrHITLAlreadyResolved)
	}

	stored, _ := st.GetHITLRequest(context.Background(), req.ID)
	if stored.Status != model.HITLStatusApproved {
		t.Errorf("stored status = %q, want approved", stored.Status)
	}
}

func TestResolve_unknownRequest(t *testing.T) {
	gate := NewGate(store.NewMemoryStore(), testHITLConfig())

	_, err := gate.Resolve(context.Background(), "missing", model.HITLDecision{Value: "approve"})
	if model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("code = %q, want %q", model.ErrorCode(err), model.ErrNotFound)
	}
}

func TestResolve_afterExpiryIsRejected(t *testing.T) {
	gate := NewGate(store.NewMemoryStore(), testHITLConfig(), WithTimeoutUnit(time.Nanosecond))

	req, err := gate.Open(context.Background(), ApprovalInput{Config: &model.HITLConfig{TimeoutMinutes: 1}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	time.Sleep(time.Millisecond)

	got, err := gate.Resolve(context.Background(), req.ID, model.HITLDecision{Value: "approve"})
	if model.ErrorCode(err) != model.ErrHITLAlreadyResolved {
		t.Errorf("code = %q, want %q", model.ErrorCode(err), model.ErrHITLAlreadyResolved)
	}
	if got.Status != model.HITLStatusExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
}

func TestProcessTimeouts(t *testing.T) {
	st := store.NewMemoryStore()
	gate := NewGate(st, testHITLConfig(), WithTimeoutUnit(time.Nanosecond))

	var ids []string
	for i := 0; i < 3; i++ {
		req, err := gate.Open(context.Background(), ApprovalInput{Config: &model.HITLConfig{TimeoutMinutes: 1}})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		ids = append(ids, req.ID)
	}
	time.Sleep(time.Millisecond)

	n, err := gate.ProcessTimeouts(context.Background())
	if err != nil {
		t.Fatalf("ProcessTimeouts() error = %v", err)
	}
	if n != 3 {
		t.Errorf("expired = %d, want 3", n)
	}
	for _, id := range ids {
		req, _ := st.GetHITLRequest(context.Background(), id)
		if req.Status != model.HITLStatusExpired {
			t.Errorf("%s status = %q, want expired", id, req.Status)
		}
	}

	n, _ = gate.ProcessTimeouts(context.Background())
	if n != 0 {
		t.Errorf("second sweep expired = %d, want 0", n)
	}
}

func TestRequestApproval_notifierFailureIsNotFatal(t *testing.T) {
	notifier := &recordingNotifier{channel: model.ChannelSlack, err: errors.New("slack down")}
	gate := NewGate(store.NewMemoryStore(), testHITLConfig(), WithNotifiers(notifier), WithTimeoutUnit(time.Millisecond))

	out, err := gate.RequestApproval(context.Background(), ApprovalInput{
		Config: &model.HITLConfig{
			Channels:       []string{model.ChannelSlack, model.ChannelEmail},
			TimeoutMinutes: 1,
			TimeoutAction:  model.TimeoutActionContinue,
		},
	})
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	if !out.Proceed {
		t.Error("notification failures should not change the timeout outcome")
	}
}

func TestAwait_contextCancelled(t *testing.T) {
	gate := NewGate(store.NewMemoryStore(), testHITLConfig())

	req, err := gate.Open(context.Background(), ApprovalInput{Config: &model.HITLConfig{TimeoutMinutes: 60}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := gate.Await(ctx, req.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Await() error = %v, want deadline exceeded", err)
	}
}

func TestAwait_wokenThroughBus(t *testing.T) {
	mr := miniredis.RunT(t)
	newBus := func() *RedisBus {
		return NewRedisBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:decisions", nil)
	}
	st := store.NewMemoryStore()

	// Two gates share the store but not the in-process waiter map, as two
	// replicas would. Polling is slow so only the bus can wake the waiter.
	slow := config.HITLConfig{PollInterval: time.Hour}
	waiting := NewGate(st, slow, WithBus(newBus()))
	deciding := NewGate(st, slow, WithBus(newBus()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = waiting.Run(ctx) }()

	req, err := waiting.Open(ctx, ApprovalInput{Config: &model.HITLConfig{TimeoutMinutes: 60}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	done := make(chan Outcome, 1)
	go func() {
		out, _ := waiting.Await(ctx, req.ID)
		done <- out
	}()

	// Publish until the subscriber is attached and the waiter wakes.
	deadline := time.After(3 * time.Second)
	resolved := false
	for {
		if !resolved {
			if _, err := deciding.Resolve(ctx, req.ID, model.HITLDecision{Value: "approve"}); err == nil {
				resolved = true
			}
		} else {
			_ = deciding.bus.Publish(ctx, DecisionEvent{RequestID: req.ID, Status: model.HITLStatusApproved})
		}
		select {
		case out := <-done:
			if !out.Proceed {
				t.Errorf("outcome = %+v, want proceed", out)
			}
			return
		case <-deadline:
			t.Fatal("waiter was not woken through the bus")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
