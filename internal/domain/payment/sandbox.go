package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/clock"
)

// DefaultSandboxDelay is how long a simulated payment stays pending before the
// sandbox reports it successful.
const DefaultSandboxDelay = 10 * time.Second

// sandboxState remembers when each simulated payment was started. It is
// shared by the sandbox card and push adapters.
type sandboxState struct {
	mu       sync.Mutex
	started  map[string]time.Time
	canceled map[string]bool
	intents  map[string]*Intent
	clock    clock.Clock
	delay    time.Duration
}

func (s *sandboxState) start(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[ref] = s.clock.Now()
}

func (s *sandboxState) query(ref string) GatewayResult {
	s.mu.Lock()
	at, ok := s.started[ref]
	canceled := s.canceled[ref]
	s.mu.Unlock()

	switch {
	case !ok:
		return GatewayResult{Result: ResultFailed, Raw: mustJSON(map[string]any{
			"simulated": true, "reference": ref, "error": "unknown reference",
		})}
	case canceled:
		return GatewayResult{Result: ResultFailed, Raw: mustJSON(map[string]any{
			"simulated": true, "reference": ref, "status": "canceled",
		})}
	case s.clock.Now().Sub(at) < s.delay:
		return GatewayResult{Result: ResultPending, Raw: mustJSON(map[string]any{
			"simulated": true, "reference": ref, "status": "processing",
		})}
	default:
		return GatewayResult{Result: ResultSuccess, Raw: mustJSON(map[string]any{
			"simulated": true, "reference": ref, "status": "succeeded",
		})}
	}
}

// NewSandboxGateways returns simulated card and push adapters. They never
// leave the process and mark every payload "simulated". Payments report
// success once delay has elapsed on clk.
func NewSandboxGateways(clk clock.Clock, delay time.Duration) (*SandboxCard, *SandboxPush) {
	if delay < 0 {
		delay = 0
	}
	st := &sandboxState{
		started:  make(map[string]time.Time),
		canceled: make(map[string]bool),
		intents:  make(map[string]*Intent),
		clock:    clk,
		delay:    delay,
	}
	return &SandboxCard{state: st}, &SandboxPush{state: st}
}

type SandboxCard struct {
	state *sandboxState
}

func (g *SandboxCard) Method() string { return MethodCard }

// CreateIntent returns the same intent again for a repeated idempotency key.
func (g *SandboxCard) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	st := g.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if in, ok := st.intents[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return in, nil
	}

	ref := "pi_sandbox_" + uuid.NewString()
	st.started[ref] = st.clock.Now()
	in := &Intent{
		ClientHandle: ref + "_secret_" + uuid.NewString(),
		Reference:    ref,
		Raw: mustJSON(map[string]any{
			"simulated": true,
			"id":        ref,
			"amount":    req.Amount.StringFixed(2),
			"currency":  req.Currency,
			"status":    "requires_payment_method",
		}),
		Simulated: true,
	}
	if req.IdempotencyKey != "" {
		st.intents[req.IdempotencyKey] = in
	}
	return in, nil
}

func (g *SandboxCard) Cancel(_ context.Context, reference string) error {
	st := g.state
	st.mu.Lock()
	defer st.mu.Unlock()
	at, ok := st.started[reference]
	switch {
	case !ok:
		return apperr.Gateway(nil, "card intent %s does not exist", reference)
	case st.canceled[reference]:
		return nil
	case st.clock.Now().Sub(at) >= st.delay:
		return apperr.Gateway(nil, "card intent %s already succeeded", reference)
	}
	st.canceled[reference] = true
	return nil
}

func (g *SandboxCard) QueryStatus(_ context.Context, reference string) (GatewayResult, error) {
	return g.state.query(reference), nil
}

func (g *SandboxCard) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	ref := "re_sandbox_" + uuid.NewString()
	return &RefundResult{
		Reference: ref,
		Raw: mustJSON(map[string]any{
			"simulated":      true,
			"id":             ref,
			"payment_intent": req.Reference,
			"amount":         req.Amount.StringFixed(2),
			"status":         "succeeded",
		}),
		Simulated: true,
	}, nil
}

type SandboxPush struct {
	state *sandboxState
}

func (g *SandboxPush) Method() string { return MethodMpesa }

func (g *SandboxPush) InitiatePush(_ context.Context, req PushRequest) (*Push, error) {
	ref := "ws_CO_sandbox_" + uuid.NewString()
	g.state.start(ref)
	return &Push{
		Reference:      ref,
		CustomerPrompt: fmt.Sprintf("Simulated payment prompt sent to %s for %s", req.Destination, req.Amount.StringFixed(2)),
		Raw: mustJSON(map[string]any{
			"simulated":         true,
			"CheckoutRequestID": ref,
			"ResponseCode":      "0",
			"CustomerMessage":   "Success. Request accepted for processing",
		}),
		Simulated: true,
	}, nil
}

func (g *SandboxPush) QueryStatus(_ context.Context, reference string) (GatewayResult, error) {
	return g.state.query(reference), nil
}
