package agents

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/plan"
)

// Action descriptor values the leaf executor relies on.
const (
	ValueAgent  = "agent"
	ValueFabric = "fabric"
	ValueEntry  = "entry"

	// ActionNoop leaves are completed without contacting the agent.
	ActionNoop = "noop"
)

// Client runs one action on the agent listening at uri.
type Client interface {
	RunAction(ctx context.Context, uri *url.URL, action plan.ActionDescriptor) error
}

// ClientFunc adapts a function to a Client.
type ClientFunc func(ctx context.Context, uri *url.URL, action plan.ActionDescriptor) error

// RunAction implements Client.
func (f ClientFunc) RunAction(ctx context.Context, uri *url.URL, action plan.ActionDescriptor) error {
	return f(ctx, uri, action)
}

// LeafExecutor runs plan leaves on their agent, retrying transient failures.
type LeafExecutor struct {
	provider URIProvider
	client   Client
	policy   RetryPolicy
	limiter  *AgentLimiter
	logger   zerolog.Logger
}

// LeafExecutorOption configures a LeafExecutor.
type LeafExecutorOption func(*LeafExecutor)

// WithRetryPolicy sets the policy applied to every action.
func WithRetryPolicy(policy RetryPolicy) LeafExecutorOption {
	return func(e *LeafExecutor) {
		e.policy = policy
	}
}

// WithRateLimit limits the actions sent to each agent, retries included.
// A non positive rate disables the limit.
func WithRateLimit(perSecond float64, burst int) LeafExecutorOption {
	return func(e *LeafExecutor) {
		e.limiter = nil
		if perSecond > 0 {
			e.limiter = NewAgentLimiter(perSecond, burst)
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) LeafExecutorOption {
	return func(e *LeafExecutor) {
		e.logger = logger
	}
}

// NewLeafExecutor creates a leaf executor resolving agents with provider
// and running actions with client. By default actions are retried 3 times.
func NewLeafExecutor(provider URIProvider, client Client, opts ...LeafExecutorOption) *LeafExecutor {
	e := &LeafExecutor{
		provider: provider,
		client:   client,
		policy:   RetryPolicy{Retries: 3, Backoff: time.Second},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteLeafStep resolves the agent of the leaf and runs its action.
func (e *LeafExecutor) ExecuteLeafStep(ctx context.Context, step *plan.LeafStep) error {
	action := step.Action()
	fabric, agent := action.Value(ValueFabric), action.Value(ValueAgent)
	logger := e.logger.With().
		Str("step_id", step.ID()).
		Str("agent", agent).
		Str("action", action.Name).
		Logger()

	if action.Name == ActionNoop {
		logger.Info().Str("reason", action.Description).Msg("Skipping no-op leaf")
		return nil
	}

	uri, err := e.provider.GetAgentURI(fabric, agent)
	if err != nil {
		return err
	}

	attempt := 0
	_, err = RetryWithPolicy(ctx, e.policy, func(ctx context.Context) (struct{}, error) {
		attempt++
		if attempt > 1 {
			logger.Warn().Int("attempt", attempt).Msg("Retrying action")
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, agent); err != nil {
				return struct{}{}, engine.NewPermanentError("rate limit wait aborted", err).
					WithCode(engine.ErrCodeCancelled)
			}
		}
		return struct{}{}, e.client.RunAction(ctx, uri, action)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Action failed")
		if IsTooManyRetries(err) {
			return engine.NewPermanentError("action failed", err).
				WithCode(engine.ErrCodeTooManyRetries).
				WithEntry(action.Value(ValueEntry)).
				WithOperation(action.Name)
		}
		return err
	}
	logger.Debug().Msg("Action completed")
	return nil
}

// SimulatedClient pretends to run actions: it logs them and waits Delay.
// Actions listed in Fail return a permanent error.
type SimulatedClient struct {
	Delay  time.Duration
	Clock  engine.Clock
	Fail   map[string]bool
	Logger zerolog.Logger
}

// RunAction implements Client.
func (c *SimulatedClient) RunAction(ctx context.Context, uri *url.URL, action plan.ActionDescriptor) error {
	c.Logger.Info().
		Str("uri", uri.String()).
		Str("action", action.Name).
		Str("description", action.Description).
		Msg("Simulating action")

	if c.Delay > 0 {
		clock := c.Clock
		if clock == nil {
			clock = engine.SystemClock{}
		}
		select {
		case <-clock.After(c.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.Fail[action.Name] {
		return engine.NewPermanentError("simulated failure of "+action.Name, nil).
			WithOperation(action.Name)
	}
	return nil
}
