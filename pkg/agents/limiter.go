package agents

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// AgentLimiter throttles the actions sent to each agent with a token bucket
// per agent.
type AgentLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewAgentLimiter allows perSecond actions per agent with bursts of burst.
// A burst below 1 is raised to 1.
func NewAgentLimiter(perSecond float64, burst int) *AgentLimiter {
	if burst < 1 {
		burst = 1
	}
	return &AgentLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(perSecond),
		b:        burst,
	}
}

func (l *AgentLimiter) limiter(agent string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[agent]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[agent] = limiter
	}
	return limiter
}

// Wait blocks until agent may receive another action or ctx is done.
func (l *AgentLimiter) Wait(ctx context.Context, agent string) error {
	return l.limiter(agent).Wait(ctx)
}

// Allow reports whether agent may receive an action now, consuming a token
// when it may.
func (l *AgentLimiter) Allow(agent string) bool {
	return l.limiter(agent).Allow()
}
