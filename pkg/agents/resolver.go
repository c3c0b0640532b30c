// Package agents resolves agents to their URIs and provides the building
// blocks used to call them: a retry combinator and leaf step executors.
package agents

import (
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// URIProvider resolves the URI of an agent within a fabric.
type URIProvider interface {
	// FindAgentURI returns the agent URI, or false when the agent is unknown.
	FindAgentURI(fabric, agent string) (*url.URL, bool)

	// GetAgentURI returns the agent URI or a NO_SUCH_AGENT error.
	GetAgentURI(fabric, agent string) (*url.URL, error)
}

// NewNoSuchAgentError returns the error reported for an unknown agent.
func NewNoSuchAgentError(fabric, agent string) *engine.EngineError {
	return engine.NewPermanentError(fmt.Sprintf("no such agent %s in fabric %s", agent, fabric), nil).
		WithCode(engine.ErrCodeNoSuchAgent).
		WithDetail("fabric", fabric).
		WithDetail("agent", agent)
}

// StaticURIProvider resolves agents from a fixed fabric -> agent -> URI table.
type StaticURIProvider struct {
	mu   sync.RWMutex
	uris map[string]map[string]*url.URL
}

// NewStaticURIProvider parses a fabric -> agent -> URI table.
func NewStaticURIProvider(table map[string]map[string]string) (*StaticURIProvider, error) {
	p := &StaticURIProvider{uris: make(map[string]map[string]*url.URL)}
	for fabric, agents := range table {
		for agent, raw := range agents {
			if err := p.Register(fabric, agent, raw); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Register adds or replaces the URI of an agent.
func (p *StaticURIProvider) Register(fabric, agent, rawURI string) error {
	u, err := url.Parse(rawURI)
	if err != nil {
		return fmt.Errorf("invalid URI for agent %s: %w", agent, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URI for agent %s: %q is not absolute", agent, rawURI)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.uris[fabric] == nil {
		p.uris[fabric] = make(map[string]*url.URL)
	}
	p.uris[fabric][agent] = u
	return nil
}

// FindAgentURI implements URIProvider.
func (p *StaticURIProvider) FindAgentURI(fabric, agent string) (*url.URL, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.uris[fabric][agent]
	if !ok {
		return nil, false
	}
	c := *u
	return &c, true
}

// GetAgentURI implements URIProvider.
func (p *StaticURIProvider) GetAgentURI(fabric, agent string) (*url.URL, error) {
	u, ok := p.FindAgentURI(fabric, agent)
	if !ok {
		return nil, NewNoSuchAgentError(fabric, agent)
	}
	return u, nil
}

// Agents returns the registered agents of a fabric, sorted.
func (p *StaticURIProvider) Agents(fabric string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.uris[fabric]))
	for a := range p.uris[fabric] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
