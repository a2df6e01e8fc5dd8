package sessions

import "sync"

// Agent is the capability record for one agent type. The engine never
// inspects agent session logs directly; it always goes through one of these.
type Agent struct {
	// Type is the registry tag, e.g. "claude"
	Type string
	// SessionsDir maps a project working directory to the directory holding
	// that project's session log files
	SessionsDir func(projectCwd string) string
	// Parse reads a raw session log into a normalized timeline
	Parse func(path string, raw []byte) (*Timeline, error)
	// HealthAnalysis computes health metrics by inspecting the log
	HealthAnalysis func(path string) (*HealthReport, error)
	// LastAssistantText extracts the last substantive assistant message,
	// used to synthesize a handoff for silently-completed executions
	LastAssistantText func(path string) (string, error)
}

// Registry maps agent types to their capability records
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds or replaces an agent
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Type] = a
}

// Get looks up an agent by type
func (r *Registry) Get(agentType string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentType]
	return a, ok
}

// GetOrDefault looks up an agent by type, falling back to "claude"
func (r *Registry) GetOrDefault(agentType string) (Agent, bool) {
	if a, ok := r.Get(agentType); ok {
		return a, true
	}
	return r.Get("claude")
}
