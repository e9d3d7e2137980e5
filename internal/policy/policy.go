package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	CapRead     = "coord.read"
	CapMutate   = "coord.mutate"
	CapRegister = "agent.register"
	CapAdmin    = "coord.admin"
)

// Checker is the interface used by the gateway and MCP surfaces.
type Checker interface {
	AllowCapability(capability string) bool
	AllowAgent(agentID, capability string) bool
	PolicyVersion() string
}

// AgentRule narrows the capabilities of a single agent id (or "*").
type AgentRule struct {
	Agent        string   `yaml:"agent"`
	Capabilities []string `yaml:"capabilities"`
}

// Policy is the serializable policy data.
type Policy struct {
	AllowCapabilities []string    `yaml:"allow_capabilities"`
	AgentRules        []AgentRule `yaml:"agent_rules,omitempty"`
}

// Default is used when no policy file exists: every coordination capability
// except admin is granted.
func Default() Policy {
	return Policy{
		AllowCapabilities: []string{CapRead, CapMutate, CapRegister},
	}
}

var knownCapabilities = map[string]struct{}{
	CapRead:     {},
	CapMutate:   {},
	CapRegister: {},
	CapAdmin:    {},
}

// Known reports whether capability is one the engine understands.
func Known(capability string) bool {
	_, ok := knownCapabilities[normalize(capability)]
	return ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) AllowCapability(capability string) bool {
	capability = normalize(capability)
	if capability == "" {
		return false
	}
	return containsNormalized(p.AllowCapabilities, capability)
}

// AllowAgent checks a capability for a specific agent. The most specific
// matching rule wins (exact id over "*"); with no matching rule the
// deployment-wide allowlist applies. A rule can only narrow: a capability
// missing from allow_capabilities is denied regardless of rules.
func (p Policy) AllowAgent(agentID, capability string) bool {
	if !p.AllowCapability(capability) {
		return false
	}
	agentID = normalize(agentID)
	capability = normalize(capability)

	var best *AgentRule
	bestScore := 0
	for i := range p.AgentRules {
		rule := &p.AgentRules[i]
		score := 0
		switch normalize(rule.Agent) {
		case agentID:
			score = 2
		case "*":
			score = 1
		default:
			continue
		}
		if score > bestScore {
			best, bestScore = rule, score
		}
	}
	if best == nil {
		return true
	}
	for _, c := range best.Capabilities {
		c = normalize(c)
		if c == "*" || c == capability {
			return true
		}
	}
	return false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func (p Policy) validate() error {
	check := func(capName string) error {
		capability := normalize(capName)
		if capability == "" || capability == "*" {
			return nil
		}
		if _, ok := knownCapabilities[capability]; !ok {
			return fmt.Errorf("unknown capability %q", capName)
		}
		return nil
	}
	for _, capName := range p.AllowCapabilities {
		if normalize(capName) == "*" {
			return fmt.Errorf("wildcard not allowed in allow_capabilities")
		}
		if err := check(capName); err != nil {
			return err
		}
	}
	for _, rule := range p.AgentRules {
		if normalize(rule.Agent) == "" {
			return fmt.Errorf("agent rule without agent")
		}
		for _, capName := range rule.Capabilities {
			if err := check(capName); err != nil {
				return err
			}
		}
	}
	return nil
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) AllowCapability(capability string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowCapability(capability)
}

func (lp *LivePolicy) AllowAgent(agentID, capability string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowAgent(agentID, capability)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

func containsNormalized(slice []string, val string) bool {
	for _, s := range slice {
		if normalize(s) == val {
			return true
		}
	}
	return false
}

// AddCapability grants a capability at runtime and persists the change.
func (lp *LivePolicy) AddCapability(capability string) error {
	capability = normalize(capability)
	if capability == "" {
		return fmt.Errorf("empty capability")
	}
	if _, ok := knownCapabilities[capability]; !ok {
		return fmt.Errorf("unknown capability %q", capability)
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	if containsNormalized(lp.data.AllowCapabilities, capability) {
		return nil
	}
	lp.data.AllowCapabilities = append(lp.data.AllowCapabilities, capability)
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := Policy{AllowCapabilities: append([]string(nil), lp.data.AllowCapabilities...)}
	for _, r := range lp.data.AgentRules {
		cp.AgentRules = append(cp.AgentRules, AgentRule{
			Agent:        r.Agent,
			Capabilities: append([]string(nil), r.Capabilities...),
		})
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.AllowCapabilities {
		_, _ = h.Write([]byte(normalize(v) + "|"))
	}
	for _, r := range p.AgentRules {
		_, _ = h.Write([]byte("rule:" + normalize(r.Agent) + "="))
		for _, c := range r.Capabilities {
			_, _ = h.Write([]byte(normalize(c) + ","))
		}
		_, _ = h.Write([]byte("|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
