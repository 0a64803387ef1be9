package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a replication scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Peers lists the stores taking part. Exactly one must be the authority.
	Peers []Peer `yaml:"peers"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Peer is one store. Its id doubles as actor id and peer id.
type Peer struct {
	ID        string `yaml:"id"`
	Authority bool   `yaml:"authority,omitempty"`
}

// Step operation names.
const (
	OpAppend = "append"
	OpSync   = "sync"
	OpTrim   = "trim"
)

// Step is one operation on one peer.
type Step struct {
	Peer string `yaml:"peer"`
	Op   string `yaml:"op"`

	Space     string `yaml:"space"`
	Namespace string `yaml:"namespace"`
	// Feed is required by append and trim.
	Feed string `yaml:"feed,omitempty"`

	// Data holds one block payload per entry (append).
	Data []string `yaml:"data,omitempty"`
	// Keep is how many blocks trim leaves.
	Keep int64 `yaml:"keep,omitempty"`
	// Batch is the sync batch size; 0 moves everything in one round.
	Batch int `yaml:"batch,omitempty"`

	// ExpectError, when set, requires the step to fail with an error
	// containing this text.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion type constants.
const (
	AssertBlockCount   = "block_count"
	AssertOrder        = "order"
	AssertUnpositioned = "unpositioned"
	AssertConverged    = "converged"
)

// Assertion validates final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Peer is the store checked (all types except converged).
	Peer string `yaml:"peer,omitempty"`

	Space     string `yaml:"space"`
	Namespace string `yaml:"namespace"`
	Feed      string `yaml:"feed,omitempty"`

	// Count is the expected number (block_count, unpositioned).
	Count int64 `yaml:"count,omitempty"`

	// Blocks lists "feed/actor/sequence" in position order (order).
	Blocks []string `yaml:"blocks,omitempty"`

	// Peers limits converged to these peers. Empty means all.
	Peers []string `yaml:"peers,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario is LoadScenario without the file read.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and refer to
// declared peers.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	peers := make(map[string]Peer, len(s.Peers))
	authorities := 0
	for i, p := range s.Peers {
		if p.ID == "" {
			return fmt.Errorf("peers[%d]: id is required", i)
		}
		if _, dup := peers[p.ID]; dup {
			return fmt.Errorf("peers[%d]: duplicate id %q", i, p.ID)
		}
		peers[p.ID] = p
		if p.Authority {
			authorities++
		}
	}
	if authorities != 1 {
		return fmt.Errorf("exactly one authority peer is required, got %d", authorities)
	}

	for i, step := range s.Steps {
		if err := validateStep(step, peers); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, peers); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, peers map[string]Peer) error {
	peer, ok := peers[step.Peer]
	if !ok {
		return fmt.Errorf("unknown peer %q", step.Peer)
	}
	if step.Space == "" || step.Namespace == "" {
		return errors.New("space and namespace are required")
	}

	switch step.Op {
	case OpAppend:
		if len(step.Data) == 0 {
			return errors.New("append needs data")
		}
	case OpSync:
		if peer.Authority {
			return fmt.Errorf("peer %q is the authority and cannot sync", step.Peer)
		}
	case OpTrim:
		if step.Feed == "" {
			return errors.New("trim needs a feed")
		}
	default:
		return fmt.Errorf("unknown op %q (valid: %s, %s, %s)", step.Op, OpAppend, OpSync, OpTrim)
	}
	return nil
}

func validateAssertion(a Assertion, peers map[string]Peer) error {
	if a.Space == "" || a.Namespace == "" {
		return errors.New("space and namespace are required")
	}

	switch a.Type {
	case AssertBlockCount:
		if a.Feed == "" {
			return errors.New("block_count needs a feed")
		}
	case AssertOrder, AssertUnpositioned:
	case AssertConverged:
		for _, id := range a.Peers {
			if _, ok := peers[id]; !ok {
				return fmt.Errorf("unknown peer %q", id)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}

	if _, ok := peers[a.Peer]; !ok {
		return fmt.Errorf("unknown peer %q", a.Peer)
	}
	return nil
}
