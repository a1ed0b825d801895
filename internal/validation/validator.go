package validation

import (
	"strings"
	"unicode"

	"github.com/harbordb/kvengine/internal/errors"
	"github.com/harbordb/kvengine/internal/model"
)

const (
	// MaxKeySize is the memcached-compatible document key limit.
	MaxKeySize = 250

	// MaxNodeIDSize bounds replication chain node identifiers.
	MaxNodeIDSize = 128
)

// Validator validates engine ingress operations
type Validator struct {
	maxKeySize    int
	maxNodeIDSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:    MaxKeySize,
		maxNodeIDSize: MaxNodeIDSize,
	}
}

// ValidatePrepare validates a durable write before it is routed to a
// vbucket.
func (v *Validator) ValidatePrepare(key string, reqs model.Requirements) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	if reqs.Level == model.LevelNone {
		return errors.InvalidArgument("durable write requires a durability level", nil)
	}
	return nil
}

// ValidateKey validates a document key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("key cannot be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return errors.InvalidArgumentf("key size %d exceeds maximum %d", len(key), v.maxKeySize)
	}
	if strings.Contains(key, "\x00") {
		return errors.InvalidArgument("key cannot contain null bytes", nil)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("key cannot contain control characters", nil)
		}
	}
	return nil
}

// ValidateNodeID validates a replication chain node identifier
func (v *Validator) ValidateNodeID(node string) error {
	if node == "" {
		return errors.InvalidArgument("node id cannot be empty", nil)
	}
	if len(node) > v.maxNodeIDSize {
		return errors.InvalidArgumentf("node id size %d exceeds maximum %d",
			len(node), v.maxNodeIDSize)
	}
	for _, r := range node {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.InvalidArgument("node id cannot contain whitespace or control characters", nil)
		}
	}
	return nil
}

// ValidateTopology validates the shape of a replication topology before
// it reaches a durability monitor. Empty node names stand for undefined
// replica slots and are permitted everywhere but the active position.
func (v *Validator) ValidateTopology(chains [][]string, maxReplicas int) error {
	if len(chains) == 0 {
		return errors.InvalidArgument("topology is empty", nil)
	}
	for i, chain := range chains {
		if len(chain) == 0 {
			return errors.InvalidArgumentf("topology chain %d is empty", i)
		}
		if len(chain) > 1+maxReplicas {
			return errors.InvalidArgumentf("topology chain %d has %d nodes, maximum %d",
				i, len(chain), 1+maxReplicas)
		}
		if chain[0] == "" {
			return errors.InvalidArgumentf("topology chain %d active node is undefined", i)
		}
		for _, node := range chain {
			if node == "" {
				continue
			}
			if err := v.ValidateNodeID(node); err != nil {
				return err
			}
		}
	}
	return nil
}
