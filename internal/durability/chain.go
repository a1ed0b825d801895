package durability

import (
	"container/list"

	"github.com/harbordb/kvengine/internal/errors"
	"github.com/harbordb/kvengine/internal/model"
)

// undefinedNode marks an unassigned replica slot in a topology, e.g.
// after an auto-failover that has not been rebalanced away yet.
const undefinedNode = ""

// position tracks how far a node has progressed through the container
// of tracked SyncWrites for one medium (memory or disk).
//
// cursor points at the last SyncWrite acknowledged by the node, so ack
// processing never scans. A nil cursor is the end sentinel: it means
// either "before the first element" or "the pointed element was removed
// from the head"; in both cases the next element is the container
// front.
//
// lastWriteSeqno keeps the seqno of the pointed SyncWrite even after
// the cursor is invalidated by removal. lastAckSeqno keeps the last
// seqno the node reported, which may run ahead of lastWriteSeqno.
type position struct {
	cursor         *list.Element
	lastWriteSeqno model.WeaklyMonotonic
	lastAckSeqno   model.WeaklyMonotonic
}

// nodePosition pairs the memory and disk positions of one chain node.
type nodePosition struct {
	memory position
	disk   position
}

// replicationChain is the first chain of a replication topology: the
// active node plus up to maxReplicas replicas holding the vbucket.
type replicationChain struct {
	// positions indexes the seqno-state of every defined node.
	positions map[string]*nodePosition

	// majority in the arithmetic sense over every chain slot,
	// defined or not: slots/2 + 1. An undefined replica still needs
	// replacing before it can ack, so it counts toward the quorum
	// denominator.
	majority int

	active string
}

// newReplicationChain builds a chain from the node list, skipping
// undefined replica slots. The active (first) node must be defined and
// nodes must be unique.
func newReplicationChain(nodes []string) (*replicationChain, error) {
	if nodes[0] == undefinedNode {
		return nil, errors.InvalidArgument(
			"replication chain: active node cannot be undefined", nil)
	}

	c := &replicationChain{
		positions: make(map[string]*nodePosition, len(nodes)),
		majority:  len(nodes)/2 + 1,
		active:    nodes[0],
	}
	for _, node := range nodes {
		if node == undefinedNode {
			// unassigned, don't register a position in the chain
			continue
		}
		if _, dup := c.positions[node]; dup {
			return nil, errors.InvalidArgumentf(
				"replication chain: duplicate node: %s", node)
		}
		c.positions[node] = &nodePosition{
			memory: position{
				lastWriteSeqno: model.NewWeaklyMonotonic(node+":memory:last_write_seqno", 0),
				lastAckSeqno:   model.NewWeaklyMonotonic(node+":memory:last_ack_seqno", 0),
			},
			disk: position{
				lastWriteSeqno: model.NewWeaklyMonotonic(node+":disk:last_write_seqno", 0),
				lastAckSeqno:   model.NewWeaklyMonotonic(node+":disk:last_ack_seqno", 0),
			},
		}
	}
	return c, nil
}

// size returns the number of defined nodes.
func (c *replicationChain) size() int {
	return len(c.positions)
}

// isDurabilityPossible reports whether the chain can ever satisfy a
// majority-based durability requirement.
func (c *replicationChain) isDurabilityPossible() bool {
	return c.size() >= c.majority
}

// positionFor returns the node's position for the given medium, or nil
// for a node outside the chain.
func (c *replicationChain) positionFor(node string, t tracking) *position {
	np, ok := c.positions[node]
	if !ok {
		return nil
	}
	if t == trackingMemory {
		return &np.memory
	}
	return &np.disk
}
