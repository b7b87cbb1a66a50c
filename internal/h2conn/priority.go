package h2conn

import (
	"fmt"
	"sync"

	"example.com/h2streamproxy/internal/httpframe"
)

// FrameHeader and PriorityFrame are the wire types a PRIORITY frame arrives
// as; aliased here so the tree's API can speak of them without every caller
// importing httpframe directly.
type FrameHeader = httpframe.FrameHeader
type PriorityFrame = httpframe.PriorityFrame

// priorityNode stores individual stream priority information.
// As per RFC 7540 Section 5.3.
// This struct is not typically exported, as its fields are managed by PriorityTree.
type priorityNode struct {
	// streamID is the ID of the stream this node represents.
	streamID uint32

	// weight is the stream's weight, as specified in a PRIORITY or HEADERS frame.
	// This is an 8-bit value (0-255). The effective weight used for resource
	// allocation is this value + 1 (range 1-256).
	// RFC 7540, Section 5.3.2: "A default weight of 16 is assigned..."
	// This corresponds to a frame value of 15.
	weight uint8

	// parentID is the stream ID of the parent stream.
	// A value of 0 indicates that this stream is dependent on the root (stream 0 itself).
	parentID uint32

	// childrenIDs is a list of stream IDs that are direct children of this node.
	// The order might matter for some scheduling algorithms, but RFC 7540
	// does not specify order significance beyond weight.
	childrenIDs []uint32

	// exclusive indicates if this stream was made an exclusive child of its parent
	// when its dependency was last set.
	exclusive bool
}

// streamDependencyInfo is the priority information carried by a HEADERS
// frame's optional priority fields, a standalone PRIORITY frame, or an
// UpdatePriority call.
type streamDependencyInfo struct {
	StreamDependency uint32
	Weight           uint8
	Exclusive        bool
}

// PriorityTree manages all priorityNodes and stream dependencies for a connection.
// It provides thread-safe access to the priority state of streams.
// Stream 0 is the implicit root of the tree, and all streams are initially
// dependent on stream 0.
type PriorityTree struct {
	// mu protects access to the nodes map and the internal structure of priorityNodes
	// if they were to be modified directly by multiple goroutines (though typically
	// modifications would be serialized through PriorityTree methods).
	mu sync.RWMutex

	// nodes maps a stream ID to its priorityNode.
	// This map includes a node for stream 0, which acts as the root.
	nodes map[uint32]*priorityNode
}

// NewPriorityTree creates and initializes a new PriorityTree.
// It sets up stream 0 as the root of the priority tree.
func NewPriorityTree() *PriorityTree {
	rootNode := &priorityNode{
		streamID:    0,
		weight:      0,
		parentID:    0,
		childrenIDs: make([]uint32, 0),
		exclusive:   false,
	}

	return &PriorityTree{
		nodes: map[uint32]*priorityNode{
			0: rootNode,
		},
	}
}

// getOrCreateNodeNoLock returns the node for streamID, creating a default
// one (dependent on the root, default weight) if this is the first time
// the tree has seen it — e.g. a PRIORITY frame can reference a stream that
// hasn't been opened yet. Callers must hold mu or own the tree exclusively.
func (pt *PriorityTree) getOrCreateNodeNoLock(streamID uint32) *priorityNode {
	if n, ok := pt.nodes[streamID]; ok {
		return n
	}
	n := &priorityNode{streamID: streamID, parentID: 0, weight: 15}
	pt.nodes[streamID] = n
	root := pt.nodes[0]
	root.childrenIDs = append(root.childrenIDs, streamID)
	return n
}

// removeChildNoLock removes childID from parent's childrenIDs, if present.
func (pt *PriorityTree) removeChildNoLock(parentID, childID uint32) {
	parent, ok := pt.nodes[parentID]
	if !ok {
		return
	}
	for i, id := range parent.childrenIDs {
		if id == childID {
			parent.childrenIDs = append(parent.childrenIDs[:i], parent.childrenIDs[i+1:]...)
			return
		}
	}
}

// setDependencyNoLock reparents streamID under dep.StreamDependency, handling
// the exclusive case per RFC 7540 section 5.3.3: the new child takes all of
// the former children of dep.StreamDependency. Returns a *StreamError if
// streamID attempts to depend on itself.
func (pt *PriorityTree) setDependencyNoLock(streamID uint32, dep streamDependencyInfo) error {
	if dep.StreamDependency == streamID {
		return NewStreamError(streamID, ErrCodeProtocolError, fmt.Sprintf("stream %d cannot depend on itself", streamID))
	}

	node := pt.getOrCreateNodeNoLock(streamID)
	parent := dep.StreamDependency

	pt.removeChildNoLock(node.parentID, streamID)

	if dep.Exclusive {
		newParent := pt.getOrCreateNodeNoLock(parent)
		formerChildren := newParent.childrenIDs
		newParent.childrenIDs = []uint32{streamID}
		node.childrenIDs = nil
		for _, c := range formerChildren {
			if c == streamID {
				continue
			}
			if cn, ok := pt.nodes[c]; ok {
				cn.parentID = streamID
			}
			node.childrenIDs = append(node.childrenIDs, c)
		}
	} else {
		newParent := pt.getOrCreateNodeNoLock(parent)
		newParent.childrenIDs = append(newParent.childrenIDs, streamID)
	}

	node.parentID = parent
	node.weight = dep.Weight
	node.exclusive = dep.Exclusive
	return nil
}

// AddStream registers a newly opened stream with the tree, applying the
// dependency info carried by its opening HEADERS frame. A nil dependency
// means the stream is dependent on the root with the default weight.
func (pt *PriorityTree) AddStream(streamID uint32, dependency *streamDependencyInfo) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "cannot add or modify priority for stream 0 via AddStream")
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	dep := streamDependencyInfo{Weight: 15}
	if dependency != nil {
		dep = *dependency
		if dep.Weight == 0 {
			dep.Weight = 15
		}
	}
	return pt.setDependencyNoLock(streamID, dep)
}

// ProcessPriorityFrame applies a standalone PRIORITY frame's dependency
// info to the stream it targets.
func (pt *PriorityTree) ProcessPriorityFrame(frame *PriorityFrame) error {
	streamID := frame.Header().StreamID
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PRIORITY frame cannot target stream 0")
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	dep := streamDependencyInfo{
		StreamDependency: frame.StreamDependency,
		Weight:           frame.Weight,
		Exclusive:        frame.Exclusive,
	}
	return pt.setDependencyNoLock(streamID, dep)
}

// UpdatePriority is the programmatic equivalent of ProcessPriorityFrame,
// used by callers (currently the tests) that already have the
// dependency fields unpacked rather than a wire frame.
func (pt *PriorityTree) UpdatePriority(streamID, parentID uint32, weight uint8, exclusive bool) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "cannot update priority for stream 0")
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	return pt.setDependencyNoLock(streamID, streamDependencyInfo{
		StreamDependency: parentID,
		Weight:           weight,
		Exclusive:        exclusive,
	})
}

// RemoveStream removes streamID from the tree, re-parenting its children
// onto its former parent per RFC 7540 section 5.3.4 so the dependency
// graph stays connected after the stream closes.
func (pt *PriorityTree) RemoveStream(streamID uint32) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "cannot remove stream 0 from the priority tree")
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	node, ok := pt.nodes[streamID]
	if !ok {
		return nil
	}

	pt.removeChildNoLock(node.parentID, streamID)
	newParent := pt.nodes[node.parentID]
	for _, childID := range node.childrenIDs {
		if cn, ok := pt.nodes[childID]; ok {
			cn.parentID = node.parentID
		}
		if newParent != nil {
			newParent.childrenIDs = append(newParent.childrenIDs, childID)
		}
	}

	delete(pt.nodes, streamID)
	return nil
}

// GetDependencies returns streamID's parent, direct children, and weight.
func (pt *PriorityTree) GetDependencies(streamID uint32) (parentID uint32, childrenIDs []uint32, weight uint8, err error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	node, ok := pt.nodes[streamID]
	if !ok {
		return 0, nil, 0, fmt.Errorf("stream %d not found in priority tree", streamID)
	}
	children := make([]uint32, len(node.childrenIDs))
	copy(children, node.childrenIDs)
	return node.parentID, children, node.weight, nil
}
