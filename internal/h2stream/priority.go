package h2stream

// PriorityWeight and PriorityParentID are read-only projections of this
// stream's node in the connection's priority tree. The tree itself is
// owned and mutated by the connection layer (priority scheduling is out
// of the core's scope); these accessors only let a driver or logging path
// read the position it was last assigned.

// PriorityWeight returns this stream's current priority weight, or 0 if
// the connection has no priority record for it.
func (s *Stream) PriorityWeight() uint8 {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0
	}
	_, weight, ok := conn.StreamPriority(s)
	if !ok {
		return 0
	}
	return weight
}

// PriorityParentID returns the stream ID this stream currently depends
// on, or 0 (the root) if the connection has no priority record for it.
func (s *Stream) PriorityParentID() uint32 {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0
	}
	parentID, _, ok := conn.StreamPriority(s)
	if !ok {
		return 0
	}
	return parentID
}
