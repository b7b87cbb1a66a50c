package h2stream

// ArmTimers starts the stream's active and inactivity timeouts. Active and
// inactive timers are independent (section 5 of the concurrency model);
// the active timer bounds the stream's total lifetime regardless of
// progress, while the inactivity timer is refreshed on every observed
// read/write progress via refreshInactivityLocked.
func (s *Stream) ArmTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.ActiveTimeout > 0 {
		s.events.ScheduleIn(SlotActiveTimer, s.cfg.ActiveTimeout, EventActiveTimeout, func() {
			s.fireTimeout(EventActiveTimeout)
		})
	}
	s.refreshInactivityLocked()
}

func (s *Stream) refreshInactivityLocked() {
	if s.cfg.InactivityTimeout <= 0 {
		return
	}
	s.events.ScheduleIn(SlotInactivityTimer, s.cfg.InactivityTimeout, EventInactivityTimeout, func() {
		s.fireTimeout(EventInactivityTimeout)
	})
}

// fireTimeout dispatches a timer expiry to the driver on whichever side
// has outstanding work; the writer is preferred if both a read and a
// write are outstanding.
func (s *Stream) fireTimeout(code EventCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter("fireTimeout:" + code.String())
	defer s.leave("fireTimeout:" + code.String())

	if s.closed {
		return
	}
	if s.writeVIO != nil && s.writeVIO.Cont != nil {
		s.deliverLocked(s.writeVIO, code)
		return
	}
	if s.readVIO != nil && s.readVIO.Cont != nil {
		s.deliverLocked(s.readVIO, code)
	}
}
