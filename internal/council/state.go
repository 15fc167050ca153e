package council

import "sync"

// NoProposal marks a member that has never promised or never accepted.
const NoProposal int64 = -1

// PaxosState is the mutex-guarded Paxos state of one member: the
// proposer's sequence counter plus the acceptor triple. Every transition
// happens atomically under the one mutex, so concurrent PREPARE and
// ACCEPT traffic from different sessions serializes here.
type PaxosState struct {
	mu             sync.Mutex
	nextSequence   int64
	promised       int64
	acceptedNumber int64
	acceptedValue  string
}

func NewPaxosState() *PaxosState {
	return &PaxosState{
		promised:       NoProposal,
		acceptedNumber: NoProposal,
	}
}

// NextProposalNumber mints a globally unique, monotonically increasing
// proposal number: the per-member sequence shifted past a low nibble
// carrying the member id, so concurrent attempts order totally with ties
// broken by id.
func (s *PaxosState) NextProposalNumber(memberID int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSequence++
	return s.nextSequence<<4 | int64(memberID)&0xF
}

// ApplyPrepare runs the phase 1b transition. ok reports whether the
// prepare was promised; promised is the number the reply should carry —
// the freshly raised promise on success, the standing promise (at or
// above n) on rejection so the proposer learns how high it must go.
func (s *PaxosState) ApplyPrepare(n int64) (acceptedNumber int64, acceptedValue string, promised int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.promised {
		s.promised = n
		return s.acceptedNumber, s.acceptedValue, n, true
	}
	return s.acceptedNumber, s.acceptedValue, s.promised, false
}

// ApplyAccept runs the phase 2b transition. Equal numbers are accepted:
// the proposer's own prepare already raised promised to n.
func (s *PaxosState) ApplyAccept(n int64, value string) (promised int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= s.promised {
		s.promised = n
		s.acceptedNumber = n
		s.acceptedValue = value
		return n, true
	}
	return s.promised, false
}

func (s *PaxosState) Promised() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promised
}

// Accepted returns the accepted proposal number and its value; the value
// is empty exactly when the number is NoProposal.
func (s *PaxosState) Accepted() (int64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptedNumber, s.acceptedValue
}

// Reset returns the state to its initial value. Administrative use only;
// never called during a run.
func (s *PaxosState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSequence = 0
	s.promised = NoProposal
	s.acceptedNumber = NoProposal
	s.acceptedValue = ""
}
