package council

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jvenkit1/council-go/internal/network"
	"github.com/jvenkit1/council-go/internal/proto"
)

// Outcome is the result of a single proposal attempt.
type Outcome int

const (
	// Chosen: a majority accepted the proposal's value.
	Chosen Outcome = iota + 1
	// LostQuorum: fewer than a majority answered favourably in one of
	// the two phases.
	LostQuorum
	// Aborted: the member shut down mid-attempt.
	Aborted
)

var outcomeNames = [...]string{"Chosen", "LostQuorum", "Aborted"}

func (o Outcome) String() string {
	if o < Chosen || o > Aborted {
		return "Unknown"
	}
	return outcomeNames[o-1]
}

// Propose drives value through a single two-phase attempt across the
// council and reports whether it — or a previously accepted value that
// superseded it — was chosen. One invocation is one attempt; retrying
// after LostQuorum with a fresh number is the caller's decision.
func (m *Member) Propose(value string) (Outcome, error) {
	if value == "" {
		return 0, errors.New("proposal value must be non-empty")
	}
	if m.stopped() {
		return Aborted, ErrStopped
	}

	m.ensureSessions()

	n := m.state.NextProposalNumber(m.id)
	if n <= 0 {
		return 0, fmt.Errorf("proposal number overflow: %d", n)
	}
	log := m.log.WithField("Proposal Number", n)

	replies := m.replies.register(n, 4*len(m.cfg.Members))
	defer m.replies.unregister(n)

	// Phase 1: prepare / promise.
	prepare := proto.Message{
		Kind:                   proto.PrepareMessage,
		ProposalNumber:         n,
		SenderID:               m.id,
		AcceptedProposalNumber: proto.NoneAccepted,
	}
	promises := m.collect(replies, n, prepare, proto.PromiseMessage, log)
	if m.stopped() {
		return Aborted, ErrStopped
	}
	quorum := m.cfg.Quorum()
	if len(promises) < quorum {
		log.WithFields(logrus.Fields{
			"Promises": len(promises),
			"Quorum":   quorum,
		}).Warn("Did not receive majority of promises")
		return LostQuorum, nil
	}

	// Phase 2: accept / accepted, with the value P2c forces on us.
	chosen := chooseValue(value, promises)
	accept := proto.Message{
		Kind:                   proto.AcceptMessage,
		ProposalNumber:         n,
		Value:                  chosen,
		SenderID:               m.id,
		AcceptedProposalNumber: proto.NoneAccepted,
	}
	acceptances := m.collect(replies, n, accept, proto.AcceptedMessage, log)
	if m.stopped() {
		return Aborted, ErrStopped
	}
	if len(acceptances) < quorum {
		log.WithFields(logrus.Fields{
			"Acceptances": len(acceptances),
			"Quorum":      quorum,
		}).Warn("Did not receive majority of acceptances")
		return LostQuorum, nil
	}

	log.WithField("Value", chosen).Infof("Consensus reached on value: %s", chosen)
	return Chosen, nil
}

// collect fans request over every live session, takes the member's own
// acceptor vote in-process, and gathers want-kind replies until every
// contacted peer has answered one way or another or the per-message
// timeout lapses. Sessions that vanish mid-scan, drop, reject, or time
// out simply contribute nothing.
func (m *Member) collect(replies chan proto.Message, n int64, request proto.Message, want proto.Kind, log *logrus.Entry) map[int]proto.Message {
	sessions := m.liveSessions()
	for _, sess := range sessions {
		go m.sendRequest(sess, request, log)
	}

	votes := make(map[int]proto.Message)
	if self, ok := m.selfVote(request); ok {
		votes[m.id] = self
	}

	answered := make(map[int]bool)
	deadline := time.NewTimer(m.profile.Timeout())
	defer deadline.Stop()
	for len(answered) < len(sessions) {
		select {
		case msg := <-replies:
			if msg.SenderID == m.id || answered[msg.SenderID] {
				continue
			}
			switch {
			case msg.Kind == proto.RejectMessage:
				answered[msg.SenderID] = true
				log.WithFields(logrus.Fields{
					"Member":   msg.SenderID,
					"Promised": msg.ProposalNumber,
				}).Warn("Request rejected by member")
			case msg.Kind == want && msg.ProposalNumber == n:
				answered[msg.SenderID] = true
				votes[msg.SenderID] = msg
			default:
				// A straggler from the other phase of this proposal;
				// it neither votes nor counts as an answer.
			}
		case <-deadline.C:
			log.WithFields(logrus.Fields{
				"Answered":  len(answered),
				"Contacted": len(sessions),
			}).Warn("Timed out waiting for responses")
			return votes
		case <-m.done:
			return votes
		}
	}
	return votes
}

// sendRequest applies the profile's delay and drop before the send — the
// proposer's outbound leg runs under the same simulated conditions its
// acceptor answers under.
func (m *Member) sendRequest(sess *network.Session, request proto.Message, log *logrus.Entry) {
	if d := m.profile.Delay(); d > 0 {
		select {
		case <-time.After(d):
		case <-m.done:
			return
		}
	}
	if m.profile.ShouldDrop() {
		log.WithFields(logrus.Fields{
			"Member": sess.RemoteID,
			"Kind":   request.Kind.String(),
		}).Warn("Dropping outbound request")
		return
	}
	if err := sess.Send(request); err != nil {
		if !m.stopped() {
			log.WithError(err).WithField("Member", sess.RemoteID).Warn("Failed to send request")
		}
	}
}

// selfVote applies the request to the local acceptor state directly; the
// member votes for itself without a network round trip and without the
// profile's delay and drop.
func (m *Member) selfVote(request proto.Message) (proto.Message, bool) {
	switch request.Kind {
	case proto.PrepareMessage:
		reply := m.acceptor.applyPrepare(request)
		return reply, reply.Kind == proto.PromiseMessage
	case proto.AcceptMessage:
		reply := m.acceptor.applyAccept(request)
		return reply, reply.Kind == proto.AcceptedMessage
	}
	return proto.Message{}, false
}

// chooseValue enforces P2c: adopt the value of the highest-numbered
// promise that carries one, falling back to our own.
func chooseValue(own string, promises map[int]proto.Message) string {
	highest := proto.NoneAccepted
	value := own
	for _, p := range promises {
		if p.AcceptedProposalNumber > highest && p.Value != "" {
			highest = p.AcceptedProposalNumber
			value = p.Value
		}
	}
	return value
}
