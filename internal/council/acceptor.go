package council

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jvenkit1/council-go/internal/proto"
)

// Acceptor answers PREPARE and ACCEPT requests against the member's
// Paxos state, under the member's response profile.
type Acceptor struct {
	id      int
	state   *PaxosState
	profile Profile
	log     *logrus.Entry
}

func NewAcceptor(id int, state *PaxosState, profile Profile, log *logrus.Entry) *Acceptor {
	return &Acceptor{
		id:      id,
		state:   state,
		profile: profile,
		log:     log,
	}
}

// HandlePrepare simulates the member's response delay, commits the phase
// 1b transition, and only then rolls the drop dice. ErrDrop means the
// reply must not be sent; the committed promise stands regardless.
func (a *Acceptor) HandlePrepare(msg proto.Message) (proto.Message, error) {
	a.simulateDelay()
	reply := a.applyPrepare(msg)
	if a.profile.ShouldDrop() {
		a.log.WithFields(logrus.Fields{
			"Proposal Number": msg.ProposalNumber,
			"Proposer":        msg.SenderID,
		}).Warn("Dropping PREPARE response")
		return proto.Message{}, ErrDrop
	}
	return reply, nil
}

// HandleAccept is the phase 2b counterpart of HandlePrepare.
func (a *Acceptor) HandleAccept(msg proto.Message) (proto.Message, error) {
	a.simulateDelay()
	reply := a.applyAccept(msg)
	if a.profile.ShouldDrop() {
		a.log.WithFields(logrus.Fields{
			"Proposal Number": msg.ProposalNumber,
			"Proposer":        msg.SenderID,
		}).Warn("Dropping ACCEPT response")
		return proto.Message{}, ErrDrop
	}
	return reply, nil
}

func (a *Acceptor) applyPrepare(msg proto.Message) proto.Message {
	acceptedNumber, acceptedValue, promised, ok := a.state.ApplyPrepare(msg.ProposalNumber)
	if !ok {
		a.log.WithFields(logrus.Fields{
			"Proposal Number": msg.ProposalNumber,
			"Promised":        promised,
			"Proposer":        msg.SenderID,
		}).Warn("Rejecting PREPARE at or below promised number")
		return reject(a.id, promised)
	}
	a.log.WithFields(logrus.Fields{
		"Proposal Number":          msg.ProposalNumber,
		"Accepted Proposal Number": acceptedNumber,
		"Proposer":                 msg.SenderID,
	}).Info("Promised proposal")
	return proto.Message{
		Kind:                   proto.PromiseMessage,
		ProposalNumber:         msg.ProposalNumber,
		Value:                  acceptedValue,
		SenderID:               a.id,
		AcceptedProposalNumber: acceptedNumber,
	}
}

func (a *Acceptor) applyAccept(msg proto.Message) proto.Message {
	promised, ok := a.state.ApplyAccept(msg.ProposalNumber, msg.Value)
	if !ok {
		a.log.WithFields(logrus.Fields{
			"Proposal Number": msg.ProposalNumber,
			"Promised":        promised,
			"Proposer":        msg.SenderID,
		}).Warn("Rejecting ACCEPT below promised number")
		return reject(a.id, promised)
	}
	a.log.WithFields(logrus.Fields{
		"Proposal Number": msg.ProposalNumber,
		"Value":           msg.Value,
		"Proposer":        msg.SenderID,
	}).Info("Accepted proposal")
	return proto.Message{
		Kind:                   proto.AcceptedMessage,
		ProposalNumber:         msg.ProposalNumber,
		Value:                  msg.Value,
		SenderID:               a.id,
		AcceptedProposalNumber: proto.NoneAccepted,
	}
}

func reject(id int, promised int64) proto.Message {
	return proto.Message{
		Kind:                   proto.RejectMessage,
		ProposalNumber:         promised,
		SenderID:               id,
		AcceptedProposalNumber: proto.NoneAccepted,
	}
}

func (a *Acceptor) simulateDelay() {
	if d := a.profile.Delay(); d > 0 {
		time.Sleep(d)
	}
}
