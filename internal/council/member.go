package council

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jvenkit1/council-go/internal/network"
	"github.com/jvenkit1/council-go/internal/proto"
)

// Member is one council process: it owns the listener, the outbound
// connections, the Paxos state, and the per-session dispatch loops that
// feed it.
type Member struct {
	id       int
	cfg      *Config
	profile  Profile
	state    *PaxosState
	acceptor *Acceptor
	log      *logrus.Entry

	mu       sync.Mutex
	sessions map[int]*network.Session

	replies  *replyRouter
	listener *network.Listener

	done     chan struct{}
	stopOnce sync.Once
}

func NewMember(id int, cfg *Config, profile Profile, log *logrus.Entry) *Member {
	state := NewPaxosState()
	return &Member{
		id:       id,
		cfg:      cfg,
		profile:  profile,
		state:    state,
		acceptor: NewAcceptor(id, state, profile, log),
		log:      log,
		sessions: make(map[int]*network.Session),
		replies:  newReplyRouter(),
		done:     make(chan struct{}),
	}
}

// State exposes the member's Paxos state for inspection.
func (m *Member) State() *PaxosState {
	return m.state
}

// Start opens the listen endpoint and dials every other configured
// member in the background. Connect failures are logged and retried on
// the next proposal.
func (m *Member) Start() error {
	addr, ok := m.cfg.Address(m.id)
	if !ok {
		return fmt.Errorf("member %d missing from addressbook", m.id)
	}
	listener, err := network.Listen(addr)
	if err != nil {
		m.log.WithError(err).Error("Failed to start listener")
		return err
	}
	m.listener = listener
	m.log.WithField("Address", addr).Info("Listening for council members")

	go m.acceptLoop()
	for id := range m.cfg.Members {
		if id == m.id {
			continue
		}
		go m.dialMember(id)
	}
	return nil
}

func (m *Member) acceptLoop() {
	for {
		sess, err := m.listener.Accept(context.Background())
		if err != nil {
			if !m.stopped() {
				m.log.WithError(err).Warn("Listener stopped accepting")
			}
			return
		}
		go m.handshakeInbound(sess)
	}
}

// handshakeInbound answers a dialing peer: its first frame must announce
// who it is, and we reply in kind before registering the session.
func (m *Member) handshakeInbound(sess *network.Session) {
	msg, err := sess.Receive()
	if err != nil {
		if !m.stopped() {
			m.log.WithError(err).Warn("Failed to read handshake")
		}
		sess.Close()
		return
	}
	if msg.Kind != proto.HandshakeMessage {
		m.log.WithField("Kind", msg.Kind.String()).Warnf("Discarding connection: %v", ErrProtocolViolation)
		sess.Close()
		return
	}
	if err := sess.Send(handshake(m.id)); err != nil {
		m.log.WithError(err).WithField("Member", msg.SenderID).Warn("Failed to answer handshake")
		sess.Close()
		return
	}
	m.register(msg.SenderID, sess)
}

// dialMember connects out, announces itself, and expects the peer to
// announce back.
func (m *Member) dialMember(id int) {
	addr, ok := m.cfg.Address(id)
	if !ok {
		return
	}
	sess, err := network.Dial(context.Background(), addr)
	if err != nil {
		m.log.WithError(err).WithField("Member", id).Warn("Failed to connect to member")
		return
	}
	if err := sess.Send(handshake(m.id)); err != nil {
		m.log.WithError(err).WithField("Member", id).Warn("Failed to send handshake")
		sess.Close()
		return
	}
	msg, err := sess.Receive()
	if err != nil {
		m.log.WithError(err).WithField("Member", id).Warn("Failed to read handshake response")
		sess.Close()
		return
	}
	if msg.Kind != proto.HandshakeMessage {
		m.log.WithField("Kind", msg.Kind.String()).Warnf("Discarding connection: %v", ErrProtocolViolation)
		sess.Close()
		return
	}
	m.register(msg.SenderID, sess)
}

// register keys the session under the identifier the peer announced and
// hands it to a dispatch loop. A reconnect replaces the old session.
func (m *Member) register(id int, sess *network.Session) {
	sess.RemoteID = id
	m.mu.Lock()
	if m.stopped() {
		m.mu.Unlock()
		sess.Close()
		return
	}
	if old, ok := m.sessions[id]; ok {
		old.Close()
	}
	m.sessions[id] = sess
	m.mu.Unlock()
	m.log.WithField("Member", id).Info("Session established")
	go m.dispatchLoop(sess)
}

func (m *Member) unregister(sess *network.Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[sess.RemoteID]; ok && cur == sess {
		delete(m.sessions, sess.RemoteID)
	}
	m.mu.Unlock()
}

// dispatchLoop is the sole reader of a session. Requests go to the
// acceptor and are answered on the same session; responses are routed to
// whichever proposal is waiting on them. Any receive failure retires the
// session.
func (m *Member) dispatchLoop(sess *network.Session) {
	defer func() {
		m.unregister(sess)
		sess.Close()
	}()
	for {
		msg, err := sess.Receive()
		if err != nil {
			if !m.stopped() {
				m.log.WithError(err).WithField("Member", sess.RemoteID).Warn("Session lost")
			}
			return
		}
		switch msg.Kind {
		case proto.PrepareMessage:
			m.answer(sess, msg, m.acceptor.HandlePrepare)
		case proto.AcceptMessage:
			m.answer(sess, msg, m.acceptor.HandleAccept)
		case proto.PromiseMessage, proto.AcceptedMessage, proto.RejectMessage:
			m.replies.route(msg)
		default:
			m.log.WithField("Kind", msg.Kind.String()).Debug("Ignoring stray message")
		}
	}
}

func (m *Member) answer(sess *network.Session, msg proto.Message, handle func(proto.Message) (proto.Message, error)) {
	reply, err := handle(msg)
	if err != nil {
		// Response dropped by the profile; the handler already logged it.
		return
	}
	if err := sess.Send(reply); err != nil {
		m.log.WithError(err).WithField("Member", sess.RemoteID).Warn("Failed to send response")
	}
}

// ensureSessions redials any configured member the registry has no live
// session for. Failures only shrink the fan-out.
func (m *Member) ensureSessions() {
	var missing []int
	m.mu.Lock()
	for id := range m.cfg.Members {
		if id == m.id {
			continue
		}
		if _, ok := m.sessions[id]; !ok {
			missing = append(missing, id)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range missing {
		if _, ok := m.cfg.Address(id); !ok {
			continue
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.dialMember(id)
		}(id)
	}
	wg.Wait()
}

func (m *Member) liveSessions() []*network.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*network.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown stops accepting, closes every session (unblocking their
// receives), and aborts outstanding proposals. Safe to call more than
// once.
func (m *Member) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.listener != nil {
			m.listener.Close()
		}
		m.mu.Lock()
		sessions := make([]*network.Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.sessions = make(map[int]*network.Session)
		m.mu.Unlock()
		for _, s := range sessions {
			s.Close()
		}
		m.log.Info("Member shut down")
	})
}

func (m *Member) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func handshake(id int) proto.Message {
	return proto.Message{
		Kind:                   proto.HandshakeMessage,
		SenderID:               id,
		AcceptedProposalNumber: proto.NoneAccepted,
	}
}

// replyRouter hands PROMISE, ACCEPTED, and REJECT frames to the proposal
// waiting on them, keyed by proposal number. A REJECT carries the
// acceptor's promised number rather than ours, so it goes to every
// outstanding proposal; it never counts as a vote, only as an answer.
type replyRouter struct {
	mu     sync.Mutex
	queues map[int64]chan proto.Message
}

func newReplyRouter() *replyRouter {
	return &replyRouter{queues: make(map[int64]chan proto.Message)}
}

func (r *replyRouter) register(n int64, depth int) chan proto.Message {
	ch := make(chan proto.Message, depth)
	r.mu.Lock()
	r.queues[n] = ch
	r.mu.Unlock()
	return ch
}

func (r *replyRouter) unregister(n int64) {
	r.mu.Lock()
	delete(r.queues, n)
	r.mu.Unlock()
}

func (r *replyRouter) route(msg proto.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.Kind == proto.RejectMessage {
		for _, ch := range r.queues {
			select {
			case ch <- msg:
			default:
			}
		}
		return
	}
	if ch, ok := r.queues[msg.ProposalNumber]; ok {
		select {
		case ch <- msg:
		default:
		}
	}
}
