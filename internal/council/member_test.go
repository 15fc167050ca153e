package council

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/jvenkit1/council-go/internal/network"
)

// testMember bundles a member with a log hook so tests can observe the
// consensus events it emits.
type testMember struct {
	m    *Member
	hook *logtest.Hook
}

// fixedProfile always answers after exactly delay and never drops.
type fixedProfile struct {
	delay time.Duration
}

func (p fixedProfile) Delay() time.Duration   { return p.delay }
func (p fixedProfile) ShouldDrop() bool       { return false }
func (p fixedProfile) Timeout() time.Duration { return p.delay + time.Second }

// newCouncil builds n members sharing one addressbook with no dialable
// endpoints; tests wire sessions directly over in-memory pipes.
func newCouncil(n int, profiles map[int]Profile) []*testMember {
	cfg := &Config{Members: make(map[int]MemberAddress, n)}
	for id := 1; id <= n; id++ {
		cfg.Members[id] = MemberAddress{}
	}

	members := make([]*testMember, 0, n)
	for id := 1; id <= n; id++ {
		profile, ok := profiles[id]
		if !ok {
			profile = fixedProfile{}
		}
		logger, hook := logtest.NewNullLogger()
		m := NewMember(id, cfg, profile, logger.WithField("Member", id))
		members = append(members, &testMember{m: m, hook: hook})
	}
	return members
}

// connect wires two members with a pipe pair and starts their dispatch
// loops, standing in for the QUIC dial plus handshake.
func connect(a, b *testMember) {
	sa, sb := network.Pipe()
	a.m.register(b.m.id, network.NewSession(sa))
	b.m.register(a.m.id, network.NewSession(sb))
}

func fullyConnect(members []*testMember) {
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			connect(members[i], members[j])
		}
	}
}

func shutdownAll(members []*testMember) {
	for _, tm := range members {
		tm.m.Shutdown()
	}
}

// chosenValues returns every value a member announced consensus on.
func chosenValues(tm *testMember) []string {
	var out []string
	for _, entry := range tm.hook.AllEntries() {
		if strings.HasPrefix(entry.Message, "Consensus reached on value:") {
			if v, ok := entry.Data["Value"].(string); ok {
				out = append(out, v)
			}
		}
	}
	return out
}

func proposeWithin(t *testing.T, tm *testMember, value string, timeout time.Duration) Outcome {
	t.Helper()
	type result struct {
		outcome Outcome
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		outcome, err := tm.m.Propose(value)
		resultCh <- result{outcome, err}
	}()
	select {
	case r := <-resultCh:
		if r.err != nil && !errors.Is(r.err, ErrStopped) {
			t.Fatalf("Propose(%q) failed: %v", value, r.err)
		}
		return r.outcome
	case <-time.After(timeout):
		t.Fatalf("Propose(%q) did not return within %v", value, timeout)
		return 0
	}
}

func TestThreeMemberAgreement(t *testing.T) {
	members := newCouncil(3, nil)
	fullyConnect(members)
	defer shutdownAll(members)

	outcome := proposeWithin(t, members[0], "A", 10*time.Second)
	if outcome != Chosen {
		t.Fatalf("Propose outcome: got %v, want Chosen", outcome)
	}

	for _, tm := range members {
		if _, val := tm.m.State().Accepted(); val != "A" {
			t.Errorf("member %d accepted value: got %q, want \"A\"", tm.m.id, val)
		}
	}
	if vals := chosenValues(members[0]); len(vals) != 1 || vals[0] != "A" {
		t.Errorf("proposer consensus events: got %v, want [A]", vals)
	}
}

func TestConcurrentProposalsConverge(t *testing.T) {
	members := newCouncil(3, nil)
	fullyConnect(members)
	defer shutdownAll(members)

	outcomes := make([]Outcome, 2)
	var wg sync.WaitGroup
	for i, value := range []string{"A", "B"} {
		wg.Add(1)
		go func(i int, value string) {
			defer wg.Done()
			outcome, err := members[i].m.Propose(value)
			if err != nil {
				t.Errorf("Propose(%q) failed: %v", value, err)
				return
			}
			outcomes[i] = outcome
		}(i, value)
	}
	wg.Wait()

	// Whatever happened, no two members may announce different values.
	distinct := make(map[string]bool)
	for _, tm := range members {
		for _, v := range chosenValues(tm) {
			distinct[v] = true
		}
	}
	if len(distinct) > 1 {
		t.Fatalf("conflicting consensus values announced: %v", distinct)
	}

	// If anyone won, the winning value is one of the two proposed.
	for v := range distinct {
		if v != "A" && v != "B" {
			t.Errorf("chosen value %q was never proposed", v)
		}
	}

	if outcomes[0] == Chosen && outcomes[1] == Chosen && len(distinct) != 1 {
		t.Error("both proposals chosen but no single consensus value")
	}
}

func TestMinorityCannotChoose(t *testing.T) {
	members := newCouncil(5, nil)
	// Members 1-3 form the majority side; 4 and 5 are unreachable.
	fullyConnect(members[:3])
	defer shutdownAll(members)

	start := time.Now()
	if outcome := proposeWithin(t, members[0], "X", 10*time.Second); outcome != Chosen {
		t.Errorf("majority-side proposal: got %v, want Chosen", outcome)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("majority-side proposal took %v", elapsed)
	}

	// Member 4 can only reach itself.
	if outcome := proposeWithin(t, members[3], "Y", 10*time.Second); outcome != LostQuorum {
		t.Errorf("minority-side proposal: got %v, want LostQuorum", outcome)
	}
}

func TestPromiseCarriesPriorValue(t *testing.T) {
	members := newCouncil(3, nil)
	fullyConnect(members)
	defer shutdownAll(members)

	// Member 2 already accepted "old" at 0x21.
	state2 := members[1].m.State()
	state2.ApplyPrepare(0x21)
	state2.ApplyAccept(0x21, "old")

	// Member 1's next attempt must outrank 0x21: burn two sequence
	// numbers so the proposal goes out as 0x31.
	state1 := members[0].m.State()
	state1.NextProposalNumber(1)
	state1.NextProposalNumber(1)

	outcome := proposeWithin(t, members[0], "new", 10*time.Second)
	if outcome != Chosen {
		t.Fatalf("Propose outcome: got %v, want Chosen", outcome)
	}

	// P2c: the previously accepted value wins over the proposer's own.
	if vals := chosenValues(members[0]); len(vals) != 1 || vals[0] != "old" {
		t.Fatalf("consensus values: got %v, want [old]", vals)
	}
	for _, tm := range members {
		if num, val := tm.m.State().Accepted(); val != "old" || num != 0x31 {
			t.Errorf("member %d accepted: got (%#x, %q), want (0x31, \"old\")", tm.m.id, num, val)
		}
	}
}

func TestUnreliableMembersStillTerminate(t *testing.T) {
	// Three of nine members run a scaled-down UNRELIABLE profile; the
	// proposal must still terminate, and if it wins nobody may disagree.
	profiles := map[int]Profile{
		7: NewResponseProfile("UNRELIABLE", 30*time.Millisecond, 0.80, rand.New(rand.NewSource(7))),
		8: NewResponseProfile("UNRELIABLE", 30*time.Millisecond, 0.80, rand.New(rand.NewSource(8))),
		9: NewResponseProfile("UNRELIABLE", 30*time.Millisecond, 0.80, rand.New(rand.NewSource(9))),
	}
	members := newCouncil(9, profiles)
	fullyConnect(members)
	defer shutdownAll(members)

	outcome := proposeWithin(t, members[0], "steady", 15*time.Second)
	if outcome != Chosen && outcome != LostQuorum {
		t.Fatalf("outcome: got %v, want Chosen or LostQuorum", outcome)
	}

	// Only one value was ever proposed, so any accepted state must hold it.
	for _, tm := range members {
		if num, val := tm.m.State().Accepted(); num != NoProposal && val != "steady" {
			t.Errorf("member %d accepted value: got %q, want \"steady\"", tm.m.id, val)
		}
	}
}

func TestShutdownDuringProposal(t *testing.T) {
	// Remote members answer after a full second, so the proposal is still
	// in flight when the proposer shuts down.
	profiles := map[int]Profile{
		2: fixedProfile{delay: time.Second},
		3: fixedProfile{delay: time.Second},
	}
	members := newCouncil(3, profiles)
	fullyConnect(members)
	defer shutdownAll(members)

	type result struct {
		outcome Outcome
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		outcome, err := members[0].m.Propose("doomed")
		resultCh <- result{outcome, err}
	}()

	time.Sleep(100 * time.Millisecond)
	members[0].m.Shutdown()

	select {
	case r := <-resultCh:
		if r.outcome != Aborted {
			t.Errorf("outcome: got %v, want Aborted", r.outcome)
		}
		if !errors.Is(r.err, ErrStopped) {
			t.Errorf("err = %v, want ErrStopped", r.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Propose did not return promptly after Shutdown")
	}

	if vals := chosenValues(members[0]); len(vals) != 0 {
		t.Errorf("consensus announced despite shutdown: %v", vals)
	}
}

func TestProposeAfterShutdown(t *testing.T) {
	members := newCouncil(3, nil)
	fullyConnect(members)

	members[0].m.Shutdown()
	// Shutdown is idempotent.
	members[0].m.Shutdown()

	outcome, err := members[0].m.Propose("late")
	if outcome != Aborted || !errors.Is(err, ErrStopped) {
		t.Errorf("Propose after shutdown: got (%v, %v), want (Aborted, ErrStopped)", outcome, err)
	}
	shutdownAll(members)
}

func TestShutdownUnblocksDispatch(t *testing.T) {
	members := newCouncil(2, nil)
	connect(members[0], members[1])

	// Both dispatch loops are blocked in Receive. Shutdown must retire
	// them via the session close.
	done := make(chan struct{})
	go func() {
		members[0].m.Shutdown()
		members[1].m.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not complete within 3 seconds")
	}
}

func TestRejectMakesProposerLoseQuorum(t *testing.T) {
	members := newCouncil(3, nil)
	fullyConnect(members)
	defer shutdownAll(members)

	// Members 2 and 3 promised far above anything member 1 will mint.
	members[1].m.State().ApplyPrepare(0x1000)
	members[2].m.State().ApplyPrepare(0x1000)

	outcome := proposeWithin(t, members[0], "undersized", 10*time.Second)
	if outcome != LostQuorum {
		t.Errorf("outcome: got %v, want LostQuorum", outcome)
	}
	if vals := chosenValues(members[0]); len(vals) != 0 {
		t.Errorf("consensus announced despite rejection: %v", vals)
	}
}
