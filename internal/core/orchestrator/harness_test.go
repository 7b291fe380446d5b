package orchestrator

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/schema"
)

var epoch = time.Unix(1_700_000_000, 0)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	_, err := r.Register(schema.NewClass("Lid").
		Property("open", schema.KindBool))
	require.NoError(t, err)
	_, err = r.Register(schema.NewClass("Mover").
		Property("x", schema.KindInt32, schema.Predict(0)).
		Property("secret", schema.KindInt32, schema.OwnerOnly()).
		Array("cells", schema.KindInt32, 64, 64).
		Function("ping", schema.PermOwner, schema.KindInt32).
		Function("chat", schema.PermAnyPeer, schema.KindString).
		Function("announce", schema.PermAuthority, schema.KindString))
	require.NoError(t, err)
	_, err = r.Register(schema.NewClass("Crate").
		Property("position", schema.KindVec3, schema.Interpolate(1)).
		Property("hp", schema.KindInt32).
		Child("Lid"))
	require.NoError(t, err)
	_, err = r.Register(schema.NewClass("Beacon").
		Property("level", schema.KindUint8).
		InterestAny(2))
	require.NoError(t, err)
	_, err = r.Register(schema.NewClass("Sign").
		Property("front", schema.KindString).
		Property("back", schema.KindString))
	require.NoError(t, err)
	require.NoError(t, r.Freeze())
	return r
}

type call struct {
	fn     string
	caller models.PeerSlot
	args   []replication.Value
}

// mover adds its input byte to x on every tick it receives one.
type mover struct {
	step  byte
	calls []call
}

func (m *mover) ApplyInput(e *replication.Entity, _ models.Tick, input []byte) {
	if len(input) == 0 {
		return
	}
	x, _ := e.GetByName("x")
	_ = e.SetByName("x", replication.Int32(x.AsInt32()+int32(input[0])))
}

func (m *mover) Simulate(*replication.Entity, models.Tick) {}

func (m *mover) SampleInput(*replication.Entity, models.Tick) []byte {
	return []byte{m.step}
}

func (m *mover) HandleCall(_ *replication.Entity, fn *schema.Function, caller models.PeerSlot, args []replication.Value) {
	m.calls = append(m.calls, call{fn: fn.Name, caller: caller, args: args})
}

// recorder remembers the ticks it simulated and runs an optional callback.
type recorder struct {
	ticks []models.Tick
	fn    func(e *replication.Entity, tick models.Tick)
}

func (r *recorder) ApplyInput(*replication.Entity, models.Tick, []byte) {}

func (r *recorder) Simulate(e *replication.Entity, tick models.Tick) {
	r.ticks = append(r.ticks, tick)
	if r.fn != nil {
		r.fn(e, tick)
	}
}

type packet struct {
	ch   protocol.Channel
	data []byte
}

type testPeer struct {
	replica *Replica
	slot    models.PeerSlot
	inbox   []packet
	outbox  []packet
	behave  *mover
	// frozen peers neither step nor talk.
	frozen bool
}

type harness struct {
	t        *testing.T
	registry *schema.Registry
	auth     *Authority
	peers    map[models.PeerSlot]*testPeer
	rng      *rand.Rand
	loss     float64
	now      time.Time
}

func newHarness(t *testing.T, cfg AuthorityConfig) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		registry: testRegistry(t),
		peers:    make(map[models.PeerSlot]*testPeer),
		rng:      rand.New(rand.NewSource(7)),
		now:      epoch,
	}
	auth, err := NewAuthority(cfg, h.registry, DownlinkFunc(h.deliverDown), log.NewNop())
	require.NoError(t, err)
	auth.SetFactory(func(c *schema.Class) replication.Behavior {
		if c.Name == "Mover" {
			return &mover{}
		}
		return nil
	})
	h.auth = auth
	return h
}

func (h *harness) dropped(ch protocol.Channel) bool {
	return ch.Delivery() != protocol.Reliable && h.loss > 0 && h.rng.Float64() < h.loss
}

func (h *harness) deliverDown(slot models.PeerSlot, ch protocol.Channel, data []byte) {
	p, ok := h.peers[slot]
	if !ok || p.frozen || h.dropped(ch) {
		return
	}
	p.inbox = append(p.inbox, packet{ch: ch, data: append([]byte(nil), data...)})
}

// join connects a replica with the harness registry and runs the handshake.
func (h *harness) join(name string) *testPeer {
	return h.joinWith(name, h.registry)
}

func (h *harness) joinWith(name string, registry *schema.Registry) *testPeer {
	h.t.Helper()
	s, err := h.auth.Connect("")
	require.NoError(h.t, err)

	p := &testPeer{slot: s.Slot, behave: &mover{step: 1}}
	cfg := DefaultReplicaConfig()
	cfg.Name = name
	replica, err := NewReplica(cfg, registry, UplinkFunc(func(ch protocol.Channel, data []byte) {
		if p.frozen || h.dropped(ch) {
			return
		}
		p.outbox = append(p.outbox, packet{ch: ch, data: append([]byte(nil), data...)})
	}), log.NewNop())
	require.NoError(h.t, err)
	replica.SetFactory(func(c *schema.Class) replication.Behavior {
		if c.Name == "Mover" {
			return p.behave
		}
		return nil
	})
	p.replica = replica
	h.peers[s.Slot] = p

	replica.Join()
	h.flush()
	return p
}

// flush delivers every queued packet in both directions.
func (h *harness) flush() {
	for _, p := range h.peers {
		out := p.outbox
		p.outbox = nil
		for _, pkt := range out {
			_ = h.auth.HandlePacket(p.slot, pkt.ch, pkt.data)
		}
	}
	for _, p := range h.peers {
		in := p.inbox
		p.inbox = nil
		for _, pkt := range in {
			_ = p.replica.Receive(pkt.ch, pkt.data)
		}
	}
}

// step runs one authority tick followed by one tick on every live peer.
func (h *harness) step() {
	h.auth.Step()
	h.now = h.now.Add(h.auth.Config().TickInterval())
	h.flush()
	for _, p := range h.peers {
		if !p.frozen {
			p.replica.Step(h.now)
		}
	}
	h.flush()
}

func (h *harness) run(n int) {
	for i := 0; i < n; i++ {
		h.step()
	}
}

// mirror returns the peer's copy of an authority entity.
func (p *testPeer) mirror(id models.EntityID) (*replication.Entity, bool) {
	return p.replica.EntityByGlobal(id)
}

func value(t *testing.T, e *replication.Entity, name string) replication.Value {
	t.Helper()
	v, err := e.GetByName(name)
	require.NoError(t, err)
	return v
}
