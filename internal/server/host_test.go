package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/replicore/internal/config"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/orchestrator"
	"github.com/zeusync/replicore/internal/core/persist"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/protocol/loopback"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	_, err := r.Register(schema.NewClass("Walker").
		Property("x", schema.KindInt32, schema.Predict(0)).
		Property("label", schema.KindString).
		Function("tap", schema.PermOwner))
	require.NoError(t, err)
	require.NoError(t, r.Freeze())
	return r
}

// walker adds its input byte to x.
type walker struct{}

func (walker) ApplyInput(e *replication.Entity, _ models.Tick, input []byte) {
	if len(input) == 0 {
		return
	}
	x, _ := e.GetByName("x")
	_ = e.SetByName("x", replication.Int32(x.AsInt32()+int32(input[0])))
}

func (walker) Simulate(*replication.Entity, models.Tick) {}

func (walker) SampleInput(*replication.Entity, models.Tick) []byte { return []byte{1} }

func walkers(*schema.Class) replication.Behavior { return walker{} }

// tapper is a walker that counts the calls it receives.
type tapper struct {
	walker
	taps *atomic.Int64
}

func (t tapper) HandleCall(*replication.Entity, *schema.Function, models.PeerSlot, []replication.Value) {
	t.taps.Add(1)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Simulation.TickRate = 100
	cfg.Simulation.AckTimeout = 2 * time.Second
	cfg.Transport.Kind = protocol.KindLoopback
	cfg.Transport.Address = "authority"
	cfg.Transport.InboundRate = 0
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

type running struct {
	host    *Host
	network *loopback.Network
	stop    func() error
}

func startHost(t *testing.T, cfg *config.Config, store persist.Store, hooks Hooks) *running {
	t.Helper()
	n := loopback.NewNetwork(1, 0)
	tr, err := n.Listen(cfg.Transport.Address, cfg.Transport, log.NewNop())
	require.NoError(t, err)
	h, err := NewHost(cfg, testRegistry(t), tr, store, log.NewNop())
	require.NoError(t, err)
	h.Authority().SetFactory(walkers)
	h.SetHooks(hooks)

	errc := make(chan error, 1)
	go func() { errc <- h.Run(context.Background()) }()

	var (
		once sync.Once
		res  error
	)
	stop := func() error {
		once.Do(func() {
			_ = h.Close()
			select {
			case res = <-errc:
			case <-time.After(5 * time.Second):
				t.Error("host did not stop")
			}
		})
		return res
	}
	t.Cleanup(func() { _ = stop() })
	return &running{host: h, network: n, stop: stop}
}

type packet struct {
	ch   protocol.Channel
	data []byte
}

// peer pumps a replica by hand from the test goroutine.
type peer struct {
	conn    protocol.Conn
	replica *orchestrator.Replica

	mu    sync.Mutex
	queue []packet
}

func dialPeer(t *testing.T, rn *running, cfg *config.Config) *peer {
	t.Helper()
	p := &peer{}
	conn, err := rn.network.Dial(context.Background(), cfg.Transport.Address, protocol.HandlerFuncs{
		Packet: func(_ protocol.Conn, ch protocol.Channel, data []byte) {
			p.mu.Lock()
			p.queue = append(p.queue, packet{ch: ch, data: append([]byte(nil), data...)})
			p.mu.Unlock()
		},
	})
	require.NoError(t, err)
	p.conn = conn

	replica, err := orchestrator.NewReplica(cfg.ReplicaSettings(), testRegistry(t), orchestrator.UplinkFunc(func(ch protocol.Channel, data []byte) {
		_ = conn.Send(ch, data)
	}), log.NewNop())
	require.NoError(t, err)
	replica.SetFactory(walkers)
	p.replica = replica
	replica.Join()
	return p
}

func (p *peer) step() {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, pkt := range queue {
		_ = p.replica.Receive(pkt.ch, pkt.data)
	}
	p.replica.Step(time.Now())
}

func (p *peer) until(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		p.step()
		return cond()
	}, 5*time.Second, 5*time.Millisecond)
}

func (p *peer) owned() *replication.Entity {
	var found *replication.Entity
	p.replica.Entities(func(e *replication.Entity) bool {
		if e.OwnedBy(p.replica.Slot()) {
			found = e
			return false
		}
		return true
	})
	return found
}

func TestHost_Session(t *testing.T) {
	cfg := testConfig()

	var (
		mu     sync.Mutex
		joined []string
		left   []string
	)
	rn := startHost(t, cfg, nil, Hooks{
		OnJoin: func(a *orchestrator.Authority, s *orchestrator.Session) {
			mu.Lock()
			joined = append(joined, s.Name)
			mu.Unlock()
			_, err := a.Spawn("Walker", orchestrator.WithOwner(s.Slot))
			assert.NoError(t, err)
		},
		OnLeave: func(_ *orchestrator.Authority, _ *orchestrator.Session, reason string) {
			mu.Lock()
			left = append(left, reason)
			mu.Unlock()
		},
	})

	p := dialPeer(t, rn, cfg)
	p.until(t, func() bool { return p.replica.Joined() && p.owned() != nil })

	mu.Lock()
	assert.Equal(t, []string{cfg.Replica.Name}, joined)
	mu.Unlock()

	t.Run("Inputs drive the owned entity", func(t *testing.T) {
		p.until(t, func() bool {
			x, err := p.owned().GetByName("x")
			return err == nil && x.AsInt32() > 10
		})

		var x int32
		require.NoError(t, rn.host.Do(context.Background(), func(a *orchestrator.Authority) {
			a.Entities(func(e *replication.Entity) bool {
				v, _ := e.GetByName("x")
				x = v.AsInt32()
				return false
			})
		}))
		assert.Positive(t, x)

		stats := rn.host.Stats()
		assert.Equal(t, uint64(1), stats.Connects)
		assert.Positive(t, stats.Ticks)
		assert.Positive(t, stats.PacketsIn)
		assert.Positive(t, stats.BytesOut)
	})

	t.Run("Closed connection ends the session", func(t *testing.T) {
		require.NoError(t, p.conn.Close())

		require.Eventually(t, func() bool {
			var sessions, entities int
			err := rn.host.Do(context.Background(), func(a *orchestrator.Authority) {
				sessions = len(a.Sessions())
				a.Entities(func(*replication.Entity) bool {
					entities++
					return true
				})
			})
			return err == nil && sessions == 0 && entities == 0
		}, 5*time.Second, 10*time.Millisecond)

		mu.Lock()
		assert.Equal(t, []string{"connection closed"}, left)
		mu.Unlock()
		assert.Equal(t, uint64(1), rn.host.Stats().Disconnects)
	})
}

func TestHost_FullInbox(t *testing.T) {
	cfg := testConfig()
	cfg.Server.InboxSize = 1

	var taps atomic.Int64
	rn := startHost(t, cfg, nil, Hooks{
		OnJoin: func(a *orchestrator.Authority, s *orchestrator.Session) {
			_, err := a.Spawn("Walker", orchestrator.WithOwner(s.Slot))
			assert.NoError(t, err)
		},
	})
	require.NoError(t, rn.host.Do(context.Background(), func(a *orchestrator.Authority) {
		a.SetFactory(func(*schema.Class) replication.Behavior { return tapper{taps: &taps} })
	}))

	p := dialPeer(t, rn, cfg)
	p.until(t, func() bool { return p.replica.Joined() && p.owned() != nil })

	t.Run("Reliable calls are never dropped", func(t *testing.T) {
		const calls = 40
		local := p.owned().Local()
		for i := 0; i < calls; i++ {
			require.NoError(t, p.replica.Call(local, "tap"))
		}
		p.until(t, func() bool { return taps.Load() == calls })
	})

	t.Run("Unreliable traffic may be dropped", func(t *testing.T) {
		p.until(t, func() bool { return rn.host.Stats().InboxDropped > 0 })
	})
}

func TestHost_Lifecycle(t *testing.T) {
	cfg := testConfig()

	_, err := NewHost(cfg, testRegistry(t), nil, nil, log.NewNop())
	require.ErrorIs(t, err, ErrInvalidConfig)

	t.Run("Run once", func(t *testing.T) {
		n := loopback.NewNetwork(1, 0)
		tr, err := n.Listen(cfg.Transport.Address, cfg.Transport, log.NewNop())
		require.NoError(t, err)
		h, err := NewHost(cfg, testRegistry(t), tr, nil, log.NewNop())
		require.NoError(t, err)

		require.ErrorIs(t, h.Do(context.Background(), func(*orchestrator.Authority) {}), ErrHostNotRunning)

		errc := make(chan error, 1)
		go func() { errc <- h.Run(context.Background()) }()
		require.Eventually(t, func() bool { return h.Stats().Ticks > 0 }, 5*time.Second, 5*time.Millisecond)
		require.ErrorIs(t, h.Run(context.Background()), ErrHostAlreadyRunning)

		require.NoError(t, h.Close())
		require.NoError(t, <-errc)
		require.ErrorIs(t, h.Run(context.Background()), ErrHostClosed)
		require.ErrorIs(t, h.Do(context.Background(), func(*orchestrator.Authority) {}), ErrHostClosed)
	})

	t.Run("Cancelled context stops the host", func(t *testing.T) {
		n := loopback.NewNetwork(1, 0)
		tr, err := n.Listen(cfg.Transport.Address, cfg.Transport, log.NewNop())
		require.NoError(t, err)
		h, err := NewHost(cfg, testRegistry(t), tr, nil, log.NewNop())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- h.Run(ctx) }()
		require.Eventually(t, func() bool { return h.Stats().Ticks > 0 }, 5*time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-errc)

		_, err = n.Dial(context.Background(), cfg.Transport.Address, protocol.HandlerFuncs{})
		require.ErrorIs(t, err, protocol.ErrNoListener)
	})
}

func TestHost_Persistence(t *testing.T) {
	cfg := testConfig()
	cfg.Persist.Interval = 50 * time.Millisecond
	store := persist.NewMemoryStore()

	rn := startHost(t, cfg, store, Hooks{
		Setup: func(a *orchestrator.Authority) error {
			for _, label := range []string{"north", "south"} {
				e, err := a.Spawn("Walker")
				if err != nil {
					return err
				}
				if err := e.SetByName("label", replication.String(label)); err != nil {
					return err
				}
			}
			return nil
		},
	})
	require.Eventually(t, func() bool { return rn.host.Stats().Snapshots > 0 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, rn.stop())

	w, err := store.Load(context.Background(), cfg.Persist.Key)
	require.NoError(t, err)
	require.Len(t, w.Entities, 2)

	t.Run("Restore on start", func(t *testing.T) {
		cfg := testConfig()
		cfg.Persist.RestoreOnStart = true

		var restored []string
		rn := startHost(t, cfg, store, Hooks{
			Setup: func(a *orchestrator.Authority) error {
				a.Entities(func(e *replication.Entity) bool {
					v, _ := e.GetByName("label")
					restored = append(restored, v.AsString())
					return true
				})
				return nil
			},
		})
		require.Eventually(t, func() bool { return rn.host.Stats().Ticks > 0 }, 5*time.Second, 5*time.Millisecond)
		assert.ElementsMatch(t, []string{"north", "south"}, restored)
	})

	t.Run("Missing snapshot starts empty", func(t *testing.T) {
		cfg := testConfig()
		cfg.Persist.RestoreOnStart = true
		cfg.Persist.Key = "elsewhere"

		count := -1
		rn := startHost(t, cfg, store, Hooks{
			Setup: func(a *orchestrator.Authority) error {
				count = 0
				a.Entities(func(*replication.Entity) bool {
					count++
					return true
				})
				return nil
			},
		})
		require.Eventually(t, func() bool { return rn.host.Stats().Ticks > 0 }, 5*time.Second, 5*time.Millisecond)
		assert.Zero(t, count)
	})
}
