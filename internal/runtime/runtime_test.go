package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kmauser/partysync/internal/diffpatch"
	"github.com/kmauser/partysync/internal/prand"
	"github.com/kmauser/partysync/internal/transport/local"
	"github.com/kmauser/partysync/internal/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func counterConfig(t *testing.T, tp *local.Transport) Config {
	t.Helper()
	return Config{
		Transport: tp,
		Seed:      1,
		Setup: func(*prand.Source) map[string]any {
			return map[string]any{"count": 0}
		},
		Actions: map[string]ActionFunc{
			"increment": func(state map[string]any, ctx Context, input map[string]any) error {
				n, _ := state["count"].(int)
				if f, ok := state["count"].(float64); ok {
					n = int(f)
				}
				state["count"] = n + 1
				return nil
			},
			"tag": func(state map[string]any, ctx Context, input map[string]any) error {
				state["taggedBy"] = ctx.PlayerID
				state["target"] = ctx.TargetID
				return nil
			},
		},
	}
}

func newPair(t *testing.T) (*Runtime, *Runtime) {
	t.Helper()
	reg := local.NewRegistry()
	ta, err := local.Join(reg, "room", "A")
	require.NoError(t, err)
	ra, err := New(counterConfig(t, ta))
	require.NoError(t, err)
	tb, err := local.Join(reg, "room", "B")
	require.NoError(t, err)
	rb, err := New(counterConfig(t, tb))
	require.NoError(t, err)
	t.Cleanup(func() {
		ra.Destroy()
		rb.Destroy()
		ta.Disconnect()
		tb.Disconnect()
	})
	return ra, rb
}

func count(r *Runtime) int {
	s := r.GetState()
	if s == nil {
		return -1
	}
	switch v := s["count"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return -1
	}
}

func TestHostActionAppliesLocallyAndConverges(t *testing.T) {
	host, mirror := newPair(t)

	require.NoError(t, host.SubmitAction("increment", nil))
	require.Equal(t, 1, count(host), "host applies synchronously")

	require.Eventually(t, func() bool { return count(mirror) == 1 }, waitFor, tick,
		"mirror should converge on the host's state")
}

func TestMirrorActionForwardsToHost(t *testing.T) {
	host, mirror := newPair(t)

	require.NoError(t, mirror.SubmitAction("increment", nil))
	require.Equal(t, 1, count(mirror), "mirror applies optimistically")

	require.Eventually(t, func() bool { return count(host) == 1 }, waitFor, tick,
		"host should replay the forwarded action")
	require.Eventually(t, func() bool { return count(mirror) == 1 }, waitFor, tick,
		"mirror must not double-apply its own action after the sync")
}

func TestUnknownActionReportedToCaller(t *testing.T) {
	host, _ := newPair(t)
	require.ErrorIs(t, host.SubmitAction("no-such-action", nil), ErrUnknownAction)
}

func TestContextTargetDefaultsToSubmitter(t *testing.T) {
	host, _ := newPair(t)

	require.NoError(t, host.SubmitAction("tag", nil))
	s := host.GetState()
	require.Equal(t, "A", s["taggedBy"])
	require.Equal(t, "A", s["target"])

	require.NoError(t, host.SubmitAction("tag", nil, "B"))
	s = host.GetState()
	require.Equal(t, "B", s["target"])
}

func TestCounterSyncIsSingleReplacePatch(t *testing.T) {
	host, mirror := newPair(t)

	patchC := make(chan []diffpatch.Patch, 4)
	mirror.OnPatch(func(p []diffpatch.Patch) { patchC <- p })

	require.NoError(t, host.SubmitAction("increment", nil))

	deadline := time.After(waitFor)
	for {
		select {
		case patches := <-patchC:
			if len(patches) == 1 && len(patches[0].Path) == 0 {
				// The root-replace full sync a fresh mirror asks for; the
				// counter change arrives as its own patch after it.
				continue
			}
			require.Len(t, patches, 1)
			require.Equal(t, diffpatch.OpReplace, patches[0].Op)
			require.Equal(t, []string{"count"}, patches[0].Path)
			return
		case <-deadline:
			t.Fatal("timed out waiting for the counter patch")
		}
	}
}

func TestOnChangeFiresWithSnapshot(t *testing.T) {
	host, mirror := newPair(t)

	changes := make(chan map[string]any, 4)
	mirror.OnChange(func(s map[string]any) { changes <- s })

	require.NoError(t, host.SubmitAction("increment", nil))

	select {
	case s := <-changes:
		// The snapshot is a copy; mutating it must not touch the runtime.
		s["count"] = 999
		require.NotEqual(t, 999, count(mirror))
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for change notification")
	}
}

func TestLateJoinerReceivesFullState(t *testing.T) {
	reg := local.NewRegistry()
	ta, _ := local.Join(reg, "room", "A")
	host, err := New(counterConfig(t, ta))
	require.NoError(t, err)
	defer host.Destroy()

	require.NoError(t, host.SubmitAction("increment", nil))
	require.NoError(t, host.SubmitAction("increment", nil))

	tb, _ := local.Join(reg, "room", "B")
	late, err := New(counterConfig(t, tb))
	require.NoError(t, err)
	defer late.Destroy()

	require.Eventually(t, func() bool { return count(late) == 2 }, waitFor, tick,
		"late joiner should catch up via full sync")
}

func TestPlayerJoinHookRunsOncePerJoin(t *testing.T) {
	reg := local.NewRegistry()
	ta, _ := local.Join(reg, "room", "A")

	cfg := counterConfig(t, ta)
	cfg.OnPlayerJoin = func(state map[string]any, playerID string) {
		players, _ := state["players"].([]any)
		state["players"] = append(players, playerID)
	}
	host, err := New(cfg)
	require.NoError(t, err)
	defer host.Destroy()

	tb, _ := local.Join(reg, "room", "B")
	defer tb.Disconnect()

	require.Eventually(t, func() bool {
		players, _ := host.GetState()["players"].([]any)
		return len(players) == 1 && players[0] == "B"
	}, waitFor, tick)
}

func TestHostMigrationPromotesMirror(t *testing.T) {
	reg := local.NewRegistry()
	ta, _ := local.Join(reg, "room", "A")
	host, err := New(counterConfig(t, ta))
	require.NoError(t, err)

	tb, _ := local.Join(reg, "room", "B")
	rb, err := New(counterConfig(t, tb))
	require.NoError(t, err)
	defer rb.Destroy()

	tc, _ := local.Join(reg, "room", "C")
	rc, err := New(counterConfig(t, tc))
	require.NoError(t, err)
	defer rc.Destroy()

	require.NoError(t, host.SubmitAction("increment", nil))
	require.Eventually(t, func() bool { return count(rb) == 1 && count(rc) == 1 }, waitFor, tick)

	host.Destroy()
	require.NoError(t, ta.Disconnect())
	require.True(t, tb.IsHost(), "earliest-joined survivor becomes host")

	// The promoted runtime must now be authoritative for new actions.
	require.NoError(t, rc.SubmitAction("increment", nil))
	require.Eventually(t, func() bool { return count(rb) == 2 && count(rc) == 2 }, waitFor, tick)
}

func TestEventsRelayWithoutTouchingState(t *testing.T) {
	host, mirror := newPair(t)

	events := make(chan wire.EventPayload, 1)
	mirror.OnEvent(func(e wire.EventPayload) { events <- e })

	require.NoError(t, host.SendEvent("emote", map[string]any{"kind": "wave"}))

	select {
	case e := <-events:
		require.Equal(t, "emote", e.Name)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
	}
	require.Equal(t, 0, count(host))
	require.Equal(t, 0, count(mirror))
}

func TestDestroyIsIdempotent(t *testing.T) {
	host, _ := newPair(t)
	host.Destroy()
	host.Destroy()
	require.Nil(t, host.GetState())
	require.ErrorIs(t, host.SubmitAction("increment", nil), ErrDestroyed)
}

func TestDeterministicSetupAcrossPeers(t *testing.T) {
	reg := local.NewRegistry()
	setup := func(random *prand.Source) map[string]any {
		deck := []any{}
		for i := 0; i < 10; i++ {
			deck = append(deck, random.Intn(52))
		}
		return map[string]any{"deck": deck}
	}

	ta, _ := local.Join(reg, "room", "A")
	ra, err := New(Config{Transport: ta, Seed: 77, Setup: setup})
	require.NoError(t, err)
	defer ra.Destroy()

	tb, _ := local.Join(reg, "room", "B")
	rb, err := New(Config{Transport: tb, Seed: 77, Setup: setup})
	require.NoError(t, err)
	defer rb.Destroy()

	require.True(t, diffpatch.Equal(ra.GetState(), rb.GetState()),
		"same seed must produce identical setup state")
}
