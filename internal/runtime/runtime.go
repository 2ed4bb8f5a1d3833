// Package runtime owns one peer's local copy of the shared game state and
// dispatches named actions against it. The host runtime is authoritative:
// after each mutation it diffs against the last broadcast snapshot and
// fans the patches out once; mirror runtimes apply incoming patches,
// which overwrite any local drift.
package runtime

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kmauser/partysync/internal/diffpatch"
	"github.com/kmauser/partysync/internal/prand"
	"github.com/kmauser/partysync/internal/transport"
	"github.com/kmauser/partysync/internal/wire"
)

var (
	ErrUnknownAction = errors.New("runtime: unknown action")
	ErrDestroyed     = errors.New("runtime: destroyed")
)

// eventSyncRequest is a reserved event name: a mirror asks the host for a
// full-state sync, covering peers whose transport joined the room before
// their runtime attached its handlers.
const eventSyncRequest = "_sync_request"

// Context is handed to action appliers. TargetID defaults to PlayerID
// when the submitter names no target.
type Context struct {
	PlayerID string
	TargetID string
	IsHost   bool
	Random   *prand.Source
}

// ActionFunc mutates state in place. A returned error rejects the action
// locally; it is never thrown across the transport.
type ActionFunc func(state map[string]any, ctx Context, input map[string]any) error

type Config struct {
	Transport transport.Transport
	// Seed drives the deterministic random source. Peers in one room must
	// share it for setup and appliers to stay in lockstep.
	Seed    int64
	Setup   func(random *prand.Source) map[string]any
	Actions map[string]ActionFunc

	// Join/leave hooks run exactly once per transport peer event.
	OnPlayerJoin  func(state map[string]any, playerID string)
	OnPlayerLeave func(state map[string]any, playerID string)

	Logger *zap.Logger
}

type runtimeMsg interface{ isRuntimeMsg() }

type submitMsg struct {
	name     string
	input    map[string]any
	targetID string
	reply    chan error
}

type incomingMsg struct{ msg wire.Message }

type peerJoinedMsg struct{ id string }

type peerLeftMsg struct {
	id      string
	wasHost bool
}

type hostChangedMsg struct{ newHostID string }

type sendEventMsg struct {
	payload  wire.EventPayload
	targetID string
	reply    chan error
}

type getStateMsg struct{ reply chan map[string]any }

type stopMsg struct{ reply chan struct{} }

func (submitMsg) isRuntimeMsg()      {}
func (incomingMsg) isRuntimeMsg()    {}
func (peerJoinedMsg) isRuntimeMsg()  {}
func (peerLeftMsg) isRuntimeMsg()    {}
func (hostChangedMsg) isRuntimeMsg() {}
func (sendEventMsg) isRuntimeMsg()   {}
func (getStateMsg) isRuntimeMsg()    {}
func (stopMsg) isRuntimeMsg()        {}

type Runtime struct {
	tp      transport.Transport
	actions map[string]ActionFunc
	random  *prand.Source
	logger  *zap.Logger

	onPlayerJoin  func(state map[string]any, playerID string)
	onPlayerLeave func(state map[string]any, playerID string)

	inbox chan runtimeMsg
	done  chan struct{}

	// Loop-owned; never touched outside the goroutine.
	state    map[string]any
	lastSync map[string]any
	// shadow tracks the host's copy exactly on mirrors. Incoming patches
	// land on it so optimistic local mutations can never skew patch
	// application; the visible state is reset from it after every sync.
	shadow map[string]any

	subs []*transport.Subscription

	changeHandlers transport.Handlers[func(state map[string]any)]
	patchHandlers  transport.Handlers[func(patches []diffpatch.Patch)]
	eventHandlers  transport.Handlers[func(event wire.EventPayload)]
}

// New builds a runtime over the given transport, runs the setup callback
// to produce the initial state, and starts the event loop.
func New(cfg Config) (*Runtime, error) {
	if cfg.Transport == nil {
		return nil, errors.New("runtime: transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runtime{
		tp:            cfg.Transport,
		actions:       cfg.Actions,
		random:        prand.New(cfg.Seed),
		logger:        logger.With(zap.String("player", cfg.Transport.PlayerID())),
		onPlayerJoin:  cfg.OnPlayerJoin,
		onPlayerLeave: cfg.OnPlayerLeave,
		inbox:         make(chan runtimeMsg, 64),
		done:          make(chan struct{}),
	}

	if cfg.Setup != nil {
		r.state = cfg.Setup(r.random)
	}
	if r.state == nil {
		r.state = map[string]any{}
	}
	if r.tp.IsHost() {
		r.lastSync = diffpatch.Clone(r.state).(map[string]any)
	} else {
		r.shadow = diffpatch.Clone(r.state).(map[string]any)
	}

	r.subs = append(r.subs,
		r.tp.OnMessage(func(m wire.Message) { r.post(incomingMsg{msg: m}) }),
		r.tp.OnPeerJoin(func(id string) { r.post(peerJoinedMsg{id: id}) }),
		r.tp.OnPeerLeave(func(id string, wasHost bool) { r.post(peerLeftMsg{id: id, wasHost: wasHost}) }),
		r.tp.OnHostDisconnect(func(newHostID string) { r.post(hostChangedMsg{newHostID: newHostID}) }),
	)

	if !r.tp.IsHost() {
		req := wire.NewMessage(wire.TypeEvent, wire.EventPayload{Name: eventSyncRequest}, r.tp.PlayerID())
		if err := r.tp.Send(req, r.tp.HostID()); err != nil {
			r.logger.Debug("initial sync request failed", zap.Error(err))
		}
	}

	go r.loop()
	return r, nil
}

func (r *Runtime) post(m runtimeMsg) {
	select {
	case r.inbox <- m:
	case <-r.done:
	}
}

// SubmitAction applies the named action to the local state synchronously.
// On a non-host peer the action is also forwarded to the host so the
// authoritative copy reflects it.
func (r *Runtime) SubmitAction(name string, input map[string]any, targetID ...string) error {
	target := ""
	if len(targetID) > 0 {
		target = targetID[0]
	}
	reply := make(chan error, 1)
	select {
	case r.inbox <- submitMsg{name: name, input: input, targetID: target, reply: reply}:
	case <-r.done:
		return ErrDestroyed
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrDestroyed
	}
}

// SendEvent relays a fire-and-forget application event to peers without
// touching state.
func (r *Runtime) SendEvent(name string, data any, targetID ...string) error {
	target := ""
	if len(targetID) > 0 {
		target = targetID[0]
	}
	reply := make(chan error, 1)
	select {
	case r.inbox <- sendEventMsg{payload: wire.EventPayload{Name: name, Data: data}, targetID: target, reply: reply}:
	case <-r.done:
		return ErrDestroyed
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrDestroyed
	}
}

// GetState returns a deep copy of the local state. Nil after Destroy.
func (r *Runtime) GetState() map[string]any {
	reply := make(chan map[string]any, 1)
	select {
	case r.inbox <- getStateMsg{reply: reply}:
	case <-r.done:
		return nil
	}
	select {
	case s := <-reply:
		return s
	case <-r.done:
		return nil
	}
}

// OnChange subscribes to full-state notifications after every mutation.
func (r *Runtime) OnChange(h func(state map[string]any)) *transport.Subscription {
	return r.changeHandlers.Add(h)
}

// OnPatch subscribes to patch-level notifications: patches generated on
// the host, patches applied on mirrors.
func (r *Runtime) OnPatch(h func(patches []diffpatch.Patch)) *transport.Subscription {
	return r.patchHandlers.Add(h)
}

// OnEvent subscribes to relayed application events.
func (r *Runtime) OnEvent(h func(event wire.EventPayload)) *transport.Subscription {
	return r.eventHandlers.Add(h)
}

// Destroy unsubscribes from the transport, stops the loop, and releases
// buffers. Idempotent; the transport itself is left to its owner.
func (r *Runtime) Destroy() {
	reply := make(chan struct{})
	select {
	case r.inbox <- stopMsg{reply: reply}:
	case <-r.done:
		return
	}
	select {
	case <-reply:
	case <-r.done:
	}
}

func (r *Runtime) loop() {
	defer close(r.done)
	for m := range r.inbox {
		switch msg := m.(type) {
		case submitMsg:
			msg.reply <- r.handleSubmit(msg)

		case incomingMsg:
			r.handleIncoming(msg.msg)

		case peerJoinedMsg:
			r.handlePeerJoined(msg.id)

		case peerLeftMsg:
			r.handlePeerLeft(msg.id)

		case hostChangedMsg:
			r.handleHostChanged(msg.newHostID)

		case sendEventMsg:
			msg.reply <- r.tp.Send(wire.NewMessage(wire.TypeEvent, msg.payload, r.tp.PlayerID()), msg.targetID)

		case getStateMsg:
			msg.reply <- diffpatch.Clone(r.state).(map[string]any)

		case stopMsg:
			r.teardown()
			close(msg.reply)
			return
		}
	}
}

func (r *Runtime) teardown() {
	for _, s := range r.subs {
		s.Cancel()
	}
	r.subs = nil
	r.changeHandlers.Clear()
	r.patchHandlers.Clear()
	r.eventHandlers.Clear()
	r.state = nil
	r.lastSync = nil
	r.shadow = nil
}

func (r *Runtime) handleSubmit(msg submitMsg) error {
	target := msg.targetID
	if target == "" {
		target = r.tp.PlayerID()
	}
	if err := r.applyAction(msg.name, msg.input, r.tp.PlayerID(), target); err != nil {
		return err
	}
	if r.tp.IsHost() {
		r.broadcastSync()
	} else {
		payload := wire.ActionPayload{Name: msg.name, Input: msg.input, TargetID: target}
		fwd := wire.NewMessage(wire.TypeAction, payload, r.tp.PlayerID())
		if err := r.tp.Send(fwd, r.tp.HostID()); err != nil {
			r.logger.Warn("forwarding action to host failed", zap.String("action", msg.name), zap.Error(err))
		}
	}
	r.notifyChange()
	return nil
}

func (r *Runtime) applyAction(name string, input map[string]any, playerID, targetID string) error {
	fn, ok := r.actions[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	ctx := Context{PlayerID: playerID, TargetID: targetID, IsHost: r.tp.IsHost(), Random: r.random}
	return fn(r.state, ctx, input)
}

// handleIncoming matches the full wire union; membership and host types
// belong to the transport layer and are deliberately inert here.
func (r *Runtime) handleIncoming(m wire.Message) {
	switch m.Type {
	case wire.TypeAction:
		if !r.tp.IsHost() {
			return
		}
		p, ok := m.Payload.(wire.ActionPayload)
		if !ok {
			r.logger.Warn("action message with malformed payload", zap.String("sender", m.SenderID))
			return
		}
		target := p.TargetID
		if target == "" {
			target = m.SenderID
		}
		if err := r.applyAction(p.Name, p.Input, m.SenderID, target); err != nil {
			r.logger.Warn("remote action rejected", zap.String("action", p.Name), zap.String("sender", m.SenderID), zap.Error(err))
			return
		}
		r.broadcastSync()
		r.notifyChange()

	case wire.TypeStateSync:
		if r.tp.IsHost() {
			return
		}
		p, ok := m.Payload.(wire.StateSyncPayload)
		if !ok {
			r.logger.Warn("state_sync message with malformed payload", zap.String("sender", m.SenderID))
			return
		}
		if r.shadow == nil {
			r.shadow = map[string]any{}
		}
		// Incoming values may alias the sender's tree on in-process
		// transports; graft copies instead.
		patches := diffpatch.ClonePatches(p.Patches)
		updated, err := diffpatch.Apply(r.shadow, patches)
		if err != nil {
			r.logger.Warn("patch application failed, awaiting next full sync", zap.Error(err))
			return
		}
		root, ok := updated.(map[string]any)
		if !ok {
			r.logger.Warn("state root is no longer an object, ignoring sync")
			return
		}
		r.shadow = root
		r.state = diffpatch.Clone(r.shadow).(map[string]any)
		r.patchHandlers.Each(func(h func([]diffpatch.Patch)) { h(patches) })
		r.notifyChange()

	case wire.TypeEvent:
		p, ok := m.Payload.(wire.EventPayload)
		if !ok {
			return
		}
		if p.Name == eventSyncRequest {
			if r.tp.IsHost() {
				r.sendFullSync(m.SenderID)
			}
			return
		}
		r.eventHandlers.Each(func(h func(wire.EventPayload)) { h(p) })

	case wire.TypePlayerJoin, wire.TypePlayerLeave, wire.TypeHeartbeat,
		wire.TypeHostAnnounce, wire.TypeHostQuery, wire.TypeHostMigration:
		// Transport-level traffic; the transport already folded it into
		// peer and host callbacks.
	}
}

func (r *Runtime) handlePeerJoined(id string) {
	if r.onPlayerJoin != nil {
		r.onPlayerJoin(r.state, id)
	}
	if r.tp.IsHost() {
		// Propagate the join mutation first, then hand the newcomer the
		// complete tree. The root replace lands last so whatever the
		// newcomer made of earlier diffs is overwritten.
		r.broadcastSync()
		r.sendFullSync(id)
	}
	r.notifyChange()
}

func (r *Runtime) handlePeerLeft(id string) {
	if r.onPlayerLeave != nil {
		r.onPlayerLeave(r.state, id)
	}
	if r.tp.IsHost() {
		r.broadcastSync()
	}
	r.notifyChange()
}

// handleHostChanged transitions a promoted mirror into authoritative
// mode: its copy becomes the source of truth and is pushed wholesale so
// every survivor converges on it.
func (r *Runtime) handleHostChanged(newHostID string) {
	if newHostID != r.tp.PlayerID() || !r.tp.IsHost() {
		return
	}
	r.shadow = nil
	r.lastSync = diffpatch.Clone(r.state).(map[string]any)
	r.sendFullSync("")
	r.logger.Info("promoted to host")
}

// sendFullSync pushes the whole tree as a single root replace; targetID
// "" broadcasts it.
func (r *Runtime) sendFullSync(targetID string) {
	full := []diffpatch.Patch{{Op: diffpatch.OpReplace, Path: []string{}, Value: diffpatch.Clone(r.state)}}
	msg := wire.NewMessage(wire.TypeStateSync, wire.StateSyncPayload{Patches: full}, r.tp.PlayerID())
	if err := r.tp.Send(msg, targetID); err != nil {
		r.logger.Warn("full state sync failed", zap.String("target", targetID), zap.Error(err))
	}
}

// broadcastSync diffs once against the last broadcast snapshot and fans
// the same patch list out to every peer.
func (r *Runtime) broadcastSync() {
	if r.lastSync == nil {
		r.lastSync = map[string]any{}
	}
	patches := diffpatch.Diff(r.lastSync, r.state)
	if len(patches) == 0 {
		return
	}
	msg := wire.NewMessage(wire.TypeStateSync, wire.StateSyncPayload{Patches: patches}, r.tp.PlayerID())
	if err := r.tp.Send(msg, ""); err != nil {
		r.logger.Warn("state sync broadcast failed", zap.Error(err))
	}
	r.lastSync = diffpatch.Clone(r.state).(map[string]any)
	r.patchHandlers.Each(func(h func([]diffpatch.Patch)) { h(patches) })
}

func (r *Runtime) notifyChange() {
	var snapshot map[string]any
	r.changeHandlers.Each(func(h func(map[string]any)) {
		if snapshot == nil {
			snapshot = diffpatch.Clone(r.state).(map[string]any)
		}
		h(snapshot)
	})
}
