// Package host implements the plugin host bridge: the single dedicated
// worker that owns plugin instantiation, destruction, state access, and
// native GUIs: everything that is unsafe to do on the audio or control
// threads.
//
// The bridge processes its request queue strictly in order, completing each
// request (success or failure) before taking the next. Handoff to the audio
// worker is message passing end to end: a ready instance is installed
// through the topology diff stream, and teardown waits for the worker's
// removal acknowledgment so a processing handle can never outlive its
// backing instance.
package host

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/damyanp/corodaw/engine/graph"
	"github.com/damyanp/corodaw/engine/processor"
	"github.com/damyanp/corodaw/plugins"
)

// Topology is the slice of the control plane the bridge mutates through:
// processor installation and node removal, both of which travel the ordered
// diff stream toward the audio worker.
type Topology interface {
	InstallProcessor(id graph.NodeID, p processor.Processor) error
	RemoveNode(id graph.NodeID) error
}

// State is the lifecycle of one hosted instance. Transitions are guarded by
// the bridge goroutine; destroy-before-ready is deferred, never raced.
type State int

const (
	// StateRequested: create accepted, not yet picked up.
	StateRequested State = iota
	// StateCreating: the factory is instantiating the plugin.
	StateCreating
	// StateInstalling: processing handle handed to the audio worker,
	// awaiting its acknowledgment.
	StateInstalling
	// StateReady: the audio worker processes with the instance's handle.
	StateReady
	// StateDestroyRequested: removal sent, awaiting the worker's
	// confirmation that the mirror no longer references the node.
	StateDestroyRequested
	// StateDestroyed: backing instance torn down.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateCreating:
		return "creating"
	case StateInstalling:
		return "installing"
	case StateReady:
		return "ready"
	case StateDestroyRequested:
		return "destroy-requested"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Notification is an asynchronous message from the bridge to the control
// plane.
type Notification interface{ isNotification() }

// Ready reports that the instance's handle is installed and processing.
type Ready struct {
	Instance uuid.UUID
	Node     graph.NodeID
}

// CreateFailed reports that instantiation or installation failed.
type CreateFailed struct {
	Instance uuid.UUID
	Node     graph.NodeID
	Err      error
}

// Destroyed reports that the backing instance is gone.
type Destroyed struct {
	Instance uuid.UUID
	Node     graph.NodeID
}

// ParameterChanged carries a change made in the plugin's own native GUI back
// to the control plane, which stays authoritative for parameter state.
type ParameterChanged struct {
	Instance uuid.UUID
	Name     string
	Value    float64
}

func (Ready) isNotification()            {}
func (CreateFailed) isNotification()     {}
func (Destroyed) isNotification()        {}
func (ParameterChanged) isNotification() {}

type instance struct {
	id     uuid.UUID
	node   graph.NodeID
	plugin plugins.Plugin
	state  State

	// destroyPending defers a destroy that arrived before the install
	// acknowledgment; it is honored the moment the instance reaches Ready.
	destroyPending bool
}

type request struct {
	op       string
	instance uuid.UUID
	pluginID string
	node     graph.NodeID
	name     string
	value    float64
	data     []byte
	reply    chan result
}

type result struct {
	instance uuid.UUID
	data     []byte
	value    float64
	err      error
}

// Bridge is the plugin host worker. Create it with New, then Start; all
// public methods are safe from any non-real-time goroutine.
type Bridge struct {
	log      *zap.Logger
	registry *plugins.Registry
	topo     Topology

	requests      chan request
	acks          chan graph.Ack
	notifications chan Notification

	mu        sync.Mutex
	isRunning bool
	stop      chan struct{}
	wg        sync.WaitGroup

	// Owned by the bridge goroutine; no lock.
	instances map[uuid.UUID]*instance
	byNode    map[graph.NodeID]uuid.UUID

	paramChanges chan ParameterChanged
}

// New creates a bridge over the given registry and topology.
func New(log *zap.Logger, registry *plugins.Registry, topo Topology) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		log:           log,
		registry:      registry,
		topo:          topo,
		requests:      make(chan request, 64),
		acks:          make(chan graph.Ack, 256),
		notifications: make(chan Notification, 256),
		stop:          make(chan struct{}),
		instances:     make(map[uuid.UUID]*instance),
		byNode:        make(map[graph.NodeID]uuid.UUID),
		paramChanges:  make(chan ParameterChanged, 256),
	}
}

// Start launches the worker goroutine. A stopped bridge may be started
// again; instances it held are gone with the previous run.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isRunning {
		return errors.New("bridge is already running")
	}
	b.stop = make(chan struct{})
	b.isRunning = true
	b.wg.Add(1)
	go b.run(b.stop)
	return nil
}

// Stop halts the worker after the in-flight request completes.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return
	}
	close(b.stop)
	b.isRunning = false
	b.mu.Unlock()
	b.wg.Wait()
}

// Notifications exposes the bridge-to-control message stream.
func (b *Bridge) Notifications() <-chan Notification { return b.notifications }

// HandleAck routes a worker acknowledgment for a plugin node into the
// bridge. Acks for nodes the bridge does not own are ignored.
func (b *Bridge) HandleAck(a graph.Ack) {
	b.mu.Lock()
	stop := b.stop
	b.mu.Unlock()
	select {
	case b.acks <- a:
	case <-stop:
	}
}

// CreateInstance instantiates pluginID for the given node. It returns once
// the instance exists and its handle is on the way to the audio worker; the
// Ready notification follows when the worker acknowledges installation.
func (b *Bridge) CreateInstance(pluginID string, node graph.NodeID) (uuid.UUID, error) {
	r := b.submit(request{op: "create", pluginID: pluginID, node: node})
	return r.instance, r.err
}

// DestroyInstance requests teardown. It returns once the request is
// sequenced; actual destruction is deferred until the audio worker confirms
// the node is out of the mirror, and is safe to call while a create is still
// in flight.
func (b *Bridge) DestroyInstance(id uuid.UUID) error {
	return b.submit(request{op: "destroy", instance: id}).err
}

// SaveState snapshots the instance's state. Synchronous from the caller's
// perspective; the audio thread is never involved.
func (b *Bridge) SaveState(id uuid.UUID) ([]byte, error) {
	r := b.submit(request{op: "save", instance: id})
	return r.data, r.err
}

// LoadState restores a snapshot taken by SaveState.
func (b *Bridge) LoadState(id uuid.UUID, data []byte) error {
	return b.submit(request{op: "load", instance: id, data: data}).err
}

// OpenGUI opens the plugin's native editor.
func (b *Bridge) OpenGUI(id uuid.UUID) error {
	return b.submit(request{op: "gui", instance: id}).err
}

// SetParameter applies a parameter change from the control plane.
func (b *Bridge) SetParameter(id uuid.UUID, name string, value float64) error {
	return b.submit(request{op: "setparam", instance: id, name: name, value: value}).err
}

// GetParameter reads a parameter value.
func (b *Bridge) GetParameter(id uuid.UUID, name string) (float64, error) {
	r := b.submit(request{op: "getparam", instance: id, name: name})
	return r.value, r.err
}

// InstanceState reports the lifecycle state of an instance. Intended for
// tests and diagnostics; it round-trips through the worker goroutine so the
// answer is sequenced against pending requests.
func (b *Bridge) InstanceState(id uuid.UUID) (State, error) {
	r := b.submit(request{op: "state", instance: id})
	return State(r.value), r.err
}

func (b *Bridge) submit(req request) result {
	b.mu.Lock()
	running, stop := b.isRunning, b.stop
	b.mu.Unlock()
	if !running {
		return result{err: hostErr(req.op, "bridge is not running")}
	}

	req.reply = make(chan result, 1)
	select {
	case b.requests <- req:
	case <-stop:
		return result{err: hostErr(req.op, "bridge stopped")}
	}
	select {
	case r := <-req.reply:
		return r
	case <-stop:
		return result{err: hostErr(req.op, "bridge stopped")}
	}
}

func (b *Bridge) run(stop <-chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-stop:
			return
		case req := <-b.requests:
			req.reply <- b.execute(req)
		case a := <-b.acks:
			b.handleAck(a)
		case pc := <-b.paramChanges:
			b.notify(pc)
		}
	}
}

func (b *Bridge) execute(req request) result {
	switch req.op {
	case "create":
		return b.doCreate(req)
	case "destroy":
		return b.doDestroy(req)
	case "save":
		return b.withPlugin(req, func(p plugins.Plugin) result {
			data, err := p.SaveState()
			if err != nil {
				return result{err: &Error{Op: "save", Err: err}}
			}
			return result{data: data}
		})
	case "load":
		return b.withPlugin(req, func(p plugins.Plugin) result {
			if err := p.LoadState(req.data); err != nil {
				return result{err: &Error{Op: "load", Err: err}}
			}
			return result{}
		})
	case "gui":
		return b.withPlugin(req, func(p plugins.Plugin) result {
			if err := p.OpenGUI(); err != nil {
				return result{err: &Error{Op: "gui", Err: err}}
			}
			return result{}
		})
	case "setparam":
		return b.withPlugin(req, func(p plugins.Plugin) result {
			if err := p.SetParameter(req.name, req.value); err != nil {
				return result{err: &Error{Op: "setparam", Err: err}}
			}
			return result{}
		})
	case "getparam":
		return b.withPlugin(req, func(p plugins.Plugin) result {
			v, err := p.GetParameter(req.name)
			if err != nil {
				return result{err: &Error{Op: "getparam", Err: err}}
			}
			return result{value: v}
		})
	case "state":
		inst, ok := b.instances[req.instance]
		if !ok {
			return result{err: hostErr("state", "unknown instance %v", req.instance)}
		}
		return result{value: float64(inst.state)}
	default:
		return result{err: hostErr(req.op, "unknown request")}
	}
}

func (b *Bridge) withPlugin(req request, fn func(plugins.Plugin) result) result {
	inst, ok := b.instances[req.instance]
	if !ok {
		return result{err: hostErr(req.op, "unknown instance %v", req.instance)}
	}
	if inst.state == StateDestroyRequested || inst.state == StateDestroyed || inst.destroyPending {
		return result{err: hostErr(req.op, "instance %v is being destroyed", req.instance)}
	}
	if inst.plugin == nil {
		return result{err: hostErr(req.op, "instance %v is not created yet", req.instance)}
	}
	return fn(inst.plugin)
}

func (b *Bridge) doCreate(req request) result {
	factory, err := b.registry.Lookup(req.pluginID)
	if err != nil {
		return result{err: &Error{Op: "create", Err: err}}
	}

	inst := &instance{id: uuid.New(), node: req.node, state: StateCreating}
	b.instances[inst.id] = inst
	b.byNode[req.node] = inst.id

	plugin, err := factory.New()
	if err != nil {
		b.forget(inst)
		inst.state = StateDestroyed
		b.notify(CreateFailed{Instance: inst.id, Node: req.node, Err: err})
		return result{err: &Error{Op: "create", Err: err}}
	}
	inst.plugin = plugin

	if w, ok := plugin.(plugins.ParameterWatcher); ok {
		id := inst.id
		w.WatchParameters(func(name string, value float64) {
			select {
			case b.paramChanges <- ParameterChanged{Instance: id, Name: name, Value: value}:
			default:
				b.log.Warn("dropping GUI parameter change", zap.String("param", name))
			}
		})
	}

	if err := b.installWithRetry(req.node, processor.NewAdapter(plugin.Handle())); err != nil {
		_ = plugin.Destroy()
		b.forget(inst)
		inst.state = StateDestroyed
		b.notify(CreateFailed{Instance: inst.id, Node: req.node, Err: err})
		return result{err: &Error{Op: "create", Err: err}}
	}

	inst.state = StateInstalling
	b.log.Info("plugin instance created",
		zap.String("plugin", req.pluginID),
		zap.String("instance", inst.id.String()))
	return result{instance: inst.id}
}

// installWithRetry pushes the install diff, backing off briefly when the
// diff queue signals backpressure. The bridge may block; the audio thread
// never does.
func (b *Bridge) installWithRetry(node graph.NodeID, p processor.Processor) error {
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		err = b.topo.InstallProcessor(node, p)
		if err == nil {
			return nil
		}
		if !graph.IsTopologyError(err, graph.ErrBusy) {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("diff queue stayed busy: %w", err)
}

func (b *Bridge) doDestroy(req request) result {
	inst, ok := b.instances[req.instance]
	if !ok {
		return result{err: hostErr("destroy", "unknown instance %v", req.instance)}
	}

	switch inst.state {
	case StateDestroyed:
		return result{}
	case StateDestroyRequested:
		return result{} // already on its way
	case StateReady:
		return result{err: b.beginRemoval(inst)}
	default:
		// Create still in flight: defer until the install is
		// acknowledged, then tear down in order.
		inst.destroyPending = true
		return result{}
	}
}

func (b *Bridge) beginRemoval(inst *instance) error {
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		err = b.topo.RemoveNode(inst.node)
		if err == nil || graph.IsTopologyError(err, graph.ErrUnknownNode) {
			inst.state = StateDestroyRequested
			return nil
		}
		if !graph.IsTopologyError(err, graph.ErrBusy) {
			return &Error{Op: "destroy", Err: err}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &Error{Op: "destroy", Err: err}
}

func (b *Bridge) handleAck(a graph.Ack) {
	switch a := a.(type) {
	case graph.InstalledAck:
		id, ok := b.byNode[a.ID]
		if !ok {
			return
		}
		inst, ok := b.instances[id]
		if !ok || inst.state != StateInstalling {
			return
		}
		inst.state = StateReady
		b.notify(Ready{Instance: inst.id, Node: inst.node})
		if inst.destroyPending {
			inst.destroyPending = false
			if err := b.beginRemoval(inst); err != nil {
				b.log.Error("deferred destroy failed", zap.Error(err))
			}
		}
	case graph.RemovedAck:
		id, ok := b.byNode[a.ID]
		if !ok {
			return
		}
		inst, ok := b.instances[id]
		if !ok {
			return
		}
		// The worker holds no reference any more; teardown is safe
		// regardless of which side initiated the removal.
		if inst.plugin != nil {
			if err := inst.plugin.Destroy(); err != nil {
				b.log.Error("plugin destroy failed", zap.Error(err))
			}
		}
		inst.state = StateDestroyed
		b.forget(inst)
		b.notify(Destroyed{Instance: inst.id, Node: inst.node})
	}
}

func (b *Bridge) forget(inst *instance) {
	delete(b.instances, inst.id)
	delete(b.byNode, inst.node)
}

func (b *Bridge) notify(n Notification) {
	select {
	case b.notifications <- n:
	default:
		b.log.Warn("notification channel full, dropping", zap.Any("notification", n))
	}
}
