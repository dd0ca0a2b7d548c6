// Package runtime is the lifecycle controller: it owns the container
// table, enforces the created → running → stopped → removed state
// machine, and coordinates the image store, filesystem views, port
// table, and execution engine on each transition.
package runtime

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codyaverett/wasm-container/api"
	"github.com/codyaverett/wasm-container/image"
	"github.com/codyaverett/wasm-container/layerfs"
	"github.com/codyaverett/wasm-container/network"
	"github.com/codyaverett/wasm-container/sandbox"
)

// DefaultStopGrace is the cooperative shutdown window granted before a
// stop escalates to a forced kill.
const DefaultStopGrace = 10 * time.Second

// instance holds the runtime-only state of a container that never leaves
// the process: its filesystem view, network identity, and, while running
// or freshly stopped, its engine session.
type instance struct {
	view     *layerfs.View
	manifest api.Manifest
	identity network.Identity

	session *sandbox.Session
	exited  chan struct{} // closed once the exit is recorded in the table
}

// Controller drives container lifecycles.
type Controller struct {
	log    zerolog.Logger
	images image.Resolver
	layers *layerfs.Store
	net    *network.Manager
	engine *sandbox.Runtime
	events *EventBus

	containers *StateStore[api.Container]
	names      *StateStore[string] // name → id

	mu        sync.Mutex
	locks     map[string]*sync.Mutex // per-container transition lock
	instances map[string]*instance

	stopGrace time.Duration
}

// Option configures a controller.
type Option func(*Controller)

// WithStopGrace overrides the cooperative shutdown window used when a
// stop request carries no explicit grace.
func WithStopGrace(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.stopGrace = d
		}
	}
}

// NewController wires the controller to its collaborators.
func NewController(log zerolog.Logger, images image.Resolver, layers *layerfs.Store, net *network.Manager, engine *sandbox.Runtime, opts ...Option) *Controller {
	c := &Controller{
		log:        log.With().Str("component", "lifecycle").Logger(),
		images:     images,
		layers:     layers,
		net:        net,
		engine:     engine,
		events:     NewEventBus(),
		containers: NewStateStore[api.Container](),
		names:      NewStateStore[string](),
		locks:      make(map[string]*sync.Mutex),
		instances:  make(map[string]*instance),
		stopGrace:  DefaultStopGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events exposes the controller's event bus.
func (c *Controller) Events() *EventBus { return c.events }

func (c *Controller) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

func (c *Controller) instanceOf(id string) *instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instances[id]
}

func newContainerID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Create validates the configuration, resolves the image, and
// materializes the container's filesystem view. The container enters the
// created state without executing anything.
func (c *Controller) Create(ctx context.Context, cfg api.ContainerConfig) (api.Container, error) {
	if err := cfg.Validate(); err != nil {
		return api.Container{}, err
	}

	digests, manifest, err := c.images.Resolve(ctx, cfg.Image)
	if err != nil {
		return api.Container{}, &api.ImageResolutionError{Ref: cfg.Image, Cause: err}
	}

	id := newContainerID()
	name := cfg.Name
	if name == "" {
		name = id[:12]
	}
	if existing, ok := c.names.Get(name); ok {
		return api.Container{}, &api.ConflictError{
			Message: fmt.Sprintf("container name %q already in use by %s", name, existing),
		}
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname = id[:12]
	}
	view, err := layerfs.Materialize(c.layers, digests, cfg.Volumes, hostname)
	if err != nil {
		return api.Container{}, err
	}

	record := api.Container{
		ID:      id,
		Name:    name,
		Image:   cfg.Image,
		State:   api.StateCreated,
		Config:  cfg,
		Created: time.Now().UTC(),
	}

	c.mu.Lock()
	c.instances[id] = &instance{view: view, manifest: manifest}
	c.mu.Unlock()
	c.containers.Put(id, record)
	c.names.Put(name, id)

	c.log.Info().Str("container", id).Str("name", name).Str("image", cfg.Image).Msg("container created")
	c.emit("create", id, map[string]string{"name": name, "image": cfg.Image})
	return record, nil
}

// Start transitions a created or stopped container to running: it claims
// the container's host ports, allocates its network identity, and
// launches the module. A failed launch or port conflict leaves the
// container in its prior state with nothing held.
func (c *Controller) Start(ctx context.Context, ref string) (api.Container, error) {
	id, err := c.resolveID(ref)
	if err != nil {
		return api.Container{}, err
	}
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()

	record, ok := c.containers.Get(id)
	if !ok {
		return api.Container{}, &api.NotFoundError{Resource: "container", ID: ref}
	}
	if record.State != api.StateCreated && record.State != api.StateStopped {
		return api.Container{}, &api.InvalidStateTransitionError{ID: id, From: record.State, Op: "start"}
	}
	inst := c.instanceOf(id)
	if inst == nil {
		return api.Container{}, &api.NotFoundError{Resource: "container", ID: ref}
	}

	identity, err := c.net.AllocateIdentity(id)
	if err != nil {
		return api.Container{}, err
	}
	if err := c.net.Reserve(id, record.Config.Ports); err != nil {
		return api.Container{}, err
	}

	hostname := record.Config.Hostname
	if hostname == "" {
		hostname = id[:12]
	}
	session, err := c.engine.Launch(ctx, sandbox.LaunchSpec{
		ContainerID: id,
		Hostname:    hostname,
		IP:          identity.IP,
		View:        inst.view,
		Network:     c.net,
		Manifest:    inst.manifest,
		Config:      record.Config,
	})
	if err != nil {
		c.net.Release(id)
		return api.Container{}, &api.LaunchError{ID: id, Cause: err}
	}

	restarted := record.State == api.StateStopped
	c.containers.Update(id, func(r *api.Container) {
		r.State = api.StateRunning
		r.StartedAt = time.Now().UTC()
		r.FinishedAt = time.Time{}
		r.ExitStatus = nil
		if restarted {
			r.RestartCount++
		}
	})

	exited := make(chan struct{})
	c.mu.Lock()
	inst.session = session
	inst.identity = identity
	inst.exited = exited
	c.mu.Unlock()

	go c.monitor(id, session, exited)

	c.log.Info().Str("container", id).Str("ip", identity.IP).Msg("container started")
	c.emit("start", id, map[string]string{"ip": identity.IP})

	record, _ = c.containers.Get(id)
	return record, nil
}

// monitor is the single writer of the running → stopped transition. It
// records the exit status whether the module finished on its own or was
// torn down by a stop.
func (c *Controller) monitor(id string, session *sandbox.Session, exited chan struct{}) {
	status := session.ExitStatus()

	c.net.Release(id)
	c.containers.Update(id, func(r *api.Container) {
		r.State = api.StateStopped
		r.FinishedAt = time.Now().UTC()
		s := status
		r.ExitStatus = &s
	})
	close(exited)

	c.log.Info().
		Str("container", id).
		Int("exit_code", status.Code).
		Bool("trapped", status.Trapped).
		Bool("killed", status.Killed).
		Msg("container exited")
	attrs := map[string]string{"exitCode": fmt.Sprint(status.Code)}
	if status.Trapped {
		attrs["trapped"] = "true"
		attrs["trapReason"] = status.TrapReason
	}
	if status.Killed {
		attrs["killed"] = "true"
	}
	c.emit("die", id, attrs)
}

// Stop requests a graceful shutdown and escalates to a kill when the
// grace period lapses. grace < 0 selects the default. Stopping an
// already stopped container is a no-op.
func (c *Controller) Stop(ctx context.Context, ref string, grace time.Duration) (api.Container, error) {
	id, err := c.resolveID(ref)
	if err != nil {
		return api.Container{}, err
	}
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()

	record, ok := c.containers.Get(id)
	if !ok {
		return api.Container{}, &api.NotFoundError{Resource: "container", ID: ref}
	}
	switch record.State {
	case api.StateStopped:
		return record, nil
	case api.StateRunning:
	default:
		return api.Container{}, &api.InvalidStateTransitionError{ID: id, From: record.State, Op: "stop"}
	}

	inst := c.instanceOf(id)
	if grace < 0 {
		grace = c.stopGrace
	}
	inst.session.Terminate(grace)
	select {
	case <-inst.exited:
	case <-ctx.Done():
		return api.Container{}, ctx.Err()
	}

	c.emit("stop", id, nil)
	record, _ = c.containers.Get(id)
	return record, nil
}

// Kill stops the container immediately with no grace period.
func (c *Controller) Kill(ctx context.Context, ref string) (api.Container, error) {
	return c.Stop(ctx, ref, 0)
}

// Remove discards a created or stopped container: its writable state and
// network identity are dropped and the record transitions to removed.
// With force set, a running container is killed first.
func (c *Controller) Remove(ctx context.Context, ref string, force bool) error {
	id, err := c.resolveID(ref)
	if err != nil {
		return err
	}

	if force {
		if rec, ok := c.containers.Get(id); ok && rec.State == api.StateRunning {
			if _, err := c.Kill(ctx, id); err != nil {
				return err
			}
		}
	}

	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()

	record, ok := c.containers.Get(id)
	if !ok {
		return &api.NotFoundError{Resource: "container", ID: ref}
	}
	switch record.State {
	case api.StateRunning:
		return &api.ContainerRunningError{ID: id}
	case api.StateRemoved:
		return nil
	}

	inst := c.instanceOf(id)
	if inst != nil {
		inst.view.Teardown()
	}
	c.net.ReleaseIdentity(id)
	c.names.Delete(record.Name)
	c.mu.Lock()
	delete(c.instances, id)
	c.mu.Unlock()
	c.containers.Update(id, func(r *api.Container) { r.State = api.StateRemoved })

	c.log.Info().Str("container", id).Msg("container removed")
	c.emit("remove", id, nil)
	return nil
}

// PruneRemoved drops removed records from the table and returns their IDs.
func (c *Controller) PruneRemoved() []string {
	var pruned []string
	for _, id := range c.containers.Keys() {
		if rec, ok := c.containers.Get(id); ok && rec.State == api.StateRemoved {
			c.containers.Delete(id)
			c.mu.Lock()
			delete(c.locks, id)
			c.mu.Unlock()
			pruned = append(pruned, id)
		}
	}
	return pruned
}

// Inspect returns the full record for a container reference.
func (c *Controller) Inspect(ref string) (api.Container, error) {
	id, err := c.resolveID(ref)
	if err != nil {
		return api.Container{}, err
	}
	record, ok := c.containers.Get(id)
	if !ok {
		return api.Container{}, &api.NotFoundError{Resource: "container", ID: ref}
	}
	return record, nil
}

// List yields container summaries lazily, running containers only unless
// all is set. Removed records appear only with all.
func (c *Controller) List(all bool) iter.Seq[api.ContainerSummary] {
	ids := c.containers.Keys()
	return func(yield func(api.ContainerSummary) bool) {
		for _, id := range ids {
			record, ok := c.containers.Get(id)
			if !ok {
				continue
			}
			if !all && record.State != api.StateRunning {
				continue
			}
			summary := api.ContainerSummary{
				ID:    record.ID,
				Name:  record.Name,
				Image: record.Image,
				State: record.State,
			}
			if record.State == api.StateRunning {
				summary.Ports = c.net.Reservations(id)
			}
			if !yield(summary) {
				return
			}
		}
	}
}

// Wait blocks until the container exits and returns its status. Waiting
// on a stopped container returns the recorded status immediately.
func (c *Controller) Wait(ctx context.Context, ref string) (api.ExitStatus, error) {
	id, err := c.resolveID(ref)
	if err != nil {
		return api.ExitStatus{}, err
	}
	record, ok := c.containers.Get(id)
	if !ok {
		return api.ExitStatus{}, &api.NotFoundError{Resource: "container", ID: ref}
	}
	if record.State == api.StateStopped || record.State == api.StateRemoved {
		if record.ExitStatus != nil {
			return *record.ExitStatus, nil
		}
		return api.ExitStatus{}, &api.InvalidStateTransitionError{ID: id, From: record.State, Op: "wait"}
	}
	inst := c.instanceOf(id)
	if inst == nil || inst.exited == nil {
		return api.ExitStatus{}, &api.InvalidStateTransitionError{ID: id, From: record.State, Op: "wait"}
	}
	select {
	case <-inst.exited:
	case <-ctx.Done():
		return api.ExitStatus{}, ctx.Err()
	}
	record, _ = c.containers.Get(id)
	if record.ExitStatus == nil {
		return api.ExitStatus{}, fmt.Errorf("container %s exited without a status", id)
	}
	return *record.ExitStatus, nil
}

// Logs returns the captured output of the container's most recent run.
func (c *Controller) Logs(ref string) ([]byte, error) {
	id, err := c.resolveID(ref)
	if err != nil {
		return nil, err
	}
	inst := c.instanceOf(id)
	if inst == nil || inst.session == nil {
		return nil, &api.NotFoundError{Resource: "logs", ID: ref}
	}
	return inst.session.LogBytes(), nil
}

// FollowLogs returns the captured output so far plus a live channel.
// The cancel function detaches the follower.
func (c *Controller) FollowLogs(ref string) ([]byte, <-chan []byte, func(), error) {
	id, err := c.resolveID(ref)
	if err != nil {
		return nil, nil, nil, err
	}
	inst := c.instanceOf(id)
	if inst == nil || inst.session == nil {
		return nil, nil, nil, &api.NotFoundError{Resource: "logs", ID: ref}
	}
	session := inst.session
	subID, ch := session.SubscribeLogs()
	return session.LogBytes(), ch, func() { session.UnsubscribeLogs(subID) }, nil
}

// ContainerStats is a point-in-time resource snapshot for one container.
type ContainerStats struct {
	ID            string             `json:"id"`
	State         api.ContainerState `json:"state"`
	UptimeSeconds float64            `json:"uptimeSeconds"`
	WritableBytes int64              `json:"writableBytes"`
	WritableFiles int                `json:"writableFiles"`
	Identity      *network.Identity  `json:"identity,omitempty"`
}

// Stats reports the container's writable layer usage and uptime.
func (c *Controller) Stats(ref string) (ContainerStats, error) {
	id, err := c.resolveID(ref)
	if err != nil {
		return ContainerStats{}, err
	}
	record, ok := c.containers.Get(id)
	if !ok {
		return ContainerStats{}, &api.NotFoundError{Resource: "container", ID: ref}
	}
	stats := ContainerStats{ID: id, State: record.State}
	if inst := c.instanceOf(id); inst != nil {
		stats.WritableBytes = inst.view.WritableSize()
		stats.WritableFiles = inst.view.WritableLen()
	}
	if record.State == api.StateRunning {
		stats.UptimeSeconds = time.Since(record.StartedAt).Seconds()
		if ident, ok := c.net.IdentityOf(id); ok {
			stats.Identity = &ident
		}
	}
	return stats, nil
}

// resolveID finds a container by full ID, name, or unambiguous short ID
// prefix of at least three characters.
func (c *Controller) resolveID(ref string) (string, error) {
	if ref == "" {
		return "", &api.NotFoundError{Resource: "container", ID: ref}
	}
	if _, ok := c.containers.Get(ref); ok {
		return ref, nil
	}
	if id, ok := c.names.Get(ref); ok {
		return id, nil
	}
	if len(ref) >= 3 {
		var match string
		for _, id := range c.containers.Keys() {
			if strings.HasPrefix(id, ref) {
				if match != "" {
					return "", &api.ConflictError{Message: fmt.Sprintf("ambiguous container reference %q", ref)}
				}
				match = id
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", &api.NotFoundError{Resource: "container", ID: ref}
}
