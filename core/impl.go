package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultTickInterval    = 100 * time.Millisecond
	DefaultMaxSpeed        = 100.0
	DefaultMaxAcceleration = 10.0
	DefaultMinDelta        = 1.0
)

type Config struct {
	TickInterval time.Duration
	MaxSpeed     float64
	// MaxAcceleration is in speed units per second.
	MaxAcceleration float64
	// MinDelta is how far the actual speed must move before watchers hear about it.
	MinDelta float64
	Devices  []DeviceInfo
	Logger   *slog.Logger
}

func DefaultConfig() Config {
	devices := make([]DeviceInfo, 0, 5)
	for i := range 5 {
		devices = append(devices, DeviceInfo{
			Id:   fmt.Sprintf("motor%d", i),
			Name: fmt.Sprintf("Motor%d", i),
		})
	}
	return Config{
		TickInterval:    DefaultTickInterval,
		MaxSpeed:        DefaultMaxSpeed,
		MaxAcceleration: DefaultMaxAcceleration,
		MinDelta:        DefaultMinDelta,
		Devices:         devices,
	}
}

func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive, got %s", ErrInvalidArgument, c.TickInterval)
	}
	if c.MaxSpeed <= 0 {
		return fmt.Errorf("%w: max speed must be positive, got %v", ErrInvalidArgument, c.MaxSpeed)
	}
	if c.MaxAcceleration <= 0 {
		return fmt.Errorf("%w: max acceleration must be positive, got %v", ErrInvalidArgument, c.MaxAcceleration)
	}
	if c.MinDelta < 0 {
		return fmt.Errorf("%w: min delta must not be negative, got %v", ErrInvalidArgument, c.MinDelta)
	}
	return nil
}

type device struct {
	id       string
	minDelta float64

	mu       sync.Mutex
	state    *DeviceState
	revision uint64
	// seq orders every mutation, ticks included, so watchers can drop late deliveries
	seq uint64

	listenersMutex sync.Mutex
	listeners      map[string]*Watcher
	closed         bool
}

func newDevice(info DeviceInfo, maxSpeed, minDelta float64) *device {
	return &device{
		id:        info.Id,
		minDelta:  minDelta,
		state:     NewDeviceState(info.Id, info.Name, maxSpeed),
		listeners: make(map[string]*Watcher),
	}
}

func (d *device) read() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.snapshot(d.revision, time.Now())
}

// mutate applies fn under the device lock. A successful change bumps the
// revision and is fanned out after the lock is released.
func (d *device) mutate(fn func(*DeviceState) error) (Snapshot, error) {
	d.mu.Lock()
	if err := fn(d.state); err != nil {
		d.mu.Unlock()
		return Snapshot{}, err
	}
	d.revision++
	d.seq++
	snap, seq := d.state.snapshot(d.revision, time.Now()), d.seq
	d.mu.Unlock()

	d.notify(snap, seq)
	return snap, nil
}

func (d *device) tick(dt time.Duration, maxAccel float64, now time.Time) {
	d.mu.Lock()
	if !d.state.advance(dt, maxAccel) {
		d.mu.Unlock()
		return
	}
	d.seq++
	snap, seq := d.state.snapshot(d.revision, now), d.seq
	d.mu.Unlock()

	d.notify(snap, seq)
}

func (d *device) notify(snap Snapshot, seq uint64) {
	d.listenersMutex.Lock()
	defer d.listenersMutex.Unlock()
	for _, w := range d.listeners {
		w.offer(snap, seq, d.minDelta)
	}
}

// addListener registers w and hands it the current snapshot. The listener
// lock is held across the read so no mutation can slip in between.
func (d *device) addListener(w *Watcher) error {
	d.listenersMutex.Lock()
	defer d.listenersMutex.Unlock()
	if d.closed {
		return fmt.Errorf("%w: device %s is no longer simulated", ErrNotFound, d.id)
	}

	d.mu.Lock()
	snap, seq := d.state.snapshot(d.revision, time.Now()), d.seq
	d.mu.Unlock()

	d.listeners[w.id] = w
	w.offer(snap, seq, d.minDelta)
	return nil
}

func (d *device) removeListener(w *Watcher) {
	d.listenersMutex.Lock()
	defer d.listenersMutex.Unlock()
	if _, ok := d.listeners[w.id]; ok {
		delete(d.listeners, w.id)
		w.finish()
	}
}

func (d *device) close() {
	d.listenersMutex.Lock()
	defer d.listenersMutex.Unlock()
	d.closed = true
	for id, w := range d.listeners {
		delete(d.listeners, id)
		w.finish()
	}
}

func (d *device) listenerCount() int {
	d.listenersMutex.Lock()
	defer d.listenersMutex.Unlock()
	return len(d.listeners)
}

// SimulationCore owns the roster of simulated devices and the clock that
// drives them.
type SimulationCore struct {
	config Config
	log    *slog.Logger
	clock  *Clock

	devicesMutex sync.RWMutex
	devicesById  map[string]*device
	order        []string

	subscribersMutex sync.Mutex
	rosterChannels   map[chan []DeviceInfo]struct{}

	lifecycleMutex sync.Mutex
	cancel         context.CancelFunc
	done           chan struct{}
	stopped        atomic.Bool
}

// New validates cfg and registers its roster. The clock is not started.
func New(cfg Config) (*SimulationCore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &SimulationCore{
		config:         cfg,
		log:            log.With("component", "core"),
		devicesById:    make(map[string]*device),
		rosterChannels: make(map[chan []DeviceInfo]struct{}),
	}
	c.clock = newClock(cfg.TickInterval, cfg.MaxAcceleration, c, log.With("component", "clock"))

	for _, info := range cfg.Devices {
		if err := c.AddDevice(info); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *SimulationCore) Config() Config { return c.config }

func (c *SimulationCore) Clock() *Clock { return c.clock }

// Start runs the clock in the background until Shutdown.
func (c *SimulationCore) Start() {
	c.lifecycleMutex.Lock()
	defer c.lifecycleMutex.Unlock()
	if c.cancel != nil || c.stopped.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.clock.Run(ctx)
	}()
}

// Shutdown stops the clock and closes every watch stream.
func (c *SimulationCore) Shutdown() {
	c.lifecycleMutex.Lock()
	defer c.lifecycleMutex.Unlock()
	if c.stopped.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	c.devicesMutex.RLock()
	for _, d := range c.devicesById {
		d.close()
	}
	c.devicesMutex.RUnlock()

	c.subscribersMutex.Lock()
	for ch := range c.rosterChannels {
		delete(c.rosterChannels, ch)
		close(ch)
	}
	c.subscribersMutex.Unlock()

	c.log.Info("simulation core shut down")
}

// AddDevice registers a new stopped device. A duplicate id means the roster
// is corrupt and is reported as ErrFatal.
func (c *SimulationCore) AddDevice(info DeviceInfo) error {
	if info.Id == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidArgument)
	}
	if info.Name == "" {
		info.Name = info.Id
	}

	c.devicesMutex.Lock()
	if _, exists := c.devicesById[info.Id]; exists {
		c.devicesMutex.Unlock()
		return fmt.Errorf("%w: duplicate device id %q", ErrFatal, info.Id)
	}
	c.devicesById[info.Id] = newDevice(info, c.config.MaxSpeed, c.config.MinDelta)
	c.order = append(c.order, info.Id)
	c.devicesMutex.Unlock()

	c.log.Debug("device added", "device", info.Id, "name", info.Name)
	c.publishRoster()
	return nil
}

func (c *SimulationCore) RemoveDevice(id string) error {
	c.devicesMutex.Lock()
	d, ok := c.devicesById[id]
	if !ok {
		c.devicesMutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(c.devicesById, id)
	c.order = slices.DeleteFunc(c.order, func(other string) bool { return other == id })
	c.devicesMutex.Unlock()

	d.close()
	c.log.Debug("device removed", "device", id)
	c.publishRoster()
	return nil
}

func (c *SimulationCore) devices() []*device {
	c.devicesMutex.RLock()
	defer c.devicesMutex.RUnlock()
	devices := make([]*device, 0, len(c.order))
	for _, id := range c.order {
		devices = append(devices, c.devicesById[id])
	}
	return devices
}

func (c *SimulationCore) lookup(id string) (*device, error) {
	c.devicesMutex.RLock()
	defer c.devicesMutex.RUnlock()
	d, ok := c.devicesById[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// ListDevices returns the roster in registration order.
func (c *SimulationCore) ListDevices() []DeviceInfo {
	devices := c.devices()
	infos := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, DeviceInfo{Id: d.id, Name: d.state.Name()})
	}
	return infos
}

func (c *SimulationCore) Read(id string) (Snapshot, error) {
	d, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return d.read(), nil
}

func (c *SimulationCore) SendCommand(id string, command Command) (Snapshot, error) {
	d, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := d.mutate(command.apply)
	if err != nil {
		c.log.Debug("command rejected", "device", id, "command", command.Name, "error", err)
		return Snapshot{}, err
	}
	c.log.Debug("command applied", "device", id, "command", command.Name, "revision", snap.Revision)
	return snap, nil
}

// InjectFault simulates a hardware failure on the device.
func (c *SimulationCore) InjectFault(id string, reason string) (Snapshot, error) {
	d, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := d.mutate(func(s *DeviceState) error {
		s.Fault(reason)
		return nil
	})
	if err == nil {
		c.log.Warn("device faulted", "device", id, "reason", reason)
	}
	return snap, err
}

// Watch subscribes to the device's snapshots. The current snapshot is
// delivered right away. The watcher closes when ctx is done or Close is called.
func (c *SimulationCore) Watch(ctx context.Context, id string) (*Watcher, error) {
	d, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	w := newWatcher(d)
	if err := d.addListener(w); err != nil {
		return nil, err
	}
	if ctx != nil && ctx.Done() != nil {
		w.setStop(context.AfterFunc(ctx, w.Close))
	}
	return w, nil
}

// ListenerCount returns the number of open watchers on the device.
func (c *SimulationCore) ListenerCount(id string) (int, error) {
	d, err := c.lookup(id)
	if err != nil {
		return 0, err
	}
	return d.listenerCount(), nil
}

// SubscribeToRosterChanges emits the roster now and after every add or remove.
// Only the latest roster is kept for a slow reader.
func (c *SimulationCore) SubscribeToRosterChanges() (<-chan []DeviceInfo, func()) {
	ch := make(chan []DeviceInfo, 1)

	c.subscribersMutex.Lock()
	ch <- c.ListDevices()
	if c.stopped.Load() {
		c.subscribersMutex.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.rosterChannels[ch] = struct{}{}
	c.subscribersMutex.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subscribersMutex.Lock()
			defer c.subscribersMutex.Unlock()
			if _, ok := c.rosterChannels[ch]; ok {
				delete(c.rosterChannels, ch)
				close(ch)
			}
		})
	}
}

func (c *SimulationCore) publishRoster() {
	c.subscribersMutex.Lock()
	defer c.subscribersMutex.Unlock()
	if len(c.rosterChannels) == 0 {
		return
	}
	roster := c.ListDevices()
	for ch := range c.rosterChannels {
		select {
		case <-ch:
		default:
		}
		ch <- roster
	}
}

// IsFatal reports whether err means the core cannot continue.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
