package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/ilievs/motorsim/core"
)

// Bridge maps the motors topic tree onto the simulation core: commands come
// in on motors/{id}/command, snapshots go out retained on motors/{id}/state.
type Bridge struct {
	devices core.DeviceManager
	broker  *MochiBroker
	client  *MochiClient
	log     *slog.Logger

	mu             sync.Mutex
	pumps          map[string]*statePump
	subscriptionId int
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func NewBridge(devices core.DeviceManager, broker *MochiBroker, client *MochiClient, log *slog.Logger) *Bridge {
	return &Bridge{
		devices:  devices,
		broker:   broker,
		client:   client,
		log:      log.With("component", "bridge"),
		pumps:    make(map[string]*statePump),
	}
}

// statePump republishes one watcher's snapshots. done closes once the pump
// has published its last snapshot.
type statePump struct {
	watcher *core.Watcher
	done    chan struct{}
}

func (b *Bridge) Start(ctx context.Context) error {
	id, err := b.broker.Subscribe(CommandFilter, b.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", CommandFilter, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.subscriptionId = id
	b.cancel = cancel
	b.mu.Unlock()

	roster, unsubscribe := b.devices.SubscribeToRosterChanges()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case devices, ok := <-roster:
				if !ok {
					return
				}
				b.syncRoster(ctx, devices)
			}
		}
	}()
	return nil
}

// Stop ends all state pumps and removes the command subscription.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	subscriptionId := b.subscriptionId
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	if err := b.broker.Unsubscribe(subscriptionId); err != nil {
		b.log.Warn("failed to unsubscribe commands", "error", err)
	}
	b.wg.Wait()
}

func (b *Bridge) syncRoster(ctx context.Context, devices []core.DeviceInfo) {
	if err := b.client.PublishJSON(RosterTopic, devices, true); err != nil {
		b.log.Error("failed to publish roster", "error", err)
	}

	current := make(map[string]bool, len(devices))
	for _, d := range devices {
		current[d.Id] = true
	}

	var removed []*statePump
	b.mu.Lock()
	for id, p := range b.pumps {
		if !current[id] {
			removed = append(removed, p)
			delete(b.pumps, id)
		}
	}
	for _, d := range devices {
		var previous <-chan struct{}
		if p, ok := b.pumps[d.Id]; ok {
			select {
			case <-p.watcher.Done():
				// removed and added again since the last roster we saw
				previous = p.done
				delete(b.pumps, d.Id)
			default:
				continue
			}
		}
		w, err := b.devices.Watch(ctx, d.Id)
		if err != nil {
			b.log.Warn("failed to watch device", "device", d.Id, "error", err)
			continue
		}
		p := &statePump{watcher: w, done: make(chan struct{})}
		b.pumps[d.Id] = p
		b.wg.Add(1)
		go b.pumpState(p, previous)
	}
	b.mu.Unlock()

	for _, p := range removed {
		p.watcher.Close()
		<-p.done
		id := p.watcher.DeviceId()
		if err := b.client.Clear(StateTopic(id)); err != nil {
			b.log.Warn("failed to clear retained state", "device", id, "error", err)
		}
	}
}

// pumpState waits for previous, the pump of an earlier incarnation of the
// same device, so an old snapshot never lands after a new one.
func (b *Bridge) pumpState(p *statePump, previous <-chan struct{}) {
	defer b.wg.Done()
	defer close(p.done)
	if previous != nil {
		<-previous
	}
	topic := StateTopic(p.watcher.DeviceId())
	for snap := range p.watcher.C() {
		if err := b.client.PublishJSON(topic, snap, true); err != nil {
			b.log.Error("failed to publish state", "device", snap.Id, "error", err)
		}
	}
}

func (b *Bridge) handleCommand(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
	deviceId, ok := deviceFromTopic(pk.TopicName, "command")
	if !ok {
		b.log.Warn("ignoring command on unexpected topic", "topic", pk.TopicName)
		return
	}

	result := CommandResult{Device: deviceId}
	var request CommandRequest
	if err := json.Unmarshal(pk.Payload, &request); err != nil {
		result.Result = core.ResultInvalidArgument
		result.Error = fmt.Sprintf("malformed command: %v", err)
	} else {
		result.RequestId = request.RequestId
		snap, err := b.devices.SendCommand(deviceId, request.Command)
		result.Result = core.ResultOf(err)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Snapshot = &snap
		}
	}

	b.log.Debug("mqtt command", "client", cl.ID, "device", deviceId,
		"command", request.Name, "result", result.Result)

	if err := b.client.PublishJSON(ResultTopic(deviceId), result, false); err != nil {
		b.log.Error("failed to publish command result", "device", deviceId, "error", err)
	}
}
