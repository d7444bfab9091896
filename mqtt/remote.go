package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/xid"

	"github.com/ilievs/motorsim/core"
)

var ErrClientClosed = errors.New("remote client closed")

type RemoteConfig struct {
	BrokerURL string
	Username  string
	Password  string
	// ClientID defaults to a random motorsim-ctl id.
	ClientID string
	Logger   *slog.Logger
}

// RemoteClient talks to a motorsim broker over the network the way an
// operator panel would.
type RemoteClient struct {
	cm  *autopaho.ConnectionManager
	log *slog.Logger

	// subMu serializes state topic subscribe and unsubscribe calls
	subMu    sync.Mutex
	mu       sync.Mutex
	pending  map[string]chan CommandResult
	states   map[string]map[chan core.Snapshot]struct{}
	rosters  map[chan []core.DeviceInfo]struct{}
	closed   bool
	clientId string
}

// Dial connects to the broker and waits until the session is up. autopaho
// keeps reconnecting in the background until Close.
func Dial(ctx context.Context, cfg RemoteConfig) (*RemoteClient, error) {
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("broker url: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clientId := cfg.ClientID
	if clientId == "" {
		clientId = "motorsim-ctl-" + xid.New().String()
	}

	r := &RemoteClient{
		log:      log.With("component", "remote", "client", clientId),
		pending:  make(map[string]chan CommandResult),
		states:   make(map[string]map[chan core.Snapshot]struct{}),
		rosters:  make(map[chan []core.DeviceInfo]struct{}),
		clientId: clientId,
	}

	cliCfg := autopaho.ClientConfig{
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     20,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			r.log.Debug("mqtt connection up")
			// Subscribing here re-establishes the subscriptions after a reconnect.
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: r.subscriptions(),
			}); err != nil {
				r.log.Warn("failed to subscribe", "error", err)
			}
		},
		OnConnectError: func(err error) {
			r.log.Debug("error whilst attempting connection", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientId,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					r.route(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				}},
			OnClientError: func(err error) { r.log.Warn("client error", "error", err) },
			OnServerDisconnect: func(d *paho.Disconnect) {
				r.log.Warn("server requested disconnect", "reasonCode", d.ReasonCode)
			},
		},
	}

	cm, err := autopaho.NewConnection(context.Background(), cliCfg)
	if err != nil {
		return nil, err
	}
	r.cm = cm
	if err := cm.AwaitConnection(ctx); err != nil {
		_ = cm.Disconnect(context.Background())
		return nil, err
	}
	// Results must be subscribed before the first Send can publish.
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: ResultFilter, QoS: 1}},
	}); err != nil {
		_ = cm.Disconnect(context.Background())
		return nil, fmt.Errorf("subscribe results: %w", err)
	}
	return r, nil
}

func (r *RemoteClient) ClientId() string { return r.clientId }

// subscriptions lists every topic the client currently needs.
func (r *RemoteClient) subscriptions() []paho.SubscribeOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := []paho.SubscribeOptions{{Topic: ResultFilter, QoS: 1}}
	if len(r.rosters) > 0 {
		subs = append(subs, paho.SubscribeOptions{Topic: RosterTopic, QoS: 1})
	}
	for id := range r.states {
		subs = append(subs, paho.SubscribeOptions{Topic: StateTopic(id), QoS: 1})
	}
	return subs
}

func (r *RemoteClient) route(topic string, payload []byte) {
	if topic == RosterTopic {
		var devices []core.DeviceInfo
		if err := json.Unmarshal(payload, &devices); err != nil {
			r.log.Warn("malformed roster", "error", err)
			return
		}
		r.mu.Lock()
		for ch := range r.rosters {
			offerLatest(ch, devices)
		}
		r.mu.Unlock()
		return
	}

	if id, ok := deviceFromTopic(topic, "result"); ok {
		var result CommandResult
		if err := json.Unmarshal(payload, &result); err != nil {
			r.log.Warn("malformed result", "device", id, "error", err)
			return
		}
		r.mu.Lock()
		ch, ok := r.pending[result.RequestId]
		delete(r.pending, result.RequestId)
		r.mu.Unlock()
		if ok {
			ch <- result
		}
		return
	}

	if id, ok := deviceFromTopic(topic, "state"); ok {
		if len(payload) == 0 {
			return
		}
		var snap core.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			r.log.Warn("malformed state", "device", id, "error", err)
			return
		}
		r.mu.Lock()
		for ch := range r.states[id] {
			offerLatest(ch, snap)
		}
		r.mu.Unlock()
	}
}

func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Send publishes the command and waits for its correlated result. Rejections
// come back as errors matching the core sentinels.
func (r *RemoteClient) Send(ctx context.Context, deviceId string, command core.Command) (core.Snapshot, error) {
	request := CommandRequest{RequestId: xid.New().String(), Command: command}
	payload, err := json.Marshal(request)
	if err != nil {
		return core.Snapshot{}, err
	}

	ch := make(chan CommandResult, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return core.Snapshot{}, ErrClientClosed
	}
	r.pending[request.RequestId] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, request.RequestId)
		r.mu.Unlock()
	}()

	if _, err := r.cm.Publish(ctx, &paho.Publish{
		QoS:     1,
		Topic:   CommandTopic(deviceId),
		Payload: payload,
	}); err != nil {
		return core.Snapshot{}, fmt.Errorf("publish command: %w", err)
	}

	select {
	case result := <-ch:
		if err := result.Err(); err != nil {
			return core.Snapshot{}, err
		}
		if result.Snapshot == nil {
			return core.Snapshot{}, fmt.Errorf("%w: result without snapshot", core.ErrFatal)
		}
		return *result.Snapshot, nil
	case <-ctx.Done():
		return core.Snapshot{}, ctx.Err()
	}
}

// Watch streams the retained and subsequent snapshots of one device until
// ctx is done. The channel keeps only the latest snapshot.
func (r *RemoteClient) Watch(ctx context.Context, deviceId string) (<-chan core.Snapshot, error) {
	ch := make(chan core.Snapshot, 1)

	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClientClosed
	}
	listeners, ok := r.states[deviceId]
	if !ok {
		listeners = make(map[chan core.Snapshot]struct{})
		r.states[deviceId] = listeners
	}
	listeners[ch] = struct{}{}
	r.mu.Unlock()

	if !ok {
		if _, err := r.cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: StateTopic(deviceId), QoS: 1}},
		}); err != nil {
			r.removeListener(deviceId, ch)
			return nil, fmt.Errorf("subscribe state: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		r.dropState(deviceId, ch)
	}()
	return ch, nil
}

// removeListener closes ch and reports whether it was the last one for the device.
func (r *RemoteClient) removeListener(deviceId string, ch chan core.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	listeners := r.states[deviceId]
	if _, ok := listeners[ch]; !ok {
		return false
	}
	delete(listeners, ch)
	close(ch)
	if len(listeners) > 0 {
		return false
	}
	delete(r.states, deviceId)
	return !r.closed
}

func (r *RemoteClient) dropState(deviceId string, ch chan core.Snapshot) {
	if !r.removeListener(deviceId, ch) {
		return
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.mu.Lock()
	_, resubscribed := r.states[deviceId]
	r.mu.Unlock()
	if resubscribed {
		return
	}
	if _, err := r.cm.Unsubscribe(context.Background(), &paho.Unsubscribe{
		Topics: []string{StateTopic(deviceId)},
	}); err != nil {
		r.log.Debug("failed to unsubscribe state", "device", deviceId, "error", err)
	}
}

// Read returns the latest retained snapshot of the device.
func (r *RemoteClient) Read(ctx context.Context, deviceId string) (core.Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.Watch(ctx, deviceId)
	if err != nil {
		return core.Snapshot{}, err
	}
	select {
	case snap, ok := <-ch:
		if !ok {
			return core.Snapshot{}, ErrClientClosed
		}
		return snap, nil
	case <-ctx.Done():
		return core.Snapshot{}, fmt.Errorf("%w: no state for %s: %v", core.ErrNotFound, deviceId, ctx.Err())
	}
}

// Devices returns the retained roster.
func (r *RemoteClient) Devices(ctx context.Context) ([]core.DeviceInfo, error) {
	ch := make(chan []core.DeviceInfo, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClientClosed
	}
	r.rosters[ch] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.rosters, ch)
		r.mu.Unlock()
	}()

	if _, err := r.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: RosterTopic, QoS: 1}},
	}); err != nil {
		return nil, fmt.Errorf("subscribe roster: %w", err)
	}
	defer func() {
		_, _ = r.cm.Unsubscribe(context.Background(), &paho.Unsubscribe{Topics: []string{RosterTopic}})
	}()

	select {
	case devices := <-ch:
		return devices, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *RemoteClient) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, listeners := range r.states {
		for ch := range listeners {
			close(ch)
		}
		delete(r.states, id)
	}
	r.mu.Unlock()

	return r.cm.Disconnect(ctx)
}
