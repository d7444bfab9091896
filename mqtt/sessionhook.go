package mqtt

import (
	"bytes"
	"log/slog"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

type HookOptions struct {
	Logger *slog.Logger
}

// ClientTrackerHook keeps the set of operator sessions connected to the broker.
type ClientTrackerHook struct {
	mochi.HookBase
	log     *slog.Logger
	mu      sync.RWMutex
	clients map[string]string
}

// ID returns the ID of the hook.
func (h *ClientTrackerHook) ID() string {
	return "ClientTrackerHook"
}

// Provides indicates which methods a hook provides.
func (h *ClientTrackerHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnSessionEstablished,
		mochi.OnDisconnect,
	}, []byte{b})
}

func (h *ClientTrackerHook) Init(config any) error {
	if _, ok := config.(*HookOptions); !ok && config != nil {
		return mochi.ErrInvalidConfigType
	}

	if config == nil {
		config = new(HookOptions)
	}

	opt := config.(*HookOptions)
	h.log = opt.Logger
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With("component", "sessions")
	h.clients = make(map[string]string)

	return nil
}

// OnSessionEstablished is called when a new client establishes a session (after OnConnect).
func (h *ClientTrackerHook) OnSessionEstablished(cl *mochi.Client, pk packets.Packet) {
	h.mu.Lock()
	h.clients[cl.ID] = cl.Net.Remote
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("mqtt client connected", "client", cl.ID, "remote", cl.Net.Remote,
		"username", string(cl.Properties.Username), "clients", count)
}

// OnDisconnect is called when a client is disconnected for any reason.
func (h *ClientTrackerHook) OnDisconnect(cl *mochi.Client, err error, expire bool) {
	h.mu.Lock()
	delete(h.clients, cl.ID)
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("mqtt client disconnected", "client", cl.ID, "error", err, "clients", count)
}

// Connected returns the number of clients with an active session.
func (h *ClientTrackerHook) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
