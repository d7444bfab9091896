package mqtt

import (
	"fmt"
	"log/slog"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

type BrokerOptions struct {
	// Address is the TCP listen address. An empty address starts no listener,
	// leaving only the inline client.
	Address  string
	Username string
	Password string
}

type Subscription struct {
	topicFilter string
}

type MochiBroker struct {
	server              *mochi.Server
	options             BrokerOptions
	log                 *slog.Logger
	subscriberIdCounter int
	subscriptionsById   map[int]*Subscription
	subscriberMutex     sync.Mutex
}

// NewServer creates the mochi server with the inline client every
// component in this package publishes through.
func NewServer(log *slog.Logger) *mochi.Server {
	return mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       log,
	})
}

func NewMochiBroker(server *mochi.Server, options BrokerOptions, log *slog.Logger) *MochiBroker {
	return &MochiBroker{
		server:              server,
		options:             options,
		log:                 log.With("component", "broker"),
		subscriberIdCounter: 1,
		subscriptionsById:   make(map[int]*Subscription),
	}
}

// Ledger lets the operator account issue commands and read everything under
// the motors tree. Local connections are trusted.
func (m *MochiBroker) Ledger() *auth.Ledger {
	user := auth.RString(m.options.Username)
	return &auth.Ledger{
		Auth: auth.AuthRules{ // Auth disallows all by default
			{Username: user, Password: auth.RString(m.options.Password), Allow: true},
			{Remote: "127.0.0.1:*", Allow: true},
			{Remote: "localhost:*", Allow: true},
		},
		ACL: auth.ACLRules{ // ACL allows all by default
			{Remote: "127.0.0.1:*"}, // local superuser allow all
			{Remote: "localhost:*"},
			{
				Username: user, Filters: auth.Filters{
					auth.RString(CommandFilter): auth.ReadWrite,
					auth.RString(StateFilter):   auth.ReadOnly,
					auth.RString(ResultFilter):  auth.ReadOnly,
					auth.RString(RosterTopic):   auth.ReadOnly,
				},
			},
			{
				// Otherwise, no clients have publishing permissions
				Filters: auth.Filters{
					"#": auth.ReadOnly,
				},
			},
		},
	}
}

func (m *MochiBroker) Start(hooks []mochi.Hook, hookConfigs []any) error {
	err := m.server.AddHook(new(auth.Hook), &auth.Options{Ledger: m.Ledger()})
	if err != nil {
		return fmt.Errorf("add auth hook: %w", err)
	}

	for i, hook := range hooks {
		if err := m.server.AddHook(hook, hookConfigs[i]); err != nil {
			return fmt.Errorf("add hook %s: %w", hook.ID(), err)
		}
	}

	if m.options.Address != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: m.options.Address})
		if err := m.server.AddListener(tcp); err != nil {
			return fmt.Errorf("listen on %s: %w", m.options.Address, err)
		}
	}

	go func() {
		if err := m.server.Serve(); err != nil {
			m.log.Error("broker stopped serving", "error", err)
		}
	}()

	m.log.Info("mqtt broker started", "address", m.options.Address)
	return nil
}

// Subscribe registers an inline subscription and returns its id.
func (m *MochiBroker) Subscribe(topicFilter string,
	callbackFn func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet)) (int, error) {

	m.subscriberMutex.Lock()
	defer m.subscriberMutex.Unlock()
	id := m.subscriberIdCounter
	if err := m.server.Subscribe(topicFilter, id, callbackFn); err != nil {
		return 0, err
	}

	m.subscriptionsById[id] = &Subscription{topicFilter}
	m.subscriberIdCounter += 1

	return id, nil
}

func (m *MochiBroker) Unsubscribe(id int) error {
	m.subscriberMutex.Lock()
	defer m.subscriberMutex.Unlock()
	sub, ok := m.subscriptionsById[id]
	if !ok {
		return nil
	}
	delete(m.subscriptionsById, id)
	return m.server.Unsubscribe(sub.topicFilter, id)
}

func (m *MochiBroker) Close() error {
	return m.server.Close()
}
