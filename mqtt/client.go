package mqtt

import (
	"encoding/json"

	mochi "github.com/mochi-mqtt/server/v2"
)

// MochiClient publishes through the broker's inline client.
type MochiClient struct {
	server *mochi.Server
}

func NewMochiClient(server *mochi.Server) *MochiClient {
	return &MochiClient{
		server,
	}
}

func (m *MochiClient) Publish(topic string, payload []byte, retain bool) error {
	return m.server.Publish(topic, payload, retain, 0)
}

func (m *MochiClient) PublishJSON(topic string, v any, retain bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.Publish(topic, payload, retain)
}

// Clear drops the retained message on topic.
func (m *MochiClient) Clear(topic string) error {
	return m.server.Publish(topic, []byte{}, true, 0)
}
