package mqtt

import (
	"strings"

	"github.com/ilievs/motorsim/core"
)

const (
	RosterTopic   = "motors"
	CommandFilter = "motors/+/command"
	StateFilter   = "motors/+/state"
	ResultFilter  = "motors/+/result"
)

func StateTopic(deviceId string) string   { return RosterTopic + "/" + deviceId + "/state" }
func CommandTopic(deviceId string) string { return RosterTopic + "/" + deviceId + "/command" }
func ResultTopic(deviceId string) string  { return RosterTopic + "/" + deviceId + "/result" }

// deviceFromTopic extracts the device id from motors/{id}/{kind}.
func deviceFromTopic(topic, kind string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != RosterTopic || parts[2] != kind || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// CommandRequest is the payload of a command topic.
type CommandRequest struct {
	RequestId string `json:"id,omitempty"`
	core.Command
}

// CommandResult is published on the result topic after every command.
type CommandResult struct {
	RequestId string         `json:"requestId,omitempty"`
	Device    string         `json:"device"`
	Result    core.Result    `json:"result"`
	Error     string         `json:"error,omitempty"`
	Snapshot  *core.Snapshot `json:"snapshot,omitempty"`
}

// Err converts the reported result back into a core error.
func (r CommandResult) Err() error {
	return core.ErrorFor(r.Result, r.Error)
}
