package core

import "context"

// DeviceManager is the surface the protocol collaborators are given.
type DeviceManager interface {
	ListDevices() []DeviceInfo

	Read(id string) (Snapshot, error)

	SendCommand(id string, command Command) (Snapshot, error)

	InjectFault(id string, reason string) (Snapshot, error)

	Watch(ctx context.Context, id string) (*Watcher, error)

	SubscribeToRosterChanges() (<-chan []DeviceInfo, func())
}

var _ DeviceManager = (*SimulationCore)(nil)
