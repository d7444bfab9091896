package core

import (
	"fmt"
	"math"
	"time"
)

type Status int

const (
	Stopped Status = iota
	Running
	Faulted
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "stopped":
		*s = Stopped
	case "running":
		*s = Running
	case "faulted":
		*s = Faulted
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, text)
	}
	return nil
}

// DeviceInfo is the roster entry of a device.
type DeviceInfo struct {
	Id   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Snapshot is a consistent copy of a device's attributes at one instant.
type Snapshot struct {
	Id          string    `json:"id"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	TargetSpeed float64   `json:"targetSpeed"`
	ActualSpeed float64   `json:"actualSpeed"`
	Revision    uint64    `json:"revision"`
	FaultReason string    `json:"faultReason,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DeviceState holds the fields of one simulated motor and validates its
// lifecycle transitions. It is not safe for concurrent use; the core guards
// every DeviceState with the owning device's lock.
type DeviceState struct {
	id          string
	name        string
	status      Status
	targetSpeed float64
	actualSpeed float64
	faultReason string
	maxSpeed    float64
}

func NewDeviceState(id, name string, maxSpeed float64) *DeviceState {
	return &DeviceState{
		id:       id,
		name:     name,
		status:   Stopped,
		maxSpeed: maxSpeed,
	}
}

func (d *DeviceState) Id() string           { return d.id }
func (d *DeviceState) Name() string         { return d.name }
func (d *DeviceState) Status() Status       { return d.status }
func (d *DeviceState) TargetSpeed() float64 { return d.targetSpeed }
func (d *DeviceState) ActualSpeed() float64 { return d.actualSpeed }

func (d *DeviceState) checkSpeed(speed float64) error {
	if math.IsNaN(speed) || speed < 0 || speed > d.maxSpeed {
		return fmt.Errorf("%w: speed %v outside [0, %v]", ErrInvalidArgument, speed, d.maxSpeed)
	}
	return nil
}

func (d *DeviceState) checkNotFaulted(op string) error {
	if d.status == Faulted {
		return fmt.Errorf("%w: %s on faulted device %s", ErrIllegalState, op, d.id)
	}
	return nil
}

func (d *DeviceState) SetTarget(speed float64) error {
	if err := d.checkNotFaulted("setTarget"); err != nil {
		return err
	}
	if err := d.checkSpeed(speed); err != nil {
		return err
	}
	d.targetSpeed = speed
	return nil
}

// Start moves a stopped device to Running. Starting a running device is a no-op.
func (d *DeviceState) Start() error {
	if err := d.checkNotFaulted("start"); err != nil {
		return err
	}
	d.status = Running
	return nil
}

// StartAt sets the target and starts in one step. Nothing changes if either
// the state or the speed is rejected.
func (d *DeviceState) StartAt(speed float64) error {
	if err := d.checkNotFaulted("start"); err != nil {
		return err
	}
	if err := d.checkSpeed(speed); err != nil {
		return err
	}
	d.targetSpeed = speed
	d.status = Running
	return nil
}

// Stop zeroes the target. The actual speed decays on subsequent ticks.
func (d *DeviceState) Stop() error {
	if err := d.checkNotFaulted("stop"); err != nil {
		return err
	}
	d.status = Stopped
	d.targetSpeed = 0
	return nil
}

func (d *DeviceState) Fault(reason string) {
	d.status = Faulted
	d.targetSpeed = 0
	d.faultReason = reason
}

func (d *DeviceState) Reset() error {
	if d.status != Faulted {
		return fmt.Errorf("%w: reset on %s device %s", ErrIllegalState, d.status, d.id)
	}
	d.status = Stopped
	d.targetSpeed = 0
	d.actualSpeed = 0
	d.faultReason = ""
	return nil
}

// goal is the speed the clock drives the device toward.
func (d *DeviceState) goal() float64 {
	if d.status == Running {
		return d.targetSpeed
	}
	return 0
}

func (d *DeviceState) snapshot(revision uint64, at time.Time) Snapshot {
	return Snapshot{
		Id:          d.id,
		Name:        d.name,
		Status:      d.status,
		TargetSpeed: d.targetSpeed,
		ActualSpeed: d.actualSpeed,
		Revision:    revision,
		FaultReason: d.faultReason,
		UpdatedAt:   at,
	}
}
