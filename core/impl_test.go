package core

import (
	"cmp"
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"testing"
)

func newEmptyCore(t *testing.T) *SimulationCore {
	cfg := DefaultConfig()
	cfg.Devices = nil
	c, err := New(cfg)
	if err != nil {
		t.Fatal("Failed to create core:", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func randomDevice() DeviceInfo {
	id := strconv.Itoa(int(rand.Int64()))
	return DeviceInfo{Id: id, Name: "Motor" + id}
}

func TestAddDevice(t *testing.T) {

	var doneChan = make(chan int)
	var core = newEmptyCore(t)
	for range 3 {
		go func() {
			for range 10 {
				if err := core.AddDevice(randomDevice()); err != nil {
					t.Error("Failed to add device:", err)
				}
			}
			doneChan <- 1
		}()
	}

	<-doneChan
	<-doneChan
	<-doneChan

	actualDevCount := len(core.ListDevices())
	if actualDevCount != 30 {
		t.Fatal("Expected 30 devices, but got", actualDevCount)
	}
}

func TestAddDuplicateDeviceIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices = append(cfg.Devices, DeviceInfo{Id: "motor1", Name: "Again"})

	_, err := New(cfg)
	if !IsFatal(err) {
		t.Fatal("Expected fatal error for duplicate id, got", err)
	}
}

func TestListDevices(t *testing.T) {

	var core = newEmptyCore(t)
	expected := make([]DeviceInfo, 0)
	devMutex := sync.Mutex{}
	addDeviceFunc := func() {
		d := randomDevice()
		devMutex.Lock()
		expected = append(expected, d)
		devMutex.Unlock()
		core.AddDevice(d)
	}

	var doneChan = make(chan int)
	for range 3 {
		go func() {
			for range 10 {
				addDeviceFunc()
			}
			doneChan <- 1
		}()
	}

	<-doneChan
	<-doneChan
	<-doneChan

	byId := func(a, b DeviceInfo) int {
		return cmp.Compare(a.Id, b.Id)
	}
	slices.SortFunc(expected, byId)

	actualDevices := core.ListDevices()
	slices.SortFunc(actualDevices, byId)

	if !slices.Equal(actualDevices, expected) {
		t.Fatal("Expected devices:", expected, ", but got:", actualDevices)
	}
}

func TestListDevicesKeepsRosterOrder(t *testing.T) {
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	devices := c.ListDevices()
	for i, d := range devices {
		if d.Id != "motor"+strconv.Itoa(i) || d.Name != "Motor"+strconv.Itoa(i) {
			t.Fatal("Unexpected roster:", devices)
		}
	}
}

func TestRemoveDevice(t *testing.T) {
	var core = newEmptyCore(t)

	ids := make([]string, 0)
	for range 10 {
		d := randomDevice()
		ids = append(ids, d.Id)
		core.AddDevice(d)
	}

	var doneChan = make(chan int)
	for range 2 {
		go func() {
			for range 10 {
				core.AddDevice(randomDevice())
			}
			doneChan <- 1
		}()
	}
	go func() {
		for i := range 10 {
			core.RemoveDevice(ids[i])
		}
		doneChan <- 1
	}()

	<-doneChan
	<-doneChan
	<-doneChan

	actualDevCount := len(core.ListDevices())
	if actualDevCount != 20 {
		t.Fatal("Expected 20 devices, but got", actualDevCount)
	}
	if err := core.RemoveDevice(ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatal("Expected not found for removed device, got", err)
	}
}

func TestReadMissing(t *testing.T) {
	core := newEmptyCore(t)
	if _, err := core.Read("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatal("Expected not found, got", err)
	}
	if _, err := core.SendCommand("missing", StartCommand()); !errors.Is(err, ErrNotFound) {
		t.Fatal("Expected not found, got", err)
	}
	if _, err := core.InjectFault("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatal("Expected not found, got", err)
	}
}

func TestInvalidCommandLeavesStateUnchanged(t *testing.T) {
	core := newEmptyCore(t)
	core.AddDevice(DeviceInfo{Id: "m1"})
	before, _ := core.Read("m1")

	if _, err := core.SendCommand("m1", SetTargetCommand(-1)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatal("Expected invalid argument, got", err)
	}

	after, _ := core.Read("m1")
	after.UpdatedAt = before.UpdatedAt
	if after != before {
		t.Fatal("State changed after rejected command:", before, after)
	}
}

// Every snapshot read while setTarget calls race must match the state left
// by exactly one serial prefix of those calls.
func TestConcurrentCommandsAreLinearizable(t *testing.T) {
	core := newEmptyCore(t)
	core.AddDevice(DeviceInfo{Id: "m1"})
	core.SendCommand("m1", StartCommand())

	const writers = 8
	const perWriter = 50

	var appliedMutex sync.Mutex
	applied := map[uint64]float64{1: 0}
	reads := make(chan Snapshot, 4096)

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				speed := float64(w*perWriter+i) / 4
				snap, err := core.SendCommand("m1", SetTargetCommand(speed))
				if err != nil {
					t.Error("setTarget failed:", err)
					return
				}
				appliedMutex.Lock()
				applied[snap.Revision] = snap.TargetSpeed
				appliedMutex.Unlock()
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				snap, _ := core.Read("m1")
				select {
				case reads <- snap:
				default:
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 200 {
			core.Clock().Advance(core.Config().TickInterval)
		}
	}()
	wg.Wait()
	close(reads)

	if len(applied) != writers*perWriter+1 {
		t.Fatal("Expected one revision per command, got", len(applied))
	}
	for snap := range reads {
		want, ok := applied[snap.Revision]
		if !ok || snap.TargetSpeed != want {
			t.Fatal("Torn snapshot", snap, "expected target", want)
		}
		if snap.ActualSpeed < 0 || snap.ActualSpeed > core.Config().MaxSpeed {
			t.Fatal("Speed out of range", snap)
		}
	}
}

func TestRosterChanges(t *testing.T) {
	core := newEmptyCore(t)
	roster, unsubscribe := core.SubscribeToRosterChanges()

	if initial := <-roster; len(initial) != 0 {
		t.Fatal("Expected empty roster, got", initial)
	}

	core.AddDevice(DeviceInfo{Id: "a"})
	core.AddDevice(DeviceInfo{Id: "b"})
	if latest := <-roster; len(latest) != 2 {
		t.Fatal("Expected latest roster with 2 devices, got", latest)
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-roster; ok {
		t.Fatal("Expected closed roster channel")
	}
}

func TestWatchDuringConcurrentCommands(t *testing.T) {
	core := newEmptyCore(t)
	core.AddDevice(DeviceInfo{Id: "m1"})

	ctx, cancel := context.WithCancel(context.Background())
	w, err := core.Watch(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}

	var last uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range w.C() {
			if snap.Revision < last {
				t.Error("Revision went backwards:", last, snap.Revision)
			}
			last = snap.Revision
		}
	}()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				core.SendCommand("m1", SetTargetCommand(rand.Float64()*100))
			}
		}()
	}
	wg.Wait()
	cancel()
	<-done

	if count, _ := core.ListenerCount("m1"); count != 0 {
		t.Fatal("Expected no listeners after cancel, got", count)
	}
}
