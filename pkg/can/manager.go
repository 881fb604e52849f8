package can

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Max Standard CAN ID is 0x7FF (2047).
const MaxCanId = 0x7FF

// The array must hold standard frames + RTR frames (so 2x size)
const LookupArraySize = (MaxCanId + 1) * 2

type subscriber struct {
	id       uint64
	callback FrameListener
}

// BusManager wraps a [Bus] and adds per-COB-ID dispatch, used by every
// CANopen service (SDO, PDO, NMT, heartbeat, EMCY) to register interest
// in the frames it cares about without each service polling the bus
// itself.
type BusManager struct {
	logger *slog.Logger
	mu     sync.Mutex
	bus    Bus
	// CAN id indexed subscribers, standard frames in [0,MaxCanId], RTR
	// frames offset by MaxCanId+1.
	listeners [LookupArraySize][]subscriber
	nextSubId uint64
	canError  uint16
}

func NewBusManager(bus Bus, logger *slog.Logger) *BusManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusManager{
		bus:    bus,
		logger: logger.With("service", "[BUS]"),
	}
}

// Handle implements [FrameListener]. It is registered with the underlying
// Bus once and fans incoming frames out to whichever services subscribed
// to that COB-ID. Handle must not block.
func (bm *BusManager) Handle(frame Frame) {
	canId := frame.ID & CanSffMask
	idx := canId
	if frame.ID&CanRtrFlag != 0 {
		idx += MaxCanId + 1
	}
	if idx >= LookupArraySize {
		return
	}

	bm.mu.Lock()
	listeners := bm.listeners[idx]
	bm.mu.Unlock()

	for _, sub := range listeners {
		sub.callback.Handle(frame)
	}
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send transmits a frame on the underlying bus.
func (bm *BusManager) Send(frame Frame) error {
	err := bm.bus.Send(frame)
	if err != nil {
		bm.logger.Warn("error sending frame", "err", err)
	}
	return err
}

// Process is called cyclically from the node's main loop to update the
// bus error counters consumed by the EMCY service.
func (bm *BusManager) Process() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.canError = 0
	return nil
}

// Subscribe registers callback for frames matching ident (standard 11-bit
// COB-ID only). It returns a cancel func removing the subscription.
func (bm *BusManager) Subscribe(ident uint32, rtr bool, callback FrameListener) (cancel func(), err error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if ident > MaxCanId {
		return nil, errors.New("bus manager only supports standard 11-bit IDs")
	}

	idx := ident
	if rtr {
		idx += MaxCanId + 1
	}

	bm.nextSubId++
	subId := bm.nextSubId
	bm.listeners[idx] = append(bm.listeners[idx], subscriber{
		id:       subId,
		callback: callback,
	})

	cancel = func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()

		subs := bm.listeners[idx]
		for i, sub := range subs {
			if sub.id == subId {
				bm.listeners[idx] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return cancel, nil
}

// Unsubscribe removes a previously registered callback for ident.
func (bm *BusManager) Unsubscribe(ident uint32, rtr bool, callback FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	idx := ident
	if rtr {
		idx += MaxCanId + 1
	}
	if idx >= LookupArraySize {
		return fmt.Errorf("id %v out of range", ident)
	}

	subs := bm.listeners[idx]
	for i, sub := range subs {
		if sub.callback == callback {
			bm.listeners[idx] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("callback not found for id %v", ident)
}

// Error returns the latest bus error bitmask, consumed by the EMCY
// service to report CAN-level problems.
func (bm *BusManager) Error() uint16 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.canError
}
