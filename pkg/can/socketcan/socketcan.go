// Package socketcan adapts github.com/brutella/can's Linux SocketCAN
// binding to the generic pkg/can.Bus interface.
package socketcan

import (
	"log/slog"

	sockcan "github.com/brutella/can"
	"github.com/scythe-robotics/canfetti/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

// Bus bridges a brutella/can SocketCAN connection onto can.Bus. Frame
// conversion is a straight field copy; brutella/can's own reconnect and
// error handling lives underneath ConnectAndPublish, so Connect only
// logs whether the background read loop was ever started.
type Bus struct {
	logger     *slog.Logger
	conn       *sockcan.Bus
	rxCallback can.FrameListener
}

func (b *Bus) Connect(...any) error {
	go func() {
		if err := b.conn.ConnectAndPublish(); err != nil {
			b.logger.Error("socketcan connection closed", "err", err)
		}
	}()
	return nil
}

func (b *Bus) Disconnect() error {
	return b.conn.Disconnect()
}

func (b *Bus) Send(frame can.Frame) error {
	return b.conn.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	})
}

func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	b.conn.Subscribe(b)
	return nil
}

// Handle satisfies brutella/can's own frame-handler interface and
// forwards onto the generic can.FrameListener registered via Subscribe.
func (b *Bus) Handle(frame sockcan.Frame) {
	if b.rxCallback == nil {
		return
	}
	b.rxCallback.Handle(can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

// NewSocketCanBus opens the named SocketCAN interface (e.g. "can0").
func NewSocketCanBus(name string) (can.Bus, error) {
	conn, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &Bus{logger: slog.Default().With("bus", name), conn: conn}, nil
}
