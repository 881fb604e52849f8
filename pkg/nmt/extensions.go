package nmt

import (
	"encoding/binary"
	"time"

	"github.com/scythe-robotics/canfetti/pkg/od"
)

// writeEntry1017 applies an SDO write to the heartbeat producer time
// (0x1017): any pending timer is cancelled and, for a non-zero period,
// a fresh one is armed at the new period, so the next heartbeat is sent
// one new period after the write. A zero period stops the producer.
func writeEntry1017(stream *od.Stream, data []byte) (uint16, error) {
	if stream == nil || stream.Subindex != 0 || data == nil || len(data) != 2 {
		return 0, od.ODR_DEV_INCOMPAT
	}
	nmt, ok := stream.Object.(*NMT)
	if !ok {
		return 0, od.ODR_DEV_INCOMPAT
	}
	nmt.mu.Lock()
	defer nmt.mu.Unlock()

	nmt.hearbeatProducerTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 1000
	if nmt.timer != nil {
		nmt.timer.Cancel()
		nmt.timer = nil
	}
	if nmt.hearbeatProducerTimeUs > 0 {
		period := time.Duration(nmt.hearbeatProducerTimeUs) * time.Microsecond
		nmt.timer = nmt.clock.ScheduleDelayed(period, nmt.heartbeatTimeout)
	}
	nmt.logger.Debug("updated heartbeat producer period", "periodMs", nmt.hearbeatProducerTimeUs/1000)
	return od.WriteEntryDefault(stream, data)
}
