package sdo

import (
	"encoding/binary"

	"github.com/scythe-robotics/canfetti/pkg/errs"
	"github.com/scythe-robotics/canfetti/pkg/od"
)

// ReadRaw reads (index, subIndex) from node into data, blocking until the
// transaction completes or times out. It returns the number of bytes
// actually read; data must be large enough to hold the value or the
// transaction aborts with errs.ParamLengthHigh.
func (c *SDOClient) ReadRaw(nodeId uint8, index uint16, subIndex uint8, data []byte) (int, error) {
	type outcome struct {
		n   int
		err error
	}
	done := make(chan outcome, 1)
	err := c.ClientTransaction(true, nodeId, index, subIndex, data, 0, func(status errs.Error, result []byte) {
		if status != errs.Success {
			done <- outcome{0, status}
			return
		}
		done <- outcome{len(result), nil}
	})
	if err != nil {
		return 0, err
	}
	o := <-done
	return o.n, o.err
}

// ReadAll reads the entire value at (index, subIndex) from node and
// returns it, growing the destination buffer as segments arrive rather
// than requiring the caller to know the size up front.
func (c *SDOClient) ReadAll(nodeId uint8, index uint16, subIndex uint8) ([]byte, error) {
	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	err := c.ClientTransaction(true, nodeId, index, subIndex, nil, 0, func(status errs.Error, result []byte) {
		if status != errs.Success {
			done <- outcome{nil, status}
			return
		}
		done <- outcome{result, nil}
	})
	if err != nil {
		return nil, err
	}
	o := <-done
	return o.data, o.err
}

// WriteRaw encodes data (either a raw []byte, or a fixed-width value
// recognized by od.EncodeFromTypeExact) and writes it to (index,
// subIndex) on node, blocking until the transaction completes or times
// out. forceSegmented suppresses block-mode negotiation even when the
// encoded payload is large enough to qualify, for talking to servers
// that don't implement it.
func (c *SDOClient) WriteRaw(nodeId uint8, index uint16, subIndex uint8, data any, forceSegmented bool) error {
	encoded, err := od.EncodeFromTypeExact(data)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	err = c.clientTransaction(false, nodeId, index, subIndex, encoded, 0, forceSegmented, func(status errs.Error, _ []byte) {
		if status != errs.Success {
			done <- status
			return
		}
		done <- nil
	})
	if err != nil {
		return err
	}
	return <-done
}

// ReadUint8 reads a single byte at (index, subIndex) as a uint8.
func (c *SDOClient) ReadUint8(nodeId uint8, index uint16, subIndex uint8) (uint8, error) {
	buf := make([]byte, 1)
	n, err := c.ReadRaw(nodeId, index, subIndex, buf)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, errs.ParamLength
	}
	return buf[0], nil
}

// ReadUint16 reads two bytes at (index, subIndex) as a little-endian uint16.
func (c *SDOClient) ReadUint16(nodeId uint8, index uint16, subIndex uint8) (uint16, error) {
	buf := make([]byte, 2)
	n, err := c.ReadRaw(nodeId, index, subIndex, buf)
	if err != nil {
		return 0, err
	}
	if n != 2 {
		return 0, errs.ParamLength
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// ReadUint32 reads four bytes at (index, subIndex) as a little-endian uint32.
func (c *SDOClient) ReadUint32(nodeId uint8, index uint16, subIndex uint8) (uint32, error) {
	buf := make([]byte, 4)
	n, err := c.ReadRaw(nodeId, index, subIndex, buf)
	if err != nil {
		return 0, err
	}
	if n != 4 {
		return 0, errs.ParamLength
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// ReadUint64 reads eight bytes at (index, subIndex) as a little-endian uint64.
func (c *SDOClient) ReadUint64(nodeId uint8, index uint16, subIndex uint8) (uint64, error) {
	buf := make([]byte, 8)
	n, err := c.ReadRaw(nodeId, index, subIndex, buf)
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, errs.ParamLength
	}
	return binary.LittleEndian.Uint64(buf), nil
}
