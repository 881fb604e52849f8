package sdo

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/scythe-robotics/canfetti/pkg/can"
	"github.com/scythe-robotics/canfetti/pkg/clock"
	"github.com/scythe-robotics/canfetti/pkg/errs"
	"github.com/scythe-robotics/canfetti/pkg/od"
)

// clientTransaction tracks one outstanding read or write. An SDOClient
// runs at most one of these at a time: every entry point that would
// start a second one fails with errs.ErrInvalidState until the first
// finishes. This mirrors how the rest of the tree constructs SDO
// clients — one instance per configured remote server (see
// pkg/node.newBaseNode and LocalNode.initSDOClients) — so a map keyed by
// expected-response COB-ID would just be a map with one entry.
type clientTransaction struct {
	read     bool
	index    uint16
	subIndex uint8
	toggle   bool
	// pendingToggle is the toggle bit carried by the frame most recently
	// sent; the next inbound frame must echo it.
	pendingToggle bool

	forceSegmented bool
	blockMode      bool
	blockGroupSize uint8
	blockSeqNo     uint8
	lastTailLen    int

	// download (write) state: out holds the bytes still to be sent.
	out []byte

	// upload (read) state: in accumulates bytes received so far; dest
	// and fixedCap describe a caller-supplied destination buffer with a
	// hard capacity, as opposed to a freshly grown slice (used by
	// ReadAll, where the final size isn't known by the caller).
	in       []byte
	dest     []byte
	fixedCap bool
	declared uint32

	timer *clock.Handle
	cb    func(errs.Error, []byte)
}

// SDOClient implements the active (client) side of the SDO protocol: it
// issues upload/download requests to a single remote server and drives
// the resulting transaction to completion or timeout, invoking a
// completion callback exactly once.
type SDOClient struct {
	*can.BusManager
	logger *slog.Logger
	clock  *clock.Clock

	od     *od.ObjectDictionary
	nodeId uint8

	cobIdClientToServer uint32
	cobIdServerToClient uint32
	nodeIdServer        uint8
	valid               bool
	rxCancel            func()
	txBuffer            can.Frame
	defaultTimeoutMs    uint32

	mu  sync.Mutex
	txn *clientTransaction
}

// NewSDOClient builds a client bound to odict and, if entry1280 is
// non-nil, configured from an SDO client parameter record at
// 0x1280+offset (sub0=3, sub1=client->server COB-ID, sub2=server->client
// COB-ID, sub3=remote server node id). A nil entry1280 yields an
// unconfigured client that setupServer (driven by ClientTransaction) can
// still point at an arbitrary node on demand — the shape BaseNode uses
// for its embedded default client.
func NewSDOClient(
	bm *can.BusManager,
	odict *od.ObjectDictionary,
	nodeId uint8,
	timeoutMs uint32,
	entry1280 *od.Entry,
) (*SDOClient, error) {
	if bm == nil {
		return nil, errs.ErrIllegalArgument
	}
	if entry1280 != nil && (entry1280.Index < 0x1280 || entry1280.Index > 0x1280+0x7F) {
		return nil, errs.ErrIllegalArgument
	}
	client := &SDOClient{BusManager: bm}
	client.logger = slog.Default().With("service", "sdo-client")
	client.clock = clock.New()
	client.od = odict
	client.nodeId = nodeId
	if timeoutMs == 0 {
		timeoutMs = DEFAULT_SDO_CLIENT_TIMEOUT_MS
	}
	client.defaultTimeoutMs = timeoutMs

	var nodeIdServer uint8
	var cobIdClientToServer, cobIdServerToClient uint32
	if entry1280 != nil {
		maxSubIndex, err0 := entry1280.Uint8(0)
		var err1, err2, err3 error
		cobIdClientToServer, err1 = entry1280.Uint32(1)
		cobIdServerToClient, err2 = entry1280.Uint32(2)
		nodeIdServer, err3 = entry1280.Uint8(3)
		if err0 != nil || err1 != nil || err2 != nil || err3 != nil || maxSubIndex != 3 {
			client.logger.Error("invalid SDO client parameters", "index", entry1280.Index)
			return nil, errs.ErrOdParameters
		}
		entry1280.AddExtension(client, od.ReadEntryDefault, writeEntry1280)
	}
	if err := client.setupServer(cobIdClientToServer, cobIdServerToClient, nodeIdServer); err != nil {
		return nil, err
	}
	return client, nil
}

// setupServer (re)subscribes the client to hear from a particular
// remote server. It is idempotent when the COB-ID pair is unchanged, so
// a caller driving many transactions against the same node does not pay
// a resubscribe on every call.
func (c *SDOClient) setupServer(cobIdClientToServer, cobIdServerToClient uint32, nodeIdServer uint8) error {
	c.nodeIdServer = nodeIdServer
	if c.cobIdClientToServer == cobIdClientToServer && c.cobIdServerToClient == cobIdServerToClient {
		return nil
	}
	c.cobIdClientToServer = cobIdClientToServer
	c.cobIdServerToClient = cobIdServerToClient

	var canIdC2S, canIdS2C uint16
	if cobIdClientToServer&0x80000000 == 0 {
		canIdC2S = uint16(cobIdClientToServer & 0x7FF)
	}
	if cobIdServerToClient&0x80000000 == 0 {
		canIdS2C = uint16(cobIdServerToClient & 0x7FF)
	}
	if canIdC2S != 0 && canIdS2C != 0 {
		c.valid = true
	} else {
		canIdC2S, canIdS2C = 0, 0
		c.valid = false
	}
	if c.rxCancel != nil {
		c.rxCancel()
		c.rxCancel = nil
	}
	rxCancel, err := c.Subscribe(uint32(canIdS2C), false, c)
	if err != nil {
		return err
	}
	c.rxCancel = rxCancel
	c.txBuffer = can.NewFrame(uint32(canIdC2S), 0, 8)
	return nil
}

func (c *SDOClient) send(data [8]byte) {
	c.txBuffer.Data = data
	if err := c.Send(c.txBuffer); err != nil {
		c.logger.Warn("failed to send SDO frame", "err", err)
	}
}

func (c *SDOClient) sendAbort(index uint16, subIndex uint8, code errs.Error) {
	c.send(buildAbort(index, subIndex, code))
	c.logger.Warn("aborting SDO client transaction", "index", index, "subIndex", subIndex, "code", code)
}

// ClientTransaction starts an asynchronous SDO read (read=true) or write
// (read=false) against node at (index, subIndex). For a write, data is
// the exact payload to send. For a read, data is an optional
// caller-supplied destination: if non-nil, the transaction fails with
// errs.ParamLengthHigh should the remote value not fit, instead of
// growing an unbounded buffer. cb is invoked exactly once, either when
// the transaction completes (status errs.Success and, for a read, the
// bytes read) or when it fails (remote abort, local validation failure,
// or timeout). A timeoutMs of 0 uses the client's configured default.
//
// Only one transaction may be outstanding on a given client at a time;
// a second call before the first completes fails immediately with
// errs.ErrInvalidState.
func (c *SDOClient) ClientTransaction(
	read bool,
	node uint8,
	index uint16,
	subIndex uint8,
	data []byte,
	timeoutMs uint32,
	cb func(status errs.Error, result []byte),
) error {
	return c.clientTransaction(read, node, index, subIndex, data, timeoutMs, false, cb)
}

func (c *SDOClient) clientTransaction(
	read bool,
	node uint8,
	index uint16,
	subIndex uint8,
	data []byte,
	timeoutMs uint32,
	forceSegmented bool,
	cb func(status errs.Error, result []byte),
) error {
	if timeoutMs == 0 {
		timeoutMs = c.defaultTimeoutMs
	}

	c.mu.Lock()
	if c.txn != nil {
		c.mu.Unlock()
		return errs.ErrInvalidState
	}
	if node != c.nodeIdServer || c.cobIdClientToServer == 0 {
		if err := c.setupServer(uint32(ClientServiceId)+uint32(node), uint32(ServerServiceId)+uint32(node), node); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	if !c.valid {
		c.mu.Unlock()
		return errs.ErrIllegalArgument
	}

	txn := &clientTransaction{read: read, index: index, subIndex: subIndex, forceSegmented: forceSegmented, cb: cb}
	if read {
		txn.dest = data
		txn.fixedCap = data != nil
	} else {
		txn.out = data
	}
	c.txn = txn
	txn.timer = c.clock.ScheduleDelayed(time.Duration(timeoutMs)*time.Millisecond, func(gen uint64) {
		c.onTimeout(txn, gen)
	})
	if read {
		c.startUpload(txn)
	} else {
		c.startDownload(txn)
	}
	c.mu.Unlock()
	return nil
}

func (c *SDOClient) onTimeout(txn *clientTransaction, gen uint64) {
	c.mu.Lock()
	if c.txn != txn {
		c.mu.Unlock()
		return
	}
	c.txn = nil
	c.mu.Unlock()
	c.sendAbort(txn.index, txn.subIndex, errs.Timeout)
	if txn.cb != nil {
		txn.cb(errs.Timeout, nil)
	}
}

// Handle processes one inbound CAN frame addressed to this client's
// server->client COB-ID. It is registered as the client's FrameListener
// by setupServer.
func (c *SDOClient) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	c.mu.Lock()
	txn := c.txn
	if txn == nil {
		c.mu.Unlock()
		return
	}
	data := frame.Data

	if isAbortFrame(data) {
		c.txn = nil
		if txn.timer != nil {
			txn.timer.Cancel()
		}
		c.mu.Unlock()
		if txn.cb != nil {
			txn.cb(abortCodeOf(data), nil)
		}
		return
	}

	if txn.timer != nil {
		timeoutMs := c.defaultTimeoutMs
		txn.timer.Reset(time.Duration(timeoutMs)*time.Millisecond, func(gen uint64) {
			c.onTimeout(txn, gen)
		})
	}

	status, result, done := c.dispatch(txn, data)
	if done {
		c.txn = nil
		if txn.timer != nil {
			txn.timer.Cancel()
		}
	}
	c.mu.Unlock()
	if done && txn.cb != nil {
		txn.cb(status, result)
	}
}

// dispatch advances txn by one received frame. It returns done=true once
// the transaction has reached a terminal state (success or a local
// abort it already sent), in which case status/result are what Handle
// should pass to the completion callback.
func (c *SDOClient) dispatch(txn *clientTransaction, data [8]byte) (errs.Error, []byte, bool) {
	if txn.read {
		return c.dispatchUpload(txn, data)
	}
	return c.dispatchDownload(txn, data)
}

// --- download (write) ---

func (c *SDOClient) startDownload(txn *clientTransaction) {
	n := len(txn.out)
	switch {
	case n <= 4:
		c.send(buildExpeditedInitiate(ccsDownloadInitiate, txn.index, txn.subIndex, txn.out))
		txn.out = nil
	case !txn.forceSegmented && n >= blockModeThreshold:
		txn.blockMode = true
		c.send(buildBlockDownloadInitiate(txn.index, txn.subIndex, uint32(n)))
	default:
		c.send(buildSizedInitiate(ccsDownloadInitiate, txn.index, txn.subIndex, uint32(n)))
	}
}

func (c *SDOClient) dispatchDownload(txn *clientTransaction, data [8]byte) (errs.Error, []byte, bool) {
	cs := data[0]
	switch {
	case txn.blockMode:
		return c.dispatchBlockDownload(txn, data)
	case protocolCode(cs) == scsDownloadInitiate:
		if len(txn.out) == 0 {
			return errs.Success, nil, true
		}
		c.sendNextDownloadSegment(txn)
		return 0, nil, false
	case protocolCode(cs) == scsDownloadSegment:
		if segmentToggle(cs) != txn.pendingToggle {
			c.sendAbort(txn.index, txn.subIndex, errs.NotToggled)
			return errs.NotToggled, nil, true
		}
		if len(txn.out) == 0 {
			return errs.Success, nil, true
		}
		c.sendNextDownloadSegment(txn)
		return 0, nil, false
	default:
		c.sendAbort(txn.index, txn.subIndex, errs.InvalidCmd)
		return errs.InvalidCmd, nil, true
	}
}

func (c *SDOClient) sendNextDownloadSegment(txn *clientTransaction) {
	n := min(len(txn.out), 7)
	payload := txn.out[:n]
	last := n == len(txn.out)
	c.send(buildSegment(ccsDownloadSegment, txn.toggle, payload, last))
	txn.pendingToggle = txn.toggle
	txn.toggle = !txn.toggle
	txn.out = txn.out[n:]
}

func (c *SDOClient) dispatchBlockDownload(txn *clientTransaction, data [8]byte) (errs.Error, []byte, bool) {
	cs := data[0]
	if protocolCode(cs) != scsBlockDownload {
		c.sendAbort(txn.index, txn.subIndex, errs.InvalidCmd)
		return errs.InvalidCmd, nil, true
	}
	switch cs & 0x03 {
	case 0x00: // block-download initiate response
		txn.blockGroupSize = data[4]
		if txn.blockGroupSize == 0 {
			txn.blockGroupSize = blockSize
		}
		txn.blockSeqNo = 0
		c.sendBlockGroup(txn)
		return 0, nil, false
	case 0x02: // block ack: byte1=last received seqno, byte2=next group size
		if len(txn.out) == 0 {
			c.send(buildBlockDownloadEnd(7 - txn.lastTailLen))
			return 0, nil, false
		}
		txn.blockGroupSize = data[2]
		if txn.blockGroupSize == 0 {
			txn.blockGroupSize = blockSize
		}
		txn.blockSeqNo = 0
		c.sendBlockGroup(txn)
		return 0, nil, false
	case 0x01: // end-of-transfer confirmation
		return errs.Success, nil, true
	default:
		c.sendAbort(txn.index, txn.subIndex, errs.InvalidCmd)
		return errs.InvalidCmd, nil, true
	}
}

func (c *SDOClient) sendBlockGroup(txn *clientTransaction) {
	for txn.blockSeqNo < txn.blockGroupSize && len(txn.out) > 0 {
		n := min(len(txn.out), 7)
		payload := txn.out[:n]
		txn.blockSeqNo++
		last := n == len(txn.out)
		if last {
			txn.lastTailLen = n
		}
		c.send(buildBlockSubSegment(txn.blockSeqNo, payload, last))
		txn.out = txn.out[n:]
		if last {
			return
		}
	}
}

// --- upload (read) ---

func (c *SDOClient) startUpload(txn *clientTransaction) {
	c.send(buildBareInitiate(ccsUploadInitiate, txn.index, txn.subIndex))
}

func (c *SDOClient) dispatchUpload(txn *clientTransaction, data [8]byte) (errs.Error, []byte, bool) {
	cs := data[0]
	switch protocolCode(cs) {
	case scsUploadInitiate:
		return c.dispatchUploadInitiate(txn, data)
	case scsUploadSegment:
		return c.dispatchUploadSegment(txn, data)
	default:
		c.sendAbort(txn.index, txn.subIndex, errs.InvalidCmd)
		return errs.InvalidCmd, nil, true
	}
}

func (c *SDOClient) dispatchUploadInitiate(txn *clientTransaction, data [8]byte) (errs.Error, []byte, bool) {
	cs := data[0]
	switch cs & 0x03 {
	case 0x03: // expedited, size indicated in cs[3:2]
		n := 4 - int((cs>>2)&0x03)
		if status := txn.appendUpload(data[4 : 4+n]); status.IsAbort() {
			c.sendAbort(txn.index, txn.subIndex, status)
			return status, nil, true
		}
		return errs.Success, txn.result(), true
	case 0x01: // segmented, total length in bytes 4-7
		txn.declared = binary.LittleEndian.Uint32(data[4:8])
		if txn.fixedCap && txn.declared > uint32(len(txn.dest)) {
			c.sendAbort(txn.index, txn.subIndex, errs.ParamLengthHigh)
			return errs.ParamLengthHigh, nil, true
		}
		c.requestNextUploadSegment(txn)
		return 0, nil, false
	default: // 0x02: length unspecified
		c.requestNextUploadSegment(txn)
		return 0, nil, false
	}
}

func (c *SDOClient) dispatchUploadSegment(txn *clientTransaction, data [8]byte) (errs.Error, []byte, bool) {
	cs := data[0]
	if segmentToggle(cs) != txn.pendingToggle {
		c.sendAbort(txn.index, txn.subIndex, errs.NotToggled)
		return errs.NotToggled, nil, true
	}
	n := segmentPayloadLen(cs)
	if status := txn.appendUpload(data[1 : 1+n]); status.IsAbort() {
		c.sendAbort(txn.index, txn.subIndex, status)
		return status, nil, true
	}
	if segmentIsLast(cs) {
		return errs.Success, txn.result(), true
	}
	c.requestNextUploadSegment(txn)
	return 0, nil, false
}

func (c *SDOClient) requestNextUploadSegment(txn *clientTransaction) {
	c.send(buildUploadSegmentRequest(txn.toggle))
	txn.pendingToggle = txn.toggle
	txn.toggle = !txn.toggle
}

// appendUpload accumulates payload into txn.in, failing with
// ParamLengthHigh if the caller supplied a fixed-capacity destination
// too small to hold it.
func (txn *clientTransaction) appendUpload(payload []byte) errs.Error {
	if txn.fixedCap && len(txn.in)+len(payload) > len(txn.dest) {
		return errs.ParamLengthHigh
	}
	txn.in = append(txn.in, payload...)
	return errs.Success
}

// result returns the bytes read, copied into the caller's destination
// buffer when one was supplied.
func (txn *clientTransaction) result() []byte {
	if txn.fixedCap {
		n := copy(txn.dest, txn.in)
		return txn.dest[:n]
	}
	return txn.in
}
