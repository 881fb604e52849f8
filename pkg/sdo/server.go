package sdo

import (
	"log/slog"
	"sync"
	"time"

	"github.com/scythe-robotics/canfetti/pkg/can"
	"github.com/scythe-robotics/canfetti/pkg/clock"
	"github.com/scythe-robotics/canfetti/pkg/errs"
	"github.com/scythe-robotics/canfetti/pkg/od"
)

// serverTransaction tracks one in-progress upload or download on the
// passive side. A server runs at most one at a time per COB-ID pair:
// processInitiate only runs while no transaction is open. Any other frame,
// a fresh initiate request included, goes to the open transaction's
// handler, which aborts the transaction when the frame does not fit it.
type serverTransaction struct {
	read     bool
	index    uint16
	subIndex uint8
	proxy    *od.OdProxy
	toggle   bool

	blockMode   bool
	blockSize   uint8
	blockSeqNo  uint8
	awaitingEnd bool
	tail        [7]byte
	tailLen     int

	timer *clock.Handle
}

// SDOServer implements the passive (server) side of the SDO protocol: it
// answers upload/download requests addressed to its configured COB-ID
// pair by streaming through an od.OdProxy acquired at the requested
// coordinate. Handle is synchronous and frame-driven; there is no
// background goroutine; the node's NMT state is only tracked to decide
// whether to accept requests (see SetNMTState).
type SDOServer struct {
	*can.BusManager
	logger *slog.Logger
	clock  *clock.Clock

	mu sync.Mutex

	od     *od.ObjectDictionary
	nodeId uint8
	// remoteClientId is the node configured at 0x1200+i/sub3 as the
	// only client this server segment should accept requests from. It
	// is informational only: the server still dispatches purely by
	// COB-ID, since that's what the bus delivers on.
	remoteClientId uint8

	cobIdClientToServer uint32
	cobIdServerToClient uint32
	valid               bool
	rxCancel            func()
	txBuffer            can.Frame
	timeoutMs           uint32
	nmtState            uint8

	txn *serverTransaction
}

// NewSDOServer builds a server bound to odict and configured from an SDO
// server parameter record at entry12xx (0x1200 for the default channel,
// sub1=client->server COB-ID, sub2=server->client COB-ID, and for
// 0x1201+ an additional sub3=the remote client's node id).
func NewSDOServer(
	bm *can.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	nodeId uint8,
	timeoutMs uint32,
	entry12xx *od.Entry,
) (*SDOServer, error) {
	if odict == nil || bm == nil || entry12xx == nil {
		return nil, errs.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeoutMs == 0 {
		timeoutMs = DefaultServerTimeoutMs
	}
	server := &SDOServer{BusManager: bm}
	server.logger = logger.With("service", "sdo-server")
	server.clock = clock.New()
	server.od = odict
	server.nodeId = nodeId
	server.timeoutMs = timeoutMs

	var canIdClientToServer, canIdServerToClient uint16
	if entry12xx.Index == 0x1200 {
		if nodeId < 1 || nodeId > 127 {
			return nil, errs.ErrIllegalArgument
		}
		canIdClientToServer = ClientServiceId + uint16(nodeId)
		canIdServerToClient = ServerServiceId + uint16(nodeId)
		entry12xx.PutUint32(1, uint32(canIdClientToServer), true)
		entry12xx.PutUint32(2, uint32(canIdServerToClient), true)
	} else if entry12xx.Index > 0x1200 && entry12xx.Index <= 0x1200+0x7F {
		maxSubIndex, err0 := entry12xx.Uint8(0)
		cobIdClientToServer, err1 := entry12xx.Uint32(1)
		cobIdServerToClient, err2 := entry12xx.Uint32(2)
		if err0 != nil || (maxSubIndex != 2 && maxSubIndex != 3) || err1 != nil || err2 != nil {
			return nil, errs.ErrOdParameters
		}
		if cobIdClientToServer&0x80000000 == 0 {
			canIdClientToServer = uint16(cobIdClientToServer & 0x7FF)
		}
		if cobIdServerToClient&0x80000000 == 0 {
			canIdServerToClient = uint16(cobIdServerToClient & 0x7FF)
		}
		if maxSubIndex == 3 {
			remoteClientId, err3 := entry12xx.Uint8(3)
			if err3 != nil {
				return nil, errs.ErrOdParameters
			}
			server.remoteClientId = remoteClientId
		}
		entry12xx.AddExtension(server, od.ReadEntryDefault, writeEntry1201)
	} else {
		return nil, errs.ErrIllegalArgument
	}
	return server, server.initRxTx(uint32(canIdClientToServer), uint32(canIdServerToClient))
}

// initRxTx (re)subscribes the server to its client->server COB-ID and
// sets up the frame used to reply on server->client.
func (s *SDOServer) initRxTx(cobIdClientToServer, cobIdServerToClient uint32) error {
	s.cobIdClientToServer = cobIdClientToServer
	s.cobIdServerToClient = cobIdServerToClient

	var canIdC2S, canIdS2C uint16
	if cobIdClientToServer&0x80000000 == 0 {
		canIdC2S = uint16(cobIdClientToServer & 0x7FF)
	}
	if cobIdServerToClient&0x80000000 == 0 {
		canIdS2C = uint16(cobIdServerToClient & 0x7FF)
	}
	if canIdC2S != 0 && canIdS2C != 0 {
		s.valid = true
	} else {
		canIdC2S, canIdS2C = 0, 0
		s.valid = false
	}
	if s.rxCancel != nil {
		s.rxCancel()
		s.rxCancel = nil
	}
	rxCancel, err := s.Subscribe(uint32(canIdC2S), false, s)
	if err != nil {
		return err
	}
	s.rxCancel = rxCancel
	s.txBuffer = can.NewFrame(uint32(canIdS2C), 0, 8)
	return nil
}

// SetNMTState records the node's current NMT state. The server accepts
// SDO requests in every state per CiA 301; this is kept so a future
// extension (e.g. rejecting configuration writes outside PRE-OPERATIONAL)
// has somewhere to read it from.
func (s *SDOServer) SetNMTState(state uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nmtState = state
}

func (s *SDOServer) send(data [8]byte) {
	s.txBuffer.Data = data
	if err := s.Send(s.txBuffer); err != nil {
		s.logger.Warn("failed to send SDO frame", "err", err)
	}
}

func (s *SDOServer) sendAbort(index uint16, subIndex uint8, code errs.Error) {
	s.send(buildAbort(index, subIndex, code))
}

// Handle processes one inbound CAN frame addressed to this server's
// client->server COB-ID.
func (s *SDOServer) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data := frame.Data

	if s.txn == nil {
		s.processInitiate(data)
		return
	}
	if isAbortFrame(data) {
		s.abortTxnLocked(errs.Success, false) // remote aborted; no abort sent back
		return
	}
	s.txn.timer.Reset(time.Duration(s.timeoutMs)*time.Millisecond, func(gen uint64) {
		s.onTimeout(gen)
	})

	switch {
	case s.txn.read:
		s.handleUploadSegmentRequest(data)
	case s.txn.blockMode && s.txn.awaitingEnd:
		s.handleDownloadBlockEnd(data)
	case s.txn.blockMode:
		s.handleDownloadSubBlock(data)
	default:
		s.handleDownloadSegment(data)
	}
}

func (s *SDOServer) onTimeout(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return
	}
	s.abortTxnLocked(errs.Timeout, true)
}

func (s *SDOServer) armTimer() {
	s.txn.timer = s.clock.ScheduleDelayed(time.Duration(s.timeoutMs)*time.Millisecond, func(gen uint64) {
		s.onTimeout(gen)
	})
}

func (s *SDOServer) finishTxn() {
	if s.txn == nil {
		return
	}
	if s.txn.timer != nil {
		s.txn.timer.Cancel()
	}
	if s.txn.proxy != nil {
		s.txn.proxy.Close()
	}
	s.txn = nil
}

// abortTxnLocked tears down the in-progress transaction. When code is
// errs.Success the caller is reporting a remote-initiated abort (no
// reply is sent); any other code is a local failure the server reports
// back on the wire.
func (s *SDOServer) abortTxnLocked(code errs.Error, sendAbort bool) {
	if s.txn == nil {
		return
	}
	if sendAbort {
		s.sendAbort(s.txn.index, s.txn.subIndex, code)
		s.logger.Warn("aborting SDO server transaction", "index", s.txn.index, "subIndex", s.txn.subIndex, "code", code)
	}
	if s.txn.timer != nil {
		s.txn.timer.Cancel()
	}
	if s.txn.proxy != nil {
		s.txn.proxy.Close()
	}
	s.txn = nil
}

// processInitiate classifies a fresh request (no transaction currently
// open) and dispatches it.
func (s *SDOServer) processInitiate(data [8]byte) {
	index, subIndex := frameIndex(data)
	switch protocolCode(data[0]) {
	case ccsUploadInitiate:
		s.beginUpload(index, subIndex)
	case ccsDownloadInitiate:
		s.beginDownload(index, subIndex, data)
	case ccsBlockDownload:
		s.beginBlockDownload(index, subIndex, data)
	default:
		s.sendAbort(index, subIndex, errs.InvalidCmd)
	}
}

func (s *SDOServer) beginUpload(index uint16, subIndex uint8) {
	proxy, err := s.od.MakeProxy(index, subIndex)
	if err != nil {
		s.sendAbort(index, subIndex, toAbortCode(err))
		return
	}
	n := proxy.Remaining()
	if n <= 4 {
		buf := make([]byte, n)
		proxy.CopyInto(buf, n)
		proxy.Close()
		s.send(buildExpeditedInitiate(scsUploadInitiate, index, subIndex, buf))
		return
	}
	s.txn = &serverTransaction{read: true, index: index, subIndex: subIndex, proxy: proxy}
	s.armTimer()
	s.send(buildSizedInitiate(scsUploadInitiate, index, subIndex, uint32(n)))
}

func (s *SDOServer) handleUploadSegmentRequest(data [8]byte) {
	cs := data[0]
	if protocolCode(cs) != ccsUploadSegment {
		s.abortTxnLocked(errs.InvalidCmd, true)
		return
	}
	if segmentToggle(cs) != s.txn.toggle {
		s.abortTxnLocked(errs.NotToggled, true)
		return
	}
	remaining := s.txn.proxy.Remaining()
	n := min(remaining, 7)
	last := n == remaining
	buf := make([]byte, n)
	s.txn.proxy.CopyInto(buf, n)
	s.send(buildSegment(scsUploadSegment, s.txn.toggle, buf, last))
	s.txn.toggle = !s.txn.toggle
	if last {
		s.finishTxn()
	}
}

func (s *SDOServer) beginDownload(index uint16, subIndex uint8, req [8]byte) {
	proxy, err := s.od.MakeProxy(index, subIndex)
	if err != nil {
		s.sendAbort(index, subIndex, toAbortCode(err))
		return
	}
	es := req[0] & 0x03
	if es == 0x03 {
		n := 4 - int((req[0]>>2)&0x03)
		if _, err := proxy.CopyFrom(req[4:4+n], n); err != nil {
			proxy.Close()
			s.sendAbort(index, subIndex, toAbortCode(err))
			return
		}
		proxy.Close()
		s.send(buildInitiateAck(scsDownloadInitiate, index, subIndex))
		return
	}

	var declared uint32
	if es == 0x01 {
		declared = leUint32(req[4:8])
		if full := proxy.Remaining(); full > 0 && uint32(full) != declared {
			if err := proxy.Resize(int(declared)); err != nil {
				proxy.Close()
				if declared > uint32(full) {
					s.sendAbort(index, subIndex, errs.ParamLengthHigh)
				} else {
					s.sendAbort(index, subIndex, errs.ParamLengthLow)
				}
				return
			}
		}
	}
	s.txn = &serverTransaction{read: false, index: index, subIndex: subIndex, proxy: proxy}
	s.armTimer()
	s.send(buildInitiateAck(scsDownloadInitiate, index, subIndex))
}

func (s *SDOServer) handleDownloadSegment(data [8]byte) {
	cs := data[0]
	if protocolCode(cs) != ccsDownloadSegment {
		s.abortTxnLocked(errs.InvalidCmd, true)
		return
	}
	toggle := segmentToggle(cs)
	if toggle != s.txn.toggle {
		s.abortTxnLocked(errs.NotToggled, true)
		return
	}
	n := segmentPayloadLen(cs)
	last := segmentIsLast(cs)
	if _, err := s.txn.proxy.CopyFrom(data[1:1+n], n); err != nil {
		s.abortTxnLocked(toAbortCode(err), true)
		return
	}
	s.send(buildSegment(scsDownloadSegment, toggle, nil, false))
	s.txn.toggle = !toggle
	if last {
		s.finishTxn()
	}
}

func (s *SDOServer) beginBlockDownload(index uint16, subIndex uint8, req [8]byte) {
	proxy, err := s.od.MakeProxy(index, subIndex)
	if err != nil {
		s.sendAbort(index, subIndex, toAbortCode(err))
		return
	}
	declared := leUint32(req[4:8])
	if full := proxy.Remaining(); full > 0 && uint32(full) != declared {
		if err := proxy.Resize(int(declared)); err != nil {
			proxy.Close()
			if declared > uint32(full) {
				s.sendAbort(index, subIndex, errs.ParamLengthHigh)
			} else {
				s.sendAbort(index, subIndex, errs.ParamLengthLow)
			}
			return
		}
	}
	s.txn = &serverTransaction{read: false, blockMode: true, index: index, subIndex: subIndex, proxy: proxy, blockSize: blockSize}
	s.armTimer()
	s.send(buildBlockDownloadInitiateResponse(index, subIndex, blockSize))
}

func (s *SDOServer) handleDownloadSubBlock(data [8]byte) {
	seqNo := data[0] & 0x7F
	last := data[0]&0x80 != 0
	if seqNo != s.txn.blockSeqNo+1 {
		s.abortTxnLocked(errs.InvalidSeqNum, true)
		return
	}
	s.txn.blockSeqNo = seqNo
	if last {
		copy(s.txn.tail[:], data[1:8])
		s.txn.tailLen = 7
		s.sendBlockAck()
		s.txn.awaitingEnd = true
		return
	}
	if _, err := s.txn.proxy.CopyFrom(data[1:8], 7); err != nil {
		s.abortTxnLocked(toAbortCode(err), true)
		return
	}
	if seqNo == s.txn.blockSize {
		s.sendBlockAck()
	}
}

func (s *SDOServer) sendBlockAck() {
	s.send(buildBlockAck(s.txn.blockSeqNo, s.txn.blockSize))
	s.txn.blockSeqNo = 0
}

func (s *SDOServer) handleDownloadBlockEnd(data [8]byte) {
	cs := data[0]
	if !isBlockDownloadEnd(cs) {
		s.abortTxnLocked(errs.InvalidCmd, true)
		return
	}
	validN := 7 - blockDownloadEndUnusedTail(cs)
	if validN > 0 {
		if _, err := s.txn.proxy.CopyFrom(s.txn.tail[:validN], validN); err != nil {
			s.abortTxnLocked(toAbortCode(err), true)
			return
		}
	}
	s.send(buildBlockDownloadEndAck())
	s.finishTxn()
}
