package sdo

import (
	"encoding/binary"

	"github.com/scythe-robotics/canfetti/pkg/errs"
)

// COB-ID bases for the default (non-configured) SDO channel: client to
// server is 0x600+nodeId, server to client is 0x580+nodeId.
const (
	ClientServiceId uint16 = 0x600
	ServerServiceId uint16 = 0x580
)

// DEFAULT_SDO_CLIENT_TIMEOUT_MS is the inactivity timeout applied to a
// client transaction when the caller does not specify one.
const DEFAULT_SDO_CLIENT_TIMEOUT_MS = 1000

// DefaultServerTimeoutMs is the inactivity timeout applied to a server
// transaction.
const DefaultServerTimeoutMs = 1000

// blockModeThreshold is the minimum payload size, in bytes, below which
// the client falls back to segmented transfer instead of negotiating a
// block download: the per-block overhead (initiate + end round trips)
// isn't worth paying for a handful of segments.
const blockModeThreshold = 100

// blockSize is the number of 7-byte sub-blocks acknowledged as one
// group. This implementation does not negotiate a smaller size down
// from a remote peer's request; see the block-download Non-goal notes
// in the design ledger.
const blockSize = 127

// Protocol codes carried in the top 3 bits of byte 0 of an SDO frame.
// Client requests (ccs) and server responses (scs) are numbered from
// separate, overlapping ranges: a download-initiate request is 1, but a
// download-initiate response is 3, even though both travel in byte 0's
// top 3 bits. Upload-initiate (2) and csAbort (4) carry the same value in
// both directions.
const (
	ccsDownloadSegment  byte = 0
	ccsDownloadInitiate byte = 1
	ccsUploadInitiate   byte = 2
	ccsUploadSegment    byte = 3
	ccsBlockDownload    byte = 6

	scsUploadSegment    byte = 0
	scsDownloadSegment  byte = 1
	scsUploadInitiate   byte = 2
	scsDownloadInitiate byte = 3
	scsBlockDownload    byte = 5

	csAbort byte = 4
)

func protocolCode(b byte) byte {
	return b >> 5
}

// isAbortFrame reports whether data carries an SDO abort (cs=4, either
// direction).
func isAbortFrame(data [8]byte) bool {
	return protocolCode(data[0]) == csAbort
}

// abortCodeOf extracts the 32-bit abort code carried in bytes 4-7 of an
// abort frame.
func abortCodeOf(data [8]byte) errs.Error {
	return errs.Error(binary.LittleEndian.Uint32(data[4:8]))
}

// frameIndex reads the (index, subIndex) coordinate out of bytes 1-3,
// present on every initiate and abort frame.
func frameIndex(data [8]byte) (uint16, uint8) {
	return binary.LittleEndian.Uint16(data[1:3]), data[3]
}

// leUint32 reads a little-endian uint32 out of a byte slice, used for the
// size/length fields carried in initiate and block-download frames.
func leUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// buildAbort constructs the 8-byte abort frame for (index, subIndex, code).
func buildAbort(index uint16, subIndex uint8, code errs.Error) [8]byte {
	var data [8]byte
	data[0] = csAbort << 5
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = subIndex
	binary.LittleEndian.PutUint32(data[4:8], uint32(code))
	return data
}

// buildExpeditedInitiate builds either a download-initiate request (from
// a client) or an upload-initiate response (from a server) for a payload
// of 1-4 bytes entirely contained in the frame.
func buildExpeditedInitiate(protocol byte, index uint16, subIndex uint8, payload []byte) [8]byte {
	var data [8]byte
	n := len(payload)
	data[0] = (protocol << 5) | byte((4-n)<<2) | 0x03
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = subIndex
	copy(data[4:4+n], payload)
	return data
}

// buildSizedInitiate builds a download-initiate request or upload-initiate
// response that only announces a 32-bit length, the payload itself
// following in subsequent segment frames.
func buildSizedInitiate(protocol byte, index uint16, subIndex uint8, size uint32) [8]byte {
	var data [8]byte
	data[0] = (protocol << 5) | 0x01
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = subIndex
	binary.LittleEndian.PutUint32(data[4:8], size)
	return data
}

// buildBareInitiate builds a download/upload-initiate request with no
// size indication (es = 0b10), used when the sender doesn't know the
// final length ahead of time.
func buildBareInitiate(protocol byte, index uint16, subIndex uint8) [8]byte {
	var data [8]byte
	data[0] = (protocol << 5) | 0x02
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = subIndex
	return data
}

// buildInitiateAck builds the fixed-shape initiate acknowledgement that
// just echoes the coordinate (download-initiate response, or
// upload-segment's predecessor state never needs one since upload
// responses always carry data or a length).
func buildInitiateAck(protocol byte, index uint16, subIndex uint8) [8]byte {
	var data [8]byte
	data[0] = protocol << 5
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = subIndex
	return data
}

// buildSegment builds a segment frame (either a download-segment request
// or an upload-segment response; the protocol code distinguishes them):
// toggle alternates every segment starting at false, n is the number of
// payload bytes carried (1-7), last marks the final segment of the
// transfer.
func buildSegment(protocol byte, toggle bool, payload []byte, last bool) [8]byte {
	var data [8]byte
	n := len(payload)
	data[0] = (protocol << 5) | byte((7-n)<<1)
	if toggle {
		data[0] |= 0x10
	}
	if last {
		data[0] |= 0x01
	}
	copy(data[1:1+n], payload)
	return data
}

// buildUploadSegmentRequest builds the client's request for the next
// upload segment: it carries no payload, only the toggle bit the server
// must echo.
func buildUploadSegmentRequest(toggle bool) [8]byte {
	var data [8]byte
	data[0] = ccsUploadSegment << 5
	if toggle {
		data[0] |= 0x10
	}
	return data
}

// segmentPayloadLen returns the number of payload bytes carried in a
// segment frame, derived from cs bits [3:1].
func segmentPayloadLen(cs byte) int {
	return 7 - int((cs>>1)&0x07)
}

func segmentToggle(cs byte) bool {
	return cs&0x10 != 0
}

func segmentIsLast(cs byte) bool {
	return cs&0x01 != 0
}

// buildBlockDownloadInitiate builds the client's block-download-initiate
// request announcing the total size to follow.
func buildBlockDownloadInitiate(index uint16, subIndex uint8, size uint32) [8]byte {
	var data [8]byte
	data[0] = (ccsBlockDownload << 5) | 0x02 // size indicated, sub-command 0 (initiate)
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = subIndex
	binary.LittleEndian.PutUint32(data[4:8], size)
	return data
}

// buildBlockDownloadInitiateResponse builds the server's reply advertising
// the block size it will acknowledge in groups of.
func buildBlockDownloadInitiateResponse(index uint16, subIndex uint8, blksize uint8) [8]byte {
	var data [8]byte
	data[0] = scsBlockDownload << 5 // sub-command 0: initiate response
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = subIndex
	data[4] = blksize
	return data
}

// buildBlockSubSegment builds one 7-byte sub-block segment, seqNo in
// [1,127], last marking the final segment of the whole transfer (not
// just the block).
func buildBlockSubSegment(seqNo uint8, payload []byte, last bool) [8]byte {
	var data [8]byte
	data[0] = seqNo & 0x7F
	if last {
		data[0] |= 0x80
	}
	copy(data[1:1+len(payload)], payload)
	return data
}

// buildBlockAck builds the server's acknowledgement of a completed group
// of sub-block segments: ackSeq is the last sub-block segment number
// actually received, nextBlksize is the size of the next group to send.
func buildBlockAck(ackSeq, nextBlksize uint8) [8]byte {
	var data [8]byte
	data[0] = (scsBlockDownload << 5) | 0x02 // sub-command 2: block response
	data[1] = ackSeq
	data[2] = nextBlksize
	return data
}

// buildBlockDownloadEnd builds the client's end-of-transfer frame, where
// unusedTail is the number of trailing bytes in the final sub-block
// segment that were padding, not payload.
func buildBlockDownloadEnd(unusedTail int) [8]byte {
	var data [8]byte
	data[0] = (ccsBlockDownload << 5) | byte(unusedTail<<2) | 0x01 // sub-command 1: end
	return data
}

// buildBlockDownloadEndAck builds the server's confirmation of the end
// frame.
func buildBlockDownloadEndAck() [8]byte {
	var data [8]byte
	data[0] = (scsBlockDownload << 5) | 0x01 // sub-command 1: end response
	return data
}

func isBlockDownloadEnd(cs byte) bool {
	return protocolCode(cs) == ccsBlockDownload && cs&0x03 == 0x01
}

func blockDownloadEndUnusedTail(cs byte) int {
	return int((cs >> 2) & 0x07)
}

// toAbortCode converts an error returned by the object dictionary (always
// an errs.Error in this tree; see pkg/od/legacy_errors.go's ODR alias)
// into the abort code to put on the wire, falling back to a generic
// abort for anything unexpected.
func toAbortCode(err error) errs.Error {
	if e, ok := err.(errs.Error); ok {
		return e
	}
	return errs.Generic
}
