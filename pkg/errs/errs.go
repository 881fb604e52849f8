// Package errs defines the single, wire-compatible error enumeration shared by
// every layer of this node: Object Dictionary access, SDO abort codes, and
// internal bookkeeping. A CANopen SDO abort code is a 32-bit value; this type
// carries that value directly so an Error can be written to the wire without
// translation, mirroring the original canfetti::Error design (one enum, not a
// separate "local OD error" / "wire abort code" pair).
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for failures that never reach the wire: bad arguments,
// timeouts, and busy transports. These are plain errors.New values, not
// members of the Error enum, matching the style of the rest of this
// package's local-only conditions.
var (
	ErrIllegalArgument = errors.New("canopen: error in function arguments")
	ErrOdParameters    = errors.New("canopen: error in object dictionary parameters")
	ErrInvalidState    = errors.New("canopen: invalid state for requested operation")
)

// Error is a CANopen SDO abort code, or one of two reserved low values used
// for conditions that never reach the wire (Success, InternalError).
type Error uint32

const (
	Success       Error = 0
	InternalError Error = 1
	// Partial is returned by a streaming read/write to signal that the
	// transfer made progress but has not yet reached the end of the
	// value. It is a local control-flow signal, never sent on the wire.
	Partial Error = 2

	NotToggled     Error = 0x05030000
	Timeout        Error = 0x05040000
	InvalidCmd     Error = 0x05040001
	InvalidBlkSize Error = 0x05040002
	InvalidSeqNum  Error = 0x05040003
	CrcError       Error = 0x05040004
	OutOfMemory    Error = 0x05040005

	UnsupportedAccess Error = 0x06010000
	ReadViolation     Error = 0x06010001
	WriteViolation    Error = 0x06010002

	IndexNotFound Error = 0x06020000

	ObjMappingError       Error = 0x06040041
	PdoSizeViolation      Error = 0x06040042
	ParamIncompatibility  Error = 0x06040043
	DeviceIncompatibility Error = 0x06040047

	HwError Error = 0x06060000

	ParamLength     Error = 0x06070010
	ParamLengthHigh Error = 0x06070012
	ParamLengthLow  Error = 0x06070013

	InvalidSubIndex Error = 0x06090011

	ValueRange      Error = 0x06090030
	ValueRangeHigh  Error = 0x06090031
	ValueRangeLow   Error = 0x06090032
	MinMaxKerfuffle Error = 0x06090036

	Generic       Error = 0x08000000
	DataXfer      Error = 0x08000020
	DataXferLocal Error = 0x08000021
	DataXferState Error = 0x08000022
	OdGenFail     Error = 0x08000023
	NoData        Error = 0x08000024

	ResourceNotAvailable Error = 0x060A0023
)

var description = map[Error]string{
	Success:       "success",
	InternalError: "internal error",
	Partial:       "partial transfer, more data follows",

	NotToggled:     "toggle bit not alternated",
	Timeout:        "SDO protocol timed out",
	InvalidCmd:     "client/server command specifier not valid or unknown",
	InvalidBlkSize: "invalid block size",
	InvalidSeqNum:  "invalid sequence number",
	CrcError:       "CRC error",
	OutOfMemory:    "out of memory",

	UnsupportedAccess: "unsupported access to an object",
	ReadViolation:     "attempt to read a write only object",
	WriteViolation:    "attempt to write a read only object",

	IndexNotFound: "object does not exist in the object dictionary",

	ObjMappingError:       "object cannot be mapped to the PDO",
	PdoSizeViolation:      "number and length of mapped objects exceeds PDO length",
	ParamIncompatibility:  "general parameter incompatibility reason",
	DeviceIncompatibility: "general internal incompatibility in device",

	HwError: "access failed due to a hardware error",

	ParamLength:     "data type does not match, length of service parameter does not match",
	ParamLengthHigh: "data type does not match, length of service parameter too high",
	ParamLengthLow:  "data type does not match, length of service parameter too low",

	InvalidSubIndex: "subindex does not exist",

	ValueRange:      "value range of parameter exceeded",
	ValueRangeHigh:  "value of parameter written is too high",
	ValueRangeLow:   "value of parameter written is too low",
	MinMaxKerfuffle: "maximum value is less than minimum value",

	Generic:       "general error",
	DataXfer:      "data cannot be transferred or stored to the application",
	DataXferLocal: "data cannot be transferred because of local control",
	DataXferState: "data cannot be transferred because of the present device state",
	OdGenFail:     "object dictionary not present or dynamic generation failed",
	NoData:        "no data available",

	ResourceNotAvailable: "resource not available: SDO connection",
}

func (e Error) Error() string {
	if d, ok := description[e]; ok {
		return fmt.Sprintf("canopen: %s (0x%08X)", d, uint32(e))
	}
	return fmt.Sprintf("canopen: unknown error (0x%08X)", uint32(e))
}

// IsAbort reports whether this value is a wire abort code (as opposed to
// Success or InternalError, which are never sent on the bus).
func (e Error) IsAbort() bool {
	return e != Success && e != InternalError
}
