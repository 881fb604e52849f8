package od

import "github.com/scythe-robotics/canfetti/pkg/errs"

// ODR is the Object Dictionary access result code. It is a direct alias of
// errs.Error: the Object Dictionary layer and the SDO wire layer share a
// single enumeration of CANopen abort codes, so an ODR value can be placed
// on the wire (by an SDO server) without any translation step.
type ODR = errs.Error

const (
	ODR_OK             ODR = errs.Success
	ODR_PARTIAL        ODR = errs.Partial
	ODR_OUT_OF_MEM     ODR = errs.OutOfMemory
	ODR_UNSUPP_ACCESS  ODR = errs.UnsupportedAccess
	ODR_WRITEONLY      ODR = errs.ReadViolation
	ODR_READONLY       ODR = errs.WriteViolation
	ODR_IDX_NOT_EXIST  ODR = errs.IndexNotFound
	ODR_NO_MAP         ODR = errs.ObjMappingError
	ODR_MAP_LEN        ODR = errs.PdoSizeViolation
	ODR_PAR_INCOMPAT   ODR = errs.ParamIncompatibility
	ODR_DEV_INCOMPAT   ODR = errs.DeviceIncompatibility
	ODR_HW             ODR = errs.HwError
	ODR_TYPE_MISMATCH  ODR = errs.ParamLength
	ODR_DATA_LONG      ODR = errs.ParamLengthHigh
	ODR_DATA_SHORT     ODR = errs.ParamLengthLow
	ODR_SUB_NOT_EXIST  ODR = errs.InvalidSubIndex
	ODR_INVALID_VALUE  ODR = errs.ValueRange
	ODR_VALUE_HIGH     ODR = errs.ValueRangeHigh
	ODR_VALUE_LOW      ODR = errs.ValueRangeLow
	ODR_MAX_LESS_MIN   ODR = errs.MinMaxKerfuffle
	ODR_NO_RESOURCE    ODR = errs.ResourceNotAvailable
	ODR_GENERAL        ODR = errs.Generic
	ODR_DATA_TRANSF    ODR = errs.DataXfer
	ODR_DATA_LOC_CTRL  ODR = errs.DataXferLocal
	ODR_DATA_DEV_STATE ODR = errs.DataXferState
	ODR_OD_MISSING     ODR = errs.OdGenFail
	ODR_NO_DATA        ODR = errs.NoData
)

// ErrPartial signals a streaming read or write that made progress but has
// not yet reached the end of the value; callers loop until they see a nil
// or a real error.
var ErrPartial = errs.Partial
