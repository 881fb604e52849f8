package node

import (
	"encoding/binary"
	"math"

	"github.com/scythe-robotics/canfetti/pkg/od"
)

// readLocal reads the raw bytes backing (index, subindex) directly out of
// the node's own object dictionary, bypassing SDO entirely.
func (node *BaseNode) readLocal(index any, subindex any) ([]byte, uint8, error) {
	entry := node.od.Index(index)
	odVar, err := entry.SubIndex(subindex)
	if err != nil {
		return nil, 0, err
	}
	data := make([]byte, odVar.DataLength())
	if err := entry.ReadExactly(odVar.SubIndex, data, false); err != nil {
		return nil, 0, err
	}
	return data, odVar.DataType, nil
}

// Read entry via direct local OD access
// - index should be the same as accepted by [od.ObjectDictionary.Index]
// - subindex should be the same as accepted by [od.Entry.SubIndex]
// returns value as actual OD "base" datatype
// i.e. one of : uint64, int64, float64, string
func (node *BaseNode) ReadAny(index any, subindex any) (any, error) {
	data, dataType, err := node.readLocal(index, subindex)
	if err != nil {
		return nil, err
	}
	return od.DecodeToType(data, dataType)
}

// Read entry via direct local OD access
// - index should be the same as accepted by [od.ObjectDictionary.Index]
// - subindex should be the same as accepted by [od.Entry.SubIndex]
// returns the exact OD datatype :
// i.e. one of : uint8, ..., uint64, int8, ..., int64,
// float32, float64, string
func (node *BaseNode) ReadAnyExact(index any, subindex any) (any, error) {
	data, dataType, err := node.readLocal(index, subindex)
	if err != nil {
		return nil, err
	}
	return od.DecodeToTypeExact(data, dataType)
}

// Read entry via direct local OD access
// - index should be the same as accepted by [od.ObjectDictionary.Index]
// - subindex should be the same as accepted by [od.Entry.SubIndex]
// returns a copy of the OD value as raw []byte
func (node *BaseNode) ReadBytes(index any, subindex any) ([]byte, error) {
	data, _, err := node.readLocal(index, subindex)
	return data, err
}

// Read entry via direct local OD access
// - index should be the same as accepted by [od.ObjectDictionary.Index]
// - subindex should be the same as accepted by [od.Entry.SubIndex]
// returns as bool
func (node *BaseNode) ReadBool(index any, subindex any) (bool, error) {
	data, dataType, err := node.readLocal(index, subindex)
	if err != nil {
		return false, err
	}
	if dataType != od.BOOLEAN || len(data) != 1 {
		return false, od.ODR_TYPE_MISMATCH
	}
	return data[0] != 0, nil
}

// Read entry via direct local OD access
// - index should be the same as accepted by [od.ObjectDictionary.Index]
// - subindex should be the same as accepted by [od.Entry.SubIndex]
// returns uint8, uint16, uint32, uint64 value as uint64
func (node *BaseNode) ReadLocalUint(index any, subindex any) (value uint64, e error) {
	data, dataType, err := node.readLocal(index, subindex)
	if err != nil {
		return 0, err
	}
	if e = od.CheckSize(len(data), dataType); e != nil {
		return 0, e
	}
	switch dataType {
	case od.BOOLEAN, od.UNSIGNED8:
		return uint64(data[0]), nil
	case od.UNSIGNED16:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case od.UNSIGNED32:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case od.UNSIGNED64:
		return binary.LittleEndian.Uint64(data), nil
	default:
		return 0, od.ODR_TYPE_MISMATCH
	}
}

// Read entry via direct local OD access
// - index should be the same as accepted by [od.ObjectDictionary.Index]
// - subindex should be the same as accepted by [od.Entry.SubIndex]
// returns int8, int16, int32, int64 value as int64
func (node *BaseNode) ReadLocalInt(index any, subindex any) (value int64, e error) {
	data, dataType, err := node.readLocal(index, subindex)
	if err != nil {
		return 0, err
	}
	if e = od.CheckSize(len(data), dataType); e != nil {
		return 0, e
	}
	switch dataType {
	case od.BOOLEAN:
		return int64(data[0]), nil
	case od.INTEGER8:
		return int64(int8(data[0])), nil
	case od.INTEGER16:
		return int64(int16(binary.LittleEndian.Uint16(data))), nil
	case od.INTEGER32:
		return int64(int32(binary.LittleEndian.Uint32(data))), nil
	case od.INTEGER64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	default:
		return 0, od.ODR_TYPE_MISMATCH
	}
}

// Read entry via direct local OD access
// - index should be the same as accepted by [od.ObjectDictionary.Index]
// - subindex should be the same as accepted by [od.Entry.SubIndex]
// returns float32, float64 value as float64
func (node *BaseNode) ReadLocalFloat(index any, subindex any) (value float64, e error) {
	data, dataType, err := node.readLocal(index, subindex)
	if err != nil {
		return 0, err
	}
	if e = od.CheckSize(len(data), dataType); e != nil {
		return 0, e
	}
	switch dataType {
	case od.REAL32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), nil
	case od.REAL64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	default:
		return 0, od.ODR_TYPE_MISMATCH
	}
}

// Read entry via direct local OD access
// - index should be the same as accepted by [od.ObjectDictionary.Index]
// - subindex should be the same as accepted by [od.Entry.SubIndex]
// returns value as string
func (node *BaseNode) ReadLocalString(index any, subindex any) (value string, e error) {
	data, dataType, err := node.readLocal(index, subindex)
	if err != nil {
		return "", err
	}
	switch dataType {
	case od.OCTET_STRING, od.VISIBLE_STRING, od.UNICODE_STRING:
		return string(data), nil
	default:
		return "", od.ODR_TYPE_MISMATCH
	}
}

func (node *BaseNode) readFixed(index any, subindex any, n int) ([]byte, error) {
	data, _, err := node.readLocal(index, subindex)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, od.ODR_TYPE_MISMATCH
	}
	return data, nil
}

// Read entry via direct local OD access, returns value as uint8
func (node *BaseNode) ReadUint8(index any, subindex any) (uint8, error) {
	data, err := node.readFixed(index, subindex, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// Read entry via direct local OD access, returns value as uint16
func (node *BaseNode) ReadUint16(index any, subindex any) (uint16, error) {
	data, err := node.readFixed(index, subindex, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// Read entry via direct local OD access, returns value as uint32
func (node *BaseNode) ReadUint32(index any, subindex any) (uint32, error) {
	data, err := node.readFixed(index, subindex, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Read entry via direct local OD access, returns value as uint64
func (node *BaseNode) ReadUint64(index any, subindex any) (uint64, error) {
	data, err := node.readFixed(index, subindex, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Read entry via direct local OD access, returns value as int8
func (node *BaseNode) ReadInt8(index any, subindex any) (int8, error) {
	data, err := node.readFixed(index, subindex, 1)
	if err != nil {
		return 0, err
	}
	return int8(data[0]), nil
}

// Read entry via direct local OD access, returns value as int16
func (node *BaseNode) ReadInt16(index any, subindex any) (int16, error) {
	data, err := node.readFixed(index, subindex, 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(data)), nil
}

// Read entry via direct local OD access, returns value as int32
func (node *BaseNode) ReadInt32(index any, subindex any) (int32, error) {
	data, err := node.readFixed(index, subindex, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// Read entry via direct local OD access, returns value as int64
func (node *BaseNode) ReadInt64(index any, subindex any) (int64, error) {
	data, err := node.readFixed(index, subindex, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

// Read entry via direct local OD access, returns value as float32
func (node *BaseNode) ReadFloat32(index any, subindex any) (float32, error) {
	data, err := node.readFixed(index, subindex, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
}

// Read entry via direct local OD access, returns value as float64
func (node *BaseNode) ReadFloat64(index any, subindex any) (float64, error) {
	data, err := node.readFixed(index, subindex, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
}

// Write entry via direct local OD access
// - index should be the same as accepted by [od.ObjectDictionary.Index]
// - subindex should be the same as accepted by [od.Entry.SubIndex]
// write any datatype i.e. one of : uint8, ..., uint64, int8, ..., int64,
// float32, float64, string, []byte
func (node *BaseNode) WriteAnyExact(index any, subindex any, value any) error {
	entry := node.od.Index(index)
	odVar, err := entry.SubIndex(subindex)
	if err != nil {
		return err
	}
	encoded, err := od.EncodeFromTypeExact(value)
	if err != nil {
		return err
	}
	return entry.WriteExactly(odVar.SubIndex, encoded, false)
}

// Write entry via direct local OD access
// - index should be the same as accepted by [od.ObjectDictionary.Index]
// - subindex should be the same as accepted by [od.Entry.SubIndex]
// write data as raw bytes, only length will be checked, no assumptions
// are made.
func (node *BaseNode) WriteBytes(index any, subindex any, value []byte) error {
	entry := node.od.Index(index)
	odVar, err := entry.SubIndex(subindex)
	if err != nil {
		return err
	}
	return entry.WriteExactly(odVar.SubIndex, value, false)
}
