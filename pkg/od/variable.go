package od

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/scythe-robotics/canfetti/pkg/errs"
)

// DynamicVar is the interface a caller-supplied dynamic object dictionary
// value must satisfy: read-into-caller-buffer, write-from-caller-buffer,
// current size, resize, begin-access and end-access. This mirrors the
// OdDynamicVar function-handle bundle from the original canfetti OdData.h,
// expressed as a Go interface instead of six stored function pointers.
type DynamicVar interface {
	ReadInto(buf []byte) (int, error)
	WriteFrom(buf []byte) (int, error)
	Size() int
	Resize(n int) error
	BeginAccess() error
	EndAccess() error
}

// ChangedCallback is invoked after a Variable's value has been mutated,
// once the entry lock has been released. It must never attempt to
// lock the same entry again (re-entering a different entry is fine).
type ChangedCallback func(v *Variable)

// Variable is the OdEntry of spec.md: one logical value at a single
// (index, subIndex) coordinate. It carries a single-holder, non-reentrant
// lock and a monotonic generation counter bumped on every completed write
// made through ObjectDictionary.Set, the Variable's own Put* methods or an
// OdProxy. Writes made directly through a Streamer (Entry.WriteExactly and
// the Entry.Put* helpers) leave the generation unchanged.
type Variable struct {
	mu         sync.Mutex
	generation uint64
	callbacks  []ChangedCallback

	valueDefault []byte
	value        []byte
	dynamic      DynamicVar

	// Name of this variable.
	Name string
	// DataType is the CiA 301 data type of this variable.
	DataType byte
	// Attribute contains the access type as well as PDO mapping
	// information, e.g. AttributeSdoRw | AttributeTrpdo.
	Attribute uint8
	// StorageLocation records which medium backs the data. Currently
	// unused: everything lives in RAM or behind a DynamicVar.
	StorageLocation string
	lowLimit        []byte
	highLimit       []byte
	// SubIndex is the subindex for this variable when part of an
	// ARRAY or RECORD.
	SubIndex uint8
}

// Access returns the RO/WO/RW access mode derived from Attribute.
func (variable *Variable) Access() Access {
	return accessFromAttribute(variable.Attribute)
}

// Generation returns the current monotonic generation counter.
func (variable *Variable) Generation() uint64 {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	return variable.generation
}

// AddCallback registers a change callback, fired in registration order
// after a completed write made through ObjectDictionary.Set, the
// Variable's own Put* methods or an OdProxy. Writes made directly through
// a Streamer do not fire it.
func (variable *Variable) AddCallback(cb ChangedCallback) {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	variable.callbacks = append(variable.callbacks, cb)
}

func (variable *Variable) fireCallbacks() {
	for _, cb := range variable.callbacks {
		cb(variable)
	}
}

// DataLength returns the number of bytes currently stored, whichever
// storage backs the value (fixed buffer or DynamicVar).
func (variable *Variable) DataLength() uint32 {
	if variable.dynamic != nil {
		return uint32(variable.dynamic.Size())
	}
	return uint32(len(variable.value))
}

// DefaultValue returns the default value as a byte slice.
func (variable *Variable) DefaultValue() []byte {
	return variable.valueDefault
}

// SetDynamic attaches a DynamicVar implementation, making this variable's
// storage caller-managed instead of the default owned byte slice.
func (variable *Variable) SetDynamic(dyn DynamicVar) {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	variable.dynamic = dyn
}

// Uint8/Uint16/Uint32/Uint64 are scalar typed reads, matching spec.md's
// "Scalar get/set (typed)": IndexNotFound-equivalent handling lives one
// level up in ObjectDictionary.Get; here a type/length mismatch is
// ParamIncompatibility and a failed (already-held) lock is Timeout.

func (variable *Variable) Uint8() (uint8, error) {
	b, err := variable.readScalar(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (variable *Variable) Uint16() (uint16, error) {
	b, err := variable.readScalar(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (variable *Variable) Uint32() (uint32, error) {
	b, err := variable.readScalar(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (variable *Variable) Uint64() (uint64, error) {
	b, err := variable.readScalar(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (variable *Variable) readScalar(n int) ([]byte, error) {
	if !variable.mu.TryLock() {
		return nil, errs.Timeout
	}
	defer variable.mu.Unlock()
	if variable.Access() == AccessWO {
		return nil, errs.ReadViolation
	}
	if int(variable.DataLength()) != n {
		return nil, errs.ParamIncompatibility
	}
	out := make([]byte, n)
	if variable.dynamic != nil {
		if _, err := variable.dynamic.ReadInto(out); err != nil {
			return nil, errs.HwError
		}
		return out, nil
	}
	copy(out, variable.value)
	return out, nil
}

// PutUint8/16/32/64 are scalar typed writes.
func (variable *Variable) PutUint8(value uint8) error { return variable.writeScalar([]byte{value}) }

func (variable *Variable) PutUint16(value uint16) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, value)
	return variable.writeScalar(b)
}

func (variable *Variable) PutUint32(value uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	return variable.writeScalar(b)
}

func (variable *Variable) PutUint64(value uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, value)
	return variable.writeScalar(b)
}

func (variable *Variable) writeScalar(b []byte) error {
	if !variable.mu.TryLock() {
		return errs.Timeout
	}
	if variable.Access() == AccessRO {
		variable.mu.Unlock()
		return errs.WriteViolation
	}
	if int(variable.DataLength()) != len(b) {
		variable.mu.Unlock()
		return errs.ParamIncompatibility
	}
	if variable.dynamic != nil {
		_, err := variable.dynamic.WriteFrom(b)
		if err != nil {
			variable.mu.Unlock()
			return errs.HwError
		}
	} else {
		copy(variable.value, b)
	}
	variable.generation++
	variable.mu.Unlock()
	variable.fireCallbacks()
	return nil
}

// Create variable from an EDS section.
func NewVariableFromSection(
	section *ini.Section,
	name string,
	nodeId uint8,
	index uint16,
	subindex uint8,
) (*Variable, error) {

	variable := &Variable{
		Name:     name,
		SubIndex: subindex,
	}

	accessType, err := section.GetKey("AccessType")
	if err != nil {
		return nil, fmt.Errorf("failed to get 'AccessType' for %x : %x", index, subindex)
	}

	var pdoMapping bool
	if pM, err := section.GetKey("PDOMapping"); err == nil {
		pdoMapping, err = pM.Bool()
		if err != nil {
			return nil, err
		}
	} else {
		pdoMapping = true
	}

	dataType, err := strconv.ParseInt(section.Key("DataType").Value(), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to parse 'DataType' for %x : %x, because %v", index, subindex, err)
	}
	variable.DataType = byte(dataType)
	variable.Attribute = EncodeAttribute(accessType.String(), pdoMapping, variable.DataType)

	if highLimit, err := section.GetKey("HighLimit"); err == nil {
		variable.highLimit, err = EncodeFromString(highLimit.Value(), variable.DataType, 0)
		if err != nil {
			_logger.Warn("error parsing HighLimit",
				"index", fmt.Sprintf("x%x", index),
				"subindex", fmt.Sprintf("x%x", subindex),
				"error", err,
			)
		}
	}

	if lowLimit, err := section.GetKey("LowLimit"); err == nil {
		variable.lowLimit, err = EncodeFromString(lowLimit.Value(), variable.DataType, 0)
		if err != nil {
			_logger.Warn("error parsing LowLimit",
				"index", fmt.Sprintf("x%x", index),
				"subindex", fmt.Sprintf("x%x", subindex),
				"error", err,
			)
		}
	}

	if defaultValue, err := section.GetKey("DefaultValue"); err == nil {
		defaultValueStr := defaultValue.Value()
		if strings.Contains(defaultValueStr, "$NODEID") {
			re := regexp.MustCompile(`\+?\$NODEID\+?`)
			defaultValueStr = re.ReplaceAllString(defaultValueStr, "")
		} else {
			nodeId = 0
		}
		variable.valueDefault, err = EncodeFromString(defaultValueStr, variable.DataType, nodeId)
		if err != nil {
			return nil, fmt.Errorf("failed to parse 'DefaultValue' for x%x|x%x, because %v (datatype :x%x)", index, subindex, err, variable.DataType)
		}
		variable.value = make([]byte, len(variable.valueDefault))
		copy(variable.value, variable.valueDefault)
	}

	return variable, nil
}

// NewVariable creates a variable from a hex/decimal string value, as used
// by programmatic OD construction (AddVariableType, PDO/RPDO scaffolding).
func NewVariable(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	encoded, err := EncodeFromString(value, datatype, 0)
	if err != nil {
		return nil, err
	}
	encodedCopy := make([]byte, len(encoded))
	copy(encodedCopy, encoded)
	variable := &Variable{
		SubIndex:     subindex,
		Name:         name,
		value:        encoded,
		valueDefault: encodedCopy,
		Attribute:    attribute,
		DataType:     datatype,
	}
	return variable, nil
}
