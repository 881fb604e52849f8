package od

import "errors"

var ErrEdsFormat = errors.New("od: invalid EDS format")

// CiA 301 data type codes (the DataType field of every VAR/ARRAY/RECORD
// member, and subindex 0x21 of a DEFTYPE entry).
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	UNICODE_STRING uint8 = 0x0B
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)

// CiA 301 object types.
const (
	ObjectTypeDOMAIN uint8 = 2
	ObjectTypeVAR    uint8 = 7
	ObjectTypeARRAY  uint8 = 8
	ObjectTypeRECORD uint8 = 9
)

var OBJ_NAME_MAP = map[uint8]string{
	ObjectTypeDOMAIN: "DOMAIN",
	ObjectTypeVAR:    "VAR",
	ObjectTypeARRAY:  "ARRAY",
	ObjectTypeRECORD: "RECORD",
}

const (
	MaxMappedEntriesPdo = uint8(8)
	FlagsPdoSize        = uint8(32)
)

// Object dictionary object attribute (access + PDO mappability bitmask).
const (
	AttributeSdoR  uint8 = 0x01 // SDO server may read from the variable
	AttributeSdoW  uint8 = 0x02 // SDO server may write to the variable
	AttributeSdoRw uint8 = 0x03 // SDO server may read from or write to the variable
	AttributeTpdo  uint8 = 0x04 // Variable is mappable into a TPDO (can be read)
	AttributeRpdo  uint8 = 0x08 // Variable is mappable into an RPDO (can be written)
	AttributeTrpdo uint8 = 0x0C // Variable is mappable into a TPDO or RPDO
	AttributeStr   uint8 = 0x80 // A shorter value than the variable's size may be written; SDO write zero-fills the rest
)

// Access describes the access mode derived from Attribute, matching the
// three-way Access enum of the original canfetti OdEntry.
type Access uint8

const (
	AccessRO Access = iota
	AccessWO
	AccessRW
)

func accessFromAttribute(attribute uint8) Access {
	switch attribute & AttributeSdoRw {
	case AttributeSdoR:
		return AccessRO
	case AttributeSdoW:
		return AccessWO
	default:
		return AccessRW
	}
}

// Standard CANopen object entries index.
const (
	EntryDeviceType                  uint16 = 0x1000
	EntryErrorRegister               uint16 = 0x1001
	EntryManufacturerStatusRegister  uint16 = 0x1003
	EntryCobIdSYNC                   uint16 = 0x1005
	EntryCommunicationCyclePeriod    uint16 = 0x1006
	EntrySynchronousWindowLength     uint16 = 0x1007
	EntryManufacturerDeviceName      uint16 = 0x1008
	EntryManufacturerHardwareVersion uint16 = 0x1009
	EntryManufacturerSoftwareVersion uint16 = 0x100A
	EntryStoreParameters             uint16 = 0x1010
	EntryRestoreDefaultParameters    uint16 = 0x1011
	EntryCobIdTIME                   uint16 = 0x1012
	EntryHighResTimestamp            uint16 = 0x1013
	EntryCobIdEMCY                   uint16 = 0x1014
	EntryInhibitTimeEMCY             uint16 = 0x1015
	EntryConsumerHeartbeatTime       uint16 = 0x1016
	EntryProducerHeartbeatTime       uint16 = 0x1017
	EntryIdentityObject              uint16 = 0x1018
	EntrySynchronousCounterOverflow  uint16 = 0x1019
	EntrySDOServerParameterStart     uint16 = 0x1200
	EntrySDOServerParameterEnd       uint16 = 0x127F
	EntrySDOClientParameterStart     uint16 = 0x1280
	EntrySDOClientParameterEnd       uint16 = 0x12FF
	EntryRPDOCommunicationStart      uint16 = 0x1400
	EntryRPDOCommunicationEnd        uint16 = 0x15FF
	EntryRPDOMappingStart            uint16 = 0x1600
	EntryRPDOMappingEnd              uint16 = 0x17FF
	EntryTPDOCommunicationStart      uint16 = 0x1800
	EntryTPDOCommunicationEnd        uint16 = 0x19FF
	EntryTPDOMappingStart            uint16 = 0x1A00
	EntryTPDOMappingEnd              uint16 = 0x1BFF
)

// PDO communication/mapping parameter subindices.
const (
	SubPdoCobId             uint8 = 1
	SubPdoTransmissionType  uint8 = 2
	SubPdoInhibitTime       uint8 = 3
	SubPdoEventTimer        uint8 = 5
	SubPdoMappedObjectCount uint8 = 0
)

// Standard CANopen object areas.
const (
	AreaCommunicationProfileStart        uint16 = 0x1000
	AreaCommunicationProfileEnd          uint16 = 0x1FFF
	AreaManufacturerSpecificProfileStart uint16 = 0x2000
	AreaManufacturerSpecificProfileEnd   uint16 = 0x5FFF
	AreaDeviceProfileStart               uint16 = 0x6000
	AreaDeviceProfileEnd                 uint16 = 0x9FFF
	AreaInterfaceProfileStart            uint16 = 0xA000
	AreaInterfaceProfileEnd              uint16 = 0xBFFF
	AreaFutureUseStart                   uint16 = 0xC000
	AreaFutureUseEnd                     uint16 = 0xFFFF
)

// AutoInsertStart/End bound the free-slot scan used by AutoInsert, matching
// spec.md's narrowing of the original's 0x3500-0x4000 window to 0x3500-0x3FFF
// so it never collides with the rest of manufacturer-specific space.
const (
	AutoInsertStart uint16 = 0x3500
	AutoInsertEnd   uint16 = 0x3FFF
)

// EDS formats (CiA 302-3 gateway format codes).
const (
	FormatEDSAscii  = 0
	FormatEDSZipped = 0x90
)
