package od

import (
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/ini.v1"

	"github.com/scythe-robotics/canfetti/pkg/errs"
)

var _logger = slog.Default()

// ObjectDictionary is used for storing all entries of a CANopen node
// according to CiA 301. This is the internal representation of an EDS file
type ObjectDictionary struct {
	Reader              io.ReadSeeker
	logger              *slog.Logger
	iniFile             *ini.File
	entriesByIndexValue map[uint16]*Entry
	entriesByIndexName  map[string]*Entry
}

// Add an entry to OD, any existing entry will be replaced
func (od *ObjectDictionary) addEntry(entry *Entry) {
	_, entryIndexValueExists := od.entriesByIndexValue[entry.Index]
	if entryIndexValueExists {
		entry.logger.Warn("overwritting entry")
	}
	od.entriesByIndexValue[entry.Index] = entry
	od.entriesByIndexName[entry.Name] = entry
	entry.logger.Debug("adding entry", "objectType", OBJ_NAME_MAP[entry.ObjectType])
}

// Add a variable type entry to OD with given variable, existing entry will be
func (od *ObjectDictionary) addVariable(index uint16, variable *Variable) *Entry {
	entry := NewEntry(od.logger, index, variable.Name, variable, ObjectTypeVAR)
	od.addEntry(entry)
	return entry
}

// AddVariableType adds an entry of type VAR to OD
// the value should be given as a string with hex representation
// e.g. 0x22 or 0x55555
// If the variable already exists, it will be overwritten
func (od *ObjectDictionary) AddVariableType(
	index uint16,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Entry, error) {
	variable, err := NewVariable(0, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}
	entry := od.addVariable(index, variable)
	return entry, nil
}

// AddVariableList adds an entry of type ARRAY or RECORD depending on [VariableList]
func (od *ObjectDictionary) AddVariableList(index uint16, name string, varList *VariableList) *Entry {
	entry := NewEntry(od.logger, index, name, varList, varList.objectType)
	od.addEntry(entry)
	return entry
}

// AddFile adds a file like object, of type DOMAIN to OD
// readMode and writeMode should be given to determine what type of access to the file is allowed
// e.g. os.O_RDONLY if only reading is allowed
func (od *ObjectDictionary) AddFile(index uint16, indexName string, filePath string, readMode int, writeMode int) {
	fileObject := &FileObject{FilePath: filePath, ReadMode: readMode, WriteMode: writeMode}
	entry, _ := od.AddVariableType(index, indexName, DOMAIN, AttributeSdoRw, "") // Cannot error
	entry.logger.Info("adding extension file i/o", "path", filePath)
	entry.AddExtension(fileObject, ReadEntryFileObject, WriteEntryFileObject)
}

// AddReader adds an io.Reader object, of type DOMAIN to OD
func (od *ObjectDictionary) AddReader(index uint16, indexName string, reader io.Reader) {
	entry, _ := od.AddVariableType(index, indexName, DOMAIN, AttributeSdoR, "") // Cannot error
	entry.logger.Info("adding extension reader")
	entry.AddExtension(reader, ReadEntryReader, WriteEntryDisabled)
}

func (od *ObjectDictionary) addPDO(pdoNb uint16, isRPDO bool) error {
	// TODO check that no empty spaces in PDO numbering before the given number
	indexOffset := pdoNb - 1
	pdoType := "RPDO"
	if !isRPDO {
		indexOffset += 0x400
		pdoType = "TPDO"
	}

	pdoComm := NewRecord()
	pdoComm.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x5")
	pdoComm.AddSubObject(1, fmt.Sprintf("COB-ID used by %s", pdoType), UNSIGNED32, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(2, "Transmission type", UNSIGNED8, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(3, "Inhibit time", UNSIGNED16, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(4, "Reserved", UNSIGNED8, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(5, "Event timer", UNSIGNED16, AttributeSdoRw, "0x0")

	od.AddVariableList(EntryRPDOCommunicationStart+indexOffset, fmt.Sprintf("%s communication parameter", pdoType), pdoComm)

	pdoMap := NewRecord()
	pdoMap.AddSubObject(0, "Number of mapped application objects in PDO", UNSIGNED8, AttributeSdoRw, "0x0")
	for i := uint8(0); i < MaxMappedEntriesPdo; i++ {
		pdoMap.AddSubObject(i+1, fmt.Sprintf("Application object %d", i+1), UNSIGNED32, AttributeSdoRw, "0x0")
	}
	od.AddVariableList(EntryRPDOMappingStart+indexOffset, fmt.Sprintf("%s mapping parameter", pdoType), pdoMap)
	od.logger.Info("added new PDO oject to OD", "type", pdoType, "nb", pdoNb)
	return nil
}

// AddRPDO adds an RPDO entry to the OD.
// This means that an RPDO Communication & Mapping parameter
// entries are created with the given rpdoNb.
// This however does not create the corresponding CANopen objects
func (od *ObjectDictionary) AddRPDO(rpdoNb uint16) error {
	if rpdoNb < 1 || rpdoNb > 512 {
		return errs.DeviceIncompatibility
	}
	return od.addPDO(rpdoNb, true)
}

// AddTPDO adds a TPDO entry to the OD.
// This means that a TPDO Communication & Mapping parameter
// entries are created with the given tpdoNb.
// This however does not create the corresponding CANopen objects
func (od *ObjectDictionary) AddTPDO(tpdoNb uint16) error {
	if tpdoNb < 1 || tpdoNb > 512 {
		return errs.DeviceIncompatibility
	}
	return od.addPDO(tpdoNb, false)
}

// AddSYNC adds a SYNC entry to the OD.
// This adds objects 0x1005, 0x1006, 0x1007 & 0x1019 to the OD.
// By default, SYNC is added with producer disabled and can id of 0x80
func (od *ObjectDictionary) AddSYNC() {
	od.AddVariableType(0x1005, "COB-ID SYNC message", UNSIGNED32, AttributeSdoRw, "0x80000080") // Disabled with standard cob-id
	od.AddVariableType(0x1006, "Communication cycle period", UNSIGNED32, AttributeSdoRw, "0x0")
	od.AddVariableType(0x1007, "Synchronous window length", UNSIGNED32, AttributeSdoRw, "0x0")
	od.AddVariableType(0x1019, "Synchronous counter overflow value", UNSIGNED8, AttributeSdoRw, "0x0")
	od.logger.Info("added new SYNC object to OD")
}

// Index returns an OD entry at the specified index.
// index can either be a string, int or uint16.
// This method does not return an error (for chaining with Subindex()) but instead returns
// nil if no corresponding [Entry] is found.
func (od *ObjectDictionary) Index(index any) *Entry {
	switch ind := index.(type) {
	case string:
		return od.entriesByIndexName[ind]
	case int:
		return od.entriesByIndexValue[uint16(ind)]
	case uint:
		return od.entriesByIndexValue[uint16(ind)]
	case uint16:
		return od.entriesByIndexValue[ind]
	default:
		return nil
	}
}

// Entries returns map of indexes and entries
func (od *ObjectDictionary) Entries() map[uint16]*Entry {
	return od.entriesByIndexValue
}

// EntryExists reports whether an entry is already present at index.
func (od *ObjectDictionary) EntryExists(index uint16) bool {
	_, ok := od.entriesByIndexValue[index]
	return ok
}

// Insert adds a variable-type entry at index, failing with ObjMappingError
// if an entry already occupies that coordinate. Unlike AddVariableType,
// which silently overwrites, Insert is for callers that must not clobber
// an existing object (the static part of the OD, auto-inserted RPDO
// mappings, etc.).
func (od *ObjectDictionary) Insert(index uint16, name string, datatype uint8, attribute uint8, value string) (*Entry, error) {
	if od.EntryExists(index) {
		return nil, errs.ObjMappingError
	}
	return od.AddVariableType(index, name, datatype, attribute, value)
}

// AutoInsert scans [AutoInsertStart, AutoInsertEnd] for the first free
// index and inserts a variable-type entry there, returning the index it
// landed on. This is how an RPDO's application-layer mapping target gets
// a home when the caller does not pin one explicitly.
func (od *ObjectDictionary) AutoInsert(name string, datatype uint8, attribute uint8, value string) (uint16, *Entry, error) {
	for index := AutoInsertStart; index <= AutoInsertEnd; index++ {
		if od.EntryExists(index) {
			continue
		}
		entry, err := od.AddVariableType(index, name, datatype, attribute, value)
		if err != nil {
			return 0, nil, err
		}
		return index, entry, nil
	}
	return 0, nil, errs.OutOfMemory
}

// EntrySize returns the current byte length of the value at (index,subIndex).
func (od *ObjectDictionary) EntrySize(index uint16, subIndex uint8) (uint32, error) {
	entry := od.Index(index)
	if entry == nil {
		return 0, errs.IndexNotFound
	}
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return 0, err
	}
	return variable.DataLength(), nil
}

// MakeProxy acquires a scoped streaming cursor over (index,subIndex).
// It fails with IndexNotFound if the coordinate does not exist, and with
// DataXferLocal if the entry's lock is already held by someone else. The
// caller must Close the returned proxy to release the lock.
func (od *ObjectDictionary) MakeProxy(index uint16, subIndex uint8) (*OdProxy, error) {
	entry := od.Index(index)
	if entry == nil {
		return nil, errs.IndexNotFound
	}
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return nil, err
	}
	return newOdProxy(variable)
}

// Get performs a scalar typed read at (index,subIndex) into out, which
// must be exactly the stored value's length. It fails with IndexNotFound
// if the coordinate is missing and ParamIncompatibility on a length
// mismatch. If a proxy currently holds the entry, Get blocks until the
// proxy is closed; it does not fail with Timeout.
func (od *ObjectDictionary) Get(index uint16, subIndex uint8, out []byte) error {
	entry := od.Index(index)
	if entry == nil {
		return errs.IndexNotFound
	}
	return entry.ReadExactly(subIndex, out, false)
}

// Set performs a scalar typed write at (index,subIndex) from in, which
// must be exactly the stored value's length.
func (od *ObjectDictionary) Set(index uint16, subIndex uint8, in []byte) error {
	entry := od.Index(index)
	if entry == nil {
		return errs.IndexNotFound
	}
	if err := entry.WriteExactly(subIndex, in, false); err != nil {
		return err
	}
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return err
	}
	variable.mu.Lock()
	variable.generation++
	variable.mu.Unlock()
	variable.fireCallbacks()
	return nil
}

// type FileInfo struct {
// 	FileName         string
// 	FileVersion      string
// 	FileRevision     string
// 	LastEDS          string
// 	EDSVersion       string
// 	Description      string
// 	CreationTime     string
// 	CreationDate     string
// 	CreatedBy        string
// 	ModificationTime string
// 	ModificationDate string
// 	ModifiedBy       string
// }
