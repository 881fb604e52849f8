package od

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/ini.v1"
)

// ExportEDS serializes odict to an EDS file at filename. With
// defaultValues set, it hands back the dictionary's original parsed
// file untouched; otherwise it regenerates one section per index from
// the live in-memory values, so a PDO mapping change or SDO write made
// since load time is reflected in the output.
func ExportEDS(odict *ObjectDictionary, defaultValues bool, filename string) error {
	if defaultValues {
		return odict.iniFile.SaveTo(filename)
	}
	eds := ini.Empty()
	for _, index := range sortedIndexes(odict) {
		entry := odict.entriesByIndexValue[index]
		if err := exportEntry(eds, index, entry); err != nil {
			return fmt.Errorf("[OD] error exporting index 0x%x: %w", index, err)
		}
	}
	return eds.SaveTo(filename)
}

func sortedIndexes(odict *ObjectDictionary) []uint16 {
	indexes := make([]int, 0, len(odict.entriesByIndexValue))
	for index := range odict.entriesByIndexValue {
		indexes = append(indexes, int(index))
	}
	sort.Ints(indexes)
	sorted := make([]uint16, len(indexes))
	for i, index := range indexes {
		sorted[i] = uint16(index)
	}
	return sorted
}

func exportEntry(eds *ini.File, index uint16, entry *Entry) error {
	if entry.SubCount() == 1 {
		variable, ok := entry.object.(*Variable)
		if !ok {
			return fmt.Errorf("expecting a variable type")
		}
		section, err := eds.NewSection(hexSectionName(index))
		if err != nil {
			return err
		}
		return populateSection(section, index, variable, entry.ObjectType)
	}

	variables, ok := entry.object.(*VariableList)
	if !ok {
		return fmt.Errorf("expecting a variable list type")
	}
	header, err := eds.NewSection(hexSectionName(index))
	if err != nil {
		return err
	}
	if err := populateHeaderSection(header, entry.Name, variables.objectType, uint8(entry.SubCount())); err != nil {
		return err
	}
	for sub, variable := range variables.Variables {
		section, err := eds.NewSection(hexSectionName(index) + "sub" + strconv.Itoa(sub))
		if err != nil {
			return err
		}
		if err := populateSection(section, index, variable, entry.ObjectType); err != nil {
			return fmt.Errorf("sub-index %x: %w", sub, err)
		}
	}
	return nil
}

func hexSectionName(index uint16) string {
	return strconv.FormatUint(uint64(index), 16)
}

func hexString(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// populateSection fills in the EDS keys describing one variable.
// Values in the communication profile range (0x1000-0x1FFF) are
// written in hex, matching how most EDS editors and CiA 301 examples
// render them; values outside that range fall back to decimal.
func populateSection(section *ini.Section, index uint16, variable *Variable, objectType uint8) error {
	for _, kv := range [][2]string{
		{"ParameterName", variable.Name},
		{"ObjectType", hexString(uint64(objectType))},
		{"DataType", hexString(uint64(variable.DataType))},
		{"AccessType", DecodeAttribute(variable.Attribute)},
	} {
		if _, err := section.NewKey(kv[0], kv[1]); err != nil {
			return err
		}
	}

	base := 10
	prefix := ""
	if index >= 0x1000 && index <= 0x1FFF {
		base = 16
		prefix = "0x"
	}
	decoded, err := DecodeToString(variable.value, variable.DataType, base)
	if err != nil {
		return err
	}
	_, err = section.NewKey("DefaultValue", prefix+decoded)
	return err
}

// populateHeaderSection writes the parameter-name/object-type/sub-count
// triplet that precedes a RECORD or ARRAY entry's sub-sections, e.g.:
//
//	[1A03]
//	ParameterName=TPDO mapping parameter
//	ObjectType=0x9
//	SubNumber=0x9
func populateHeaderSection(section *ini.Section, name string, objectType uint8, count uint8) error {
	for _, kv := range [][2]string{
		{"ParameterName", name},
		{"ObjectType", hexString(uint64(objectType))},
		{"SubNumber", hexString(uint64(count))},
	} {
		if _, err := section.NewKey(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}
