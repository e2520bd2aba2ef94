// Package identity derives the deterministic point UUIDs that segregate the
// four point types inside the shared physical collection.
//
// The 36-character UUID doubles as the cross-reference mechanism: the first
// eight characters are a namespace tag and the remaining groups encode the
// identifying tuple as zero-padded decimal digits, so the same tuple always
// produces the same id, in any process.
package identity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"nexsus/internal/types"
)

// Namespace tags (first UUID group).
const (
	NamespaceGraph     = "00000001"
	NamespaceData      = "00000002"
	NamespaceSchema    = "00000003"
	NamespaceKnowledge = "00000005"
)

// schemaModelGroup is the fixed second group of schema-field UUIDs: the
// ERP model id of the field-definition model itself.
const schemaModelGroup = "0004"

// Relationship codes encoded in graph-edge UUIDs.
const (
	RelOne2One   = 11
	RelOne2Many  = 21
	RelMany2One  = 31
	RelMany2Many = 41
)

// KnowledgeLevel selects the knowledge namespace sub-encoding.
type KnowledgeLevel int

const (
	LevelInstance KnowledgeLevel = 2
	LevelModel    KnowledgeLevel = 3
	LevelField    KnowledgeLevel = 4
)

func (l KnowledgeLevel) String() string {
	switch l {
	case LevelInstance:
		return "instance"
	case LevelModel:
		return "model"
	case LevelField:
		return "field"
	}
	return "unknown"
}

const (
	maxGroup4  = 9999
	maxGroup12 = 999_999_999_999
	maxGroup14 = 99_999_999_999_999
)

// RelCode maps an ERP relational field type to its relationship code.
func RelCode(fieldType string) (int, error) {
	switch fieldType {
	case "one2one":
		return RelOne2One, nil
	case "one2many":
		return RelOne2Many, nil
	case "many2one":
		return RelMany2One, nil
	case "many2many", "json":
		return RelMany2Many, nil
	}
	return 0, fmt.Errorf("%w: no relationship code for field type %q", types.ErrInvalidUUID, fieldType)
}

// DataUUID builds the id of a data point: 00000002-MMMM-0000-0000-RRRRRRRRRRRR.
func DataUUID(modelID, recordID int64) (string, error) {
	if err := checkRange("model_id", modelID, maxGroup4); err != nil {
		return "", err
	}
	if err := checkRange("record_id", recordID, maxGroup12); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d-0000-0000-%012d", NamespaceData, modelID, recordID), nil
}

// SchemaUUID builds the id of a schema-field point: 00000003-0004-0000-0000-FFFFFFFFFFFF.
func SchemaUUID(fieldID int64) (string, error) {
	if err := checkRange("field_id", fieldID, maxGroup12); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-0000-0000-%012d", NamespaceSchema, schemaModelGroup, fieldID), nil
}

// GraphUUID builds the id of a graph-edge point:
// 00000001-SSSS-TTTT-RRFF-FFFFFFFFFFFF, where RR is the relationship code
// and the field id spans the remaining fourteen digits.
func GraphUUID(sourceModelID, targetModelID int64, fieldType string, fieldID int64) (string, error) {
	if err := checkRange("source_model_id", sourceModelID, maxGroup4); err != nil {
		return "", err
	}
	if err := checkRange("target_model_id", targetModelID, maxGroup4); err != nil {
		return "", err
	}
	if err := checkRange("field_id", fieldID, maxGroup14); err != nil {
		return "", err
	}
	rel, err := RelCode(fieldType)
	if err != nil {
		return "", err
	}
	f := fmt.Sprintf("%014d", fieldID)
	return fmt.Sprintf("%s-%04d-%04d-%02d%s-%s", NamespaceGraph, sourceModelID, targetModelID, rel, f[:2], f[2:]), nil
}

// KnowledgeUUID builds the id of a knowledge point:
// 00000005-LLLL-MMMM-0000-IIIIIIIIIIII.
func KnowledgeUUID(level KnowledgeLevel, modelID, item int64) (string, error) {
	switch level {
	case LevelInstance, LevelModel, LevelField:
	default:
		return "", fmt.Errorf("%w: unknown knowledge level %d", types.ErrInvalidUUID, level)
	}
	if err := checkRange("model_id", modelID, maxGroup4); err != nil {
		return "", err
	}
	if err := checkRange("item", item, maxGroup12); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d-%04d-0000-%012d", NamespaceKnowledge, level, modelID, item), nil
}

// ParseData inverts DataUUID.
func ParseData(id string) (modelID, recordID int64, err error) {
	groups, err := split(id, NamespaceData)
	if err != nil {
		return 0, 0, err
	}
	if groups[2] != "0000" || groups[3] != "0000" {
		return 0, 0, fmt.Errorf("%w: %s is not a data uuid", types.ErrInvalidUUID, id)
	}
	modelID, err = parseGroup(id, groups[1])
	if err != nil {
		return 0, 0, err
	}
	recordID, err = parseGroup(id, groups[4])
	if err != nil {
		return 0, 0, err
	}
	return modelID, recordID, nil
}

// ParseSchema inverts SchemaUUID.
func ParseSchema(id string) (fieldID int64, err error) {
	groups, err := split(id, NamespaceSchema)
	if err != nil {
		return 0, err
	}
	if groups[1] != schemaModelGroup || groups[2] != "0000" || groups[3] != "0000" {
		return 0, fmt.Errorf("%w: %s is not a schema uuid", types.ErrInvalidUUID, id)
	}
	return parseGroup(id, groups[4])
}

// ParseGraph inverts GraphUUID.
func ParseGraph(id string) (sourceModelID, targetModelID int64, relCode int, fieldID int64, err error) {
	groups, err := split(id, NamespaceGraph)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	sourceModelID, err = parseGroup(id, groups[1])
	if err != nil {
		return 0, 0, 0, 0, err
	}
	targetModelID, err = parseGroup(id, groups[2])
	if err != nil {
		return 0, 0, 0, 0, err
	}
	rel, err := parseGroup(id, groups[3][:2])
	if err != nil {
		return 0, 0, 0, 0, err
	}
	fieldID, err = parseGroup(id, groups[3][2:]+groups[4])
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return sourceModelID, targetModelID, int(rel), fieldID, nil
}

// ParseKnowledge inverts KnowledgeUUID.
func ParseKnowledge(id string) (level KnowledgeLevel, modelID, item int64, err error) {
	groups, err := split(id, NamespaceKnowledge)
	if err != nil {
		return 0, 0, 0, err
	}
	lv, err := parseGroup(id, groups[1])
	if err != nil {
		return 0, 0, 0, err
	}
	switch KnowledgeLevel(lv) {
	case LevelInstance, LevelModel, LevelField:
	default:
		return 0, 0, 0, fmt.Errorf("%w: unknown knowledge level group in %s", types.ErrInvalidUUID, id)
	}
	modelID, err = parseGroup(id, groups[2])
	if err != nil {
		return 0, 0, 0, err
	}
	item, err = parseGroup(id, groups[4])
	if err != nil {
		return 0, 0, 0, err
	}
	return KnowledgeLevel(lv), modelID, item, nil
}

// Classify routes a UUID to the point type its namespace declares.
func Classify(id string) types.PointType {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return types.PointTypeInvalid
	}
	switch id[:8] {
	case NamespaceGraph:
		return types.PointTypeGraph
	case NamespaceData:
		return types.PointTypeData
	case NamespaceSchema:
		return types.PointTypeSchema
	case NamespaceKnowledge:
		return types.PointTypeKnowledge
	}
	return types.PointTypeInvalid
}

func checkRange(what string, v, max int64) error {
	if v < 0 || v > max {
		return fmt.Errorf("%w: %s %d out of range [0, %d]", types.ErrInvalidUUID, what, v, max)
	}
	return nil
}

func split(id, namespace string) ([]string, error) {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidUUID, id)
	}
	groups := strings.Split(id, "-")
	if len(groups) != 5 || groups[0] != namespace {
		return nil, fmt.Errorf("%w: %s is not in namespace %s", types.ErrInvalidUUID, id, namespace)
	}
	return groups, nil
}

func parseGroup(id, group string) (int64, error) {
	v, err := strconv.ParseInt(group, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: non-decimal group in %s", types.ErrInvalidUUID, id)
	}
	return v, nil
}
