// Package schema implements the declarative object-oriented data schema:
// Property and ObjectSchema descriptors, the ordered Schema container, and
// the SchemaChange variant emitted by Schema.Compare.
package schema

import "github.com/samjaninf/realm-core/pkg/xerrors"

// PropertyType is the semantic type of a Property. Collection shape
// (Array/Set/Dictionary) and the Nullable modifier are tracked separately
// so that, for example, "array of nullable string" and "array of string"
// are distinguishable without a combinatorial type enum.
type PropertyType int

const (
	PropertyTypeBool PropertyType = iota
	PropertyTypeInt
	PropertyTypeFloat
	PropertyTypeDouble
	PropertyTypeString
	PropertyTypeBinary
	PropertyTypeTimestamp
	PropertyTypeObject
	PropertyTypeMixed
)

func (t PropertyType) String() string {
	switch t {
	case PropertyTypeBool:
		return "bool"
	case PropertyTypeInt:
		return "int"
	case PropertyTypeFloat:
		return "float"
	case PropertyTypeDouble:
		return "double"
	case PropertyTypeString:
		return "string"
	case PropertyTypeBinary:
		return "binary"
	case PropertyTypeTimestamp:
		return "timestamp"
	case PropertyTypeObject:
		return "object"
	case PropertyTypeMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

// CollectionType describes the shape a property's values are stored in.
type CollectionType int

const (
	CollectionTypeNone CollectionType = iota
	CollectionTypeArray
	CollectionTypeSet
	CollectionTypeDictionary
)

// IndexType distinguishes a general secondary index from a full-text index.
// The two are mutually exclusive on a single property.
type IndexType int

const (
	IndexTypeGeneral IndexType = iota
	IndexTypeFulltext
)

// ColumnKey is the opaque column identifier assigned by the backend. The
// zero value denotes "not yet assigned by any backend".
type ColumnKey uint64

// Property is an immutable descriptor of one column of an ObjectSchema.
type Property struct {
	Name              string
	Type              PropertyType
	Collection        CollectionType
	Nullable          bool
	ObjectType        string // target class name; set iff Type == PropertyTypeObject or Collection holds links
	IsPrimary         bool
	IsIndexed         bool
	IsFulltextIndexed bool
	ColumnKey         ColumnKey
}

// IsArray reports whether this property is an array collection.
func (p Property) IsArray() bool { return p.Collection == CollectionTypeArray }

// IsSet reports whether this property is a set collection.
func (p Property) IsSet() bool { return p.Collection == CollectionTypeSet }

// IsDictionary reports whether this property is a dictionary collection.
func (p Property) IsDictionary() bool { return p.Collection == CollectionTypeDictionary }

// IsLink reports whether this property references another object class,
// either directly or as the element type of a collection.
func (p Property) IsLink() bool { return p.Type == PropertyTypeObject }

// RequiresIndex reports whether this property should carry a general
// secondary index: either explicitly flagged, or implied by being the
// primary key.
func (p Property) RequiresIndex() bool {
	return p.IsIndexed || p.IsPrimary
}

// RequiresFulltextIndex reports whether this property should carry a
// full-text index.
func (p Property) RequiresFulltextIndex() bool {
	return p.IsFulltextIndexed
}

// Validate checks the invariants that hold for any single Property in
// isolation: object_type is set iff the property is a link, and the two
// index kinds are mutually exclusive. objectName is used only to attribute
// any reported error.
func (p Property) Validate(objectName string) []xerrors.ObjectSchemaValidationError {
	var errs []xerrors.ObjectSchemaValidationError
	if p.IsLink() && p.ObjectType == "" {
		errs = append(errs, xerrors.ObjectSchemaValidationError{
			ObjectName: objectName,
			Message:    "Property '" + objectName + "." + p.Name + "' of type 'object' has no 'object_type' set.",
		})
	}
	if !p.IsLink() && p.ObjectType != "" {
		errs = append(errs, xerrors.ObjectSchemaValidationError{
			ObjectName: objectName,
			Message:    "Property '" + objectName + "." + p.Name + "' has 'object_type' set but is not a link property.",
		})
	}
	if p.RequiresIndex() && p.RequiresFulltextIndex() {
		errs = append(errs, xerrors.ObjectSchemaValidationError{
			ObjectName: objectName,
			Message:    "Property '" + objectName + "." + p.Name + "' cannot have both a general and a full-text index.",
		})
	}
	return errs
}
