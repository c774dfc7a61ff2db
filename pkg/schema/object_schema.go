package schema

import "github.com/samjaninf/realm-core/pkg/xerrors"

// TableType classifies how instances of an ObjectSchema are stored and
// addressed.
type TableType int

const (
	// TableTypeTopLevel objects have a primary key (if declared) and are
	// referenced across the graph by that key.
	TableTypeTopLevel TableType = iota
	// TableTypeTopLevelAsymmetric objects are write-only: once synced to
	// the server they are not retained client-side.
	TableTypeTopLevelAsymmetric
	// TableTypeEmbedded objects have no independent lifetime; they are
	// owned by exactly one parent row and have no primary key.
	TableTypeEmbedded
)

func (t TableType) String() string {
	switch t {
	case TableTypeTopLevel:
		return "TopLevel"
	case TableTypeTopLevelAsymmetric:
		return "TopLevelAsymmetric"
	case TableTypeEmbedded:
		return "Embedded"
	default:
		return "Unknown"
	}
}

// TableKey is the opaque table identifier assigned by the backend.
type TableKey uint64

// ObjectSchema describes one object class: its name, storage kind, and the
// properties declared on it.
type ObjectSchema struct {
	Name                string
	TableType           TableType
	PrimaryKey          string // empty if this class has no primary key
	PersistedProperties []Property
	ComputedProperties  []Property
	TableKey            TableKey
}

// PropertyForName returns the persisted property named name, or nil if no
// such property exists. Computed properties are not searched: they never
// participate in the persisted layout or in diff additions.
func (o *ObjectSchema) PropertyForName(name string) *Property {
	for i := range o.PersistedProperties {
		if o.PersistedProperties[i].Name == name {
			return &o.PersistedProperties[i]
		}
	}
	return nil
}

// PropertyIsComputed reports whether prop (looked up by name) is one of
// o's computed properties rather than a persisted one.
func (o *ObjectSchema) PropertyIsComputed(prop Property) bool {
	for _, c := range o.ComputedProperties {
		if c.Name == prop.Name {
			return true
		}
	}
	return false
}

// PrimaryKeyProperty returns the persisted property named by PrimaryKey,
// or nil if this class has no primary key.
func (o *ObjectSchema) PrimaryKeyProperty() *Property {
	if o.PrimaryKey == "" {
		return nil
	}
	return o.PropertyForName(o.PrimaryKey)
}

// Validate checks the invariants that are local to this object: properties
// are individually well-formed and uniquely named, and a declared primary
// key names an existing persisted property that is not itself a
// collection. It does not check that link targets resolve against a
// Schema; that is done by Schema.Validate once every object is present.
func (o *ObjectSchema) Validate() []xerrors.ObjectSchemaValidationError {
	var errs []xerrors.ObjectSchemaValidationError

	seen := make(map[string]bool, len(o.PersistedProperties)+len(o.ComputedProperties))
	addSeen := func(name string) bool {
		if seen[name] {
			return true
		}
		seen[name] = true
		return false
	}

	for _, p := range o.PersistedProperties {
		if addSeen(p.Name) {
			errs = append(errs, xerrors.ObjectSchemaValidationError{
				ObjectName: o.Name,
				Message:    "Property '" + o.Name + "." + p.Name + "' appears more than once in the schema.",
			})
		}
		errs = append(errs, p.Validate(o.Name)...)
	}
	for _, p := range o.ComputedProperties {
		addSeen(p.Name)
	}

	if o.TableType == TableTypeEmbedded && o.PrimaryKey != "" {
		errs = append(errs, xerrors.ObjectSchemaValidationError{
			ObjectName: o.Name,
			Message:    "Embedded object '" + o.Name + "' cannot have a primary key.",
		})
	}

	if o.PrimaryKey != "" {
		pk := o.PropertyForName(o.PrimaryKey)
		if pk == nil {
			errs = append(errs, xerrors.ObjectSchemaValidationError{
				ObjectName: o.Name,
				Message:    "Specified primary key property '" + o.Name + "." + o.PrimaryKey + "' does not exist.",
			})
		} else if pk.Collection != CollectionTypeNone {
			errs = append(errs, xerrors.ObjectSchemaValidationError{
				ObjectName: o.Name,
				Message:    "Property '" + o.Name + "." + pk.Name + "' cannot be made the primary key because it is a collection.",
			})
		}
	}

	return errs
}

// ValidateLinkTargets checks that every link property's ObjectType names a
// class for which resolves reports true. It is split out from Validate
// because it needs the enclosing Schema; Schema.Validate runs it for every
// object alongside Validate, whether or not local validation found errors.
func (o *ObjectSchema) ValidateLinkTargets(resolves func(className string) bool) []xerrors.ObjectSchemaValidationError {
	var errs []xerrors.ObjectSchemaValidationError
	for _, p := range o.PersistedProperties {
		if p.IsLink() && p.ObjectType != "" && !resolves(p.ObjectType) {
			errs = append(errs, xerrors.ObjectSchemaValidationError{
				ObjectName: o.Name,
				Message:    "Property '" + o.Name + "." + p.Name + "' of type 'object' has unknown object type '" + p.ObjectType + "'.",
			})
		}
	}
	return errs
}
