package schema

import (
	"sort"

	"github.com/samjaninf/realm-core/internal/metrics"
	"github.com/samjaninf/realm-core/pkg/xerrors"
)

// ValidationMode is a bitmask of optional validation behaviors passed to
// Schema.Validate and Schema.Compare.
type ValidationMode int

const (
	// ValidationModeRejectEmbeddedOrphans causes Validate to report every
	// Embedded object unreachable from a non-Embedded root as an error.
	ValidationModeRejectEmbeddedOrphans ValidationMode = 1 << iota
)

// DiffMode selects how Schema.Compare treats classes that the target
// introduces but that would be orphaned Embedded objects.
type DiffMode int

const (
	// DiffModeDefault performs a plain structural diff.
	DiffModeDefault DiffMode = iota
	// DiffModeAdditiveDiscovered computes the target's orphan set first
	// and silently excludes orphaned classes from AddTable and
	// AddInitialProperties.
	DiffModeAdditiveDiscovered
)

// SubsetMode controls which classes/properties CopyKeysFrom pulls in from
// a schema that has more classes/properties than *this.
type SubsetMode struct {
	IncludeTypes      bool
	IncludeProperties bool
}

// Schema is an ordered sequence of ObjectSchema, kept sorted by name.
type Schema struct {
	objects []ObjectSchema

	// metrics, if set via SetMetrics, receives a record of every Validate
	// and Compare call. Left nil, both are no-ops on the counters.
	metrics *metrics.Counters
}

// SetMetrics attaches m as the destination for this Schema's activity
// counters. Passing nil detaches any previously attached counters.
func (s *Schema) SetMetrics(m *metrics.Counters) {
	s.metrics = m
}

// New constructs a Schema from an unordered slice of ObjectSchema, sorting
// it by name. No validation is performed.
func New(objects []ObjectSchema) *Schema {
	s := &Schema{objects: append([]ObjectSchema(nil), objects...)}
	s.sortObjects()
	return s
}

func (s *Schema) sortObjects() {
	sort.Slice(s.objects, func(i, j int) bool { return s.objects[i].Name < s.objects[j].Name })
}

// Len returns the number of object classes in the schema.
func (s *Schema) Len() int { return len(s.objects) }

// Objects returns the underlying sorted slice. Callers must not mutate the
// names of the returned elements, which would violate the sort invariant;
// mutating other fields in place is safe.
func (s *Schema) Objects() []ObjectSchema { return s.objects }

// Find looks up an ObjectSchema by name using binary search, returning nil
// if absent.
func (s *Schema) Find(name string) *ObjectSchema {
	i := sort.Search(len(s.objects), func(i int) bool { return s.objects[i].Name >= name })
	if i < len(s.objects) && s.objects[i].Name == name {
		return &s.objects[i]
	}
	return nil
}

// FindObject looks up the ObjectSchema matching object's name.
func (s *Schema) FindObject(object ObjectSchema) *ObjectSchema {
	return s.Find(object.Name)
}

// FindByTableKey looks up an ObjectSchema by its backend-assigned
// TableKey. The zero TableKey never matches. Lookup is linear: table keys
// are not kept in any particular order, and schemas are small.
func (s *Schema) FindByTableKey(key TableKey) *ObjectSchema {
	if key == 0 {
		return nil
	}
	for i := range s.objects {
		if s.objects[i].TableKey == key {
			return &s.objects[i]
		}
	}
	return nil
}

// Validate checks every invariant in §3/§4.1 and returns an aggregate
// error carrying every problem found, or nil if the schema is valid.
// Validation never stops at the first error: callers see the full set.
func (s *Schema) Validate(mode ValidationMode) *xerrors.SchemaValidationError {
	var errs []xerrors.ObjectSchemaValidationError

	for i := 1; i < len(s.objects); i++ {
		if s.objects[i].Name == s.objects[i-1].Name {
			errs = append(errs, xerrors.ObjectSchemaValidationError{
				ObjectName: s.objects[i].Name,
				Message:    "Type '" + s.objects[i].Name + "' appears more than once in the schema.",
			})
		}
	}

	for i := range s.objects {
		errs = append(errs, s.objects[i].Validate()...)
		errs = append(errs, s.objects[i].ValidateLinkTargets(func(name string) bool {
			return s.Find(name) != nil
		})...)
	}

	// Cycle/orphan detection assumes every link resolves and every object
	// is individually well-formed; skip it if earlier phases already
	// found problems.
	if len(errs) == 0 {
		for _, msg := range checkForEmbeddedObjectsLoop(s) {
			errs = append(errs, xerrors.ObjectSchemaValidationError{Message: msg})
		}

		if mode&ValidationModeRejectEmbeddedOrphans != 0 {
			orphanNames := make([]string, 0)
			for name := range embeddedObjectOrphans(s) {
				orphanNames = append(orphanNames, name)
			}
			sort.Strings(orphanNames)
			for _, name := range orphanNames {
				errs = append(errs, xerrors.ObjectSchemaValidationError{
					ObjectName: name,
					Message:    "Embedded object '" + name + "' is unreachable by any link path from top level objects.",
				})
			}
		}
	}

	if s.metrics != nil {
		s.metrics.RecordValidation(len(errs) != 0)
	}

	if len(errs) == 0 {
		return nil
	}
	return &xerrors.SchemaValidationError{Errors: errs}
}

// zipMatching performs a merge-walk of two name-sorted ObjectSchema
// slices, invoking fn once per step with pointers into a and b. At each
// step exactly one of (aPtr, bPtr) is nil, unless the names match, in
// which case both are non-nil. Either slice may run out before the other;
// the remaining elements of the longer slice are each visited with a nil
// counterpart.
func zipMatching(a, b []ObjectSchema, fn func(aPtr, bPtr *ObjectSchema)) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Name == b[j].Name:
			fn(&a[i], &b[j])
			i++
			j++
		case a[i].Name < b[j].Name:
			fn(&a[i], nil)
			i++
		default:
			fn(nil, &b[j])
			j++
		}
	}
	for ; i < len(a); i++ {
		fn(&a[i], nil)
	}
	for ; j < len(b); j++ {
		fn(nil, &b[j])
	}
}

// compareProperties implements the per-matched-table property diff
// described in §4.3, appending changes in the order: per-existing-property
// Remove/ChangeType/nullability/index transitions, then AddProperty for
// new target properties, then ChangePrimaryKey if it differs.
func compareProperties(existing, target *ObjectSchema, changes *[]SchemaChange) {
	for i := range existing.PersistedProperties {
		currentProp := &existing.PersistedProperties[i]
		targetProp := target.PropertyForName(currentProp.Name)

		if targetProp == nil {
			*changes = append(*changes, SchemaChange{Kind: ChangeRemoveProperty, Object: existing, Property: currentProp})
			continue
		}
		if target.PropertyIsComputed(*targetProp) {
			*changes = append(*changes, SchemaChange{Kind: ChangeRemoveProperty, Object: existing, Property: currentProp})
			continue
		}
		if currentProp.Type != targetProp.Type || currentProp.ObjectType != targetProp.ObjectType ||
			currentProp.IsArray() != targetProp.IsArray() ||
			currentProp.IsSet() != targetProp.IsSet() ||
			currentProp.IsDictionary() != targetProp.IsDictionary() {
			*changes = append(*changes, SchemaChange{
				Kind: ChangeChangePropertyType, Object: existing, OldProperty: currentProp, NewProperty: targetProp,
			})
			continue
		}
		if currentProp.Nullable != targetProp.Nullable {
			if currentProp.Nullable {
				*changes = append(*changes, SchemaChange{Kind: ChangeMakePropertyRequired, Object: existing, Property: currentProp})
			} else {
				*changes = append(*changes, SchemaChange{Kind: ChangeMakePropertyNullable, Object: existing, Property: currentProp})
			}
		}
		if targetProp.RequiresIndex() {
			if !currentProp.RequiresIndex() {
				*changes = append(*changes, SchemaChange{
					Kind: ChangeAddIndex, Object: existing, Property: currentProp, IndexType: IndexTypeGeneral,
				})
			}
		} else if currentProp.RequiresIndex() {
			*changes = append(*changes, SchemaChange{Kind: ChangeRemoveIndex, Object: existing, Property: currentProp})
		}
		if targetProp.RequiresFulltextIndex() {
			if !currentProp.IsFulltextIndexed {
				*changes = append(*changes, SchemaChange{
					Kind: ChangeAddIndex, Object: existing, Property: currentProp, IndexType: IndexTypeFulltext,
				})
			}
		} else if currentProp.RequiresFulltextIndex() {
			*changes = append(*changes, SchemaChange{Kind: ChangeRemoveIndex, Object: existing, Property: currentProp})
		}
	}

	for i := range target.PersistedProperties {
		targetProp := &target.PersistedProperties[i]
		if existing.PropertyForName(targetProp.Name) == nil {
			*changes = append(*changes, SchemaChange{Kind: ChangeAddProperty, Object: existing, Property: targetProp})
		}
	}

	if existing.PrimaryKey != target.PrimaryKey {
		*changes = append(*changes, SchemaChange{
			Kind: ChangeChangePrimaryKey, Object: existing, Property: target.PrimaryKeyProperty(),
		})
	}
}

// Compare diffs s (the existing schema) against target and returns the
// ordered list of SchemaChanges that would bring s to target. If mode is
// DiffModeAdditiveDiscovered, classes that would be orphaned Embedded
// objects in target are excluded from both AddTable and
// AddInitialProperties. RemoveTable is only emitted for tables absent
// from target when includeTableRemovals is set.
func (s *Schema) Compare(target *Schema, mode DiffMode, includeTableRemovals bool) []SchemaChange {
	var orphans map[string]bool
	if mode == DiffModeAdditiveDiscovered {
		orphans = embeddedObjectOrphans(target)
	}

	var changes []SchemaChange

	// Pass A: table additions/removals.
	zipMatching(target.objects, s.objects, func(t, existing *ObjectSchema) {
		if t != nil && existing == nil && !orphans[t.Name] {
			changes = append(changes, SchemaChange{Kind: ChangeAddTable, Object: t})
		} else if existing != nil && t == nil {
			if includeTableRemovals {
				changes = append(changes, SchemaChange{Kind: ChangeRemoveTable, Object: existing})
			}
		}
	})

	// Pass B: column diff.
	zipMatching(target.objects, s.objects, func(t, existing *ObjectSchema) {
		if t != nil && existing != nil {
			compareProperties(existing, t, &changes)
		} else if t != nil && !orphans[t.Name] {
			changes = append(changes, SchemaChange{Kind: ChangeAddInitialProperties, Object: t})
		}
	})

	// Pass C: embedded-flag changes, run last so it observes the final
	// column graph.
	zipMatching(target.objects, s.objects, func(t, existing *ObjectSchema) {
		if existing != nil && t != nil && existing.TableType != t.TableType {
			changes = append(changes, SchemaChange{
				Kind: ChangeChangeTableType, Object: t, OldTableType: existing.TableType, NewTableType: t.TableType,
			})
		}
	})

	if s.metrics != nil {
		s.metrics.RecordDiff(len(changes))
	}

	return changes
}

// CopyKeysFrom imports backend-assigned TableKey/ColumnKey values from
// other onto the matching classes/properties of s. When subset.IncludeTypes
// is set, classes present in other but absent from s are appended (sorted
// back into place) with exactly the properties other declares for them —
// this module's chosen resolution of the include_types/include_properties
// open question. When subset.IncludeProperties is set, properties present
// on a matched class in other but absent from s are likewise appended.
func (s *Schema) CopyKeysFrom(other *Schema, subset SubsetMode) {
	var otherClasses []*ObjectSchema

	zipMatching(s.objects, other.objects, func(existing, otherObj *ObjectSchema) {
		if subset.IncludeTypes && existing == nil && otherObj != nil {
			otherClasses = append(otherClasses, otherObj)
		}
		if existing == nil || otherObj == nil {
			return
		}

		existing.TableKey = otherObj.TableKey
		for _, currentProp := range otherObj.PersistedProperties {
			if targetProp := existing.PropertyForName(currentProp.Name); targetProp != nil {
				targetProp.ColumnKey = currentProp.ColumnKey
			} else if subset.IncludeProperties {
				existing.PersistedProperties = append(existing.PersistedProperties, currentProp)
			}
		}
	})

	if len(otherClasses) > 0 {
		for _, o := range otherClasses {
			s.objects = append(s.objects, *o)
		}
		s.sortObjects()
	}
}
