package schema

// checkPathNode is one entry in the cycle-detection BFS queue: the object
// being visited, plus the dotted property path taken to reach it from the
// root, used only for error messages.
type checkPathNode struct {
	object *ObjectSchema
	path   string
}

// findEmbeddedCycle performs a non-recursive breadth-first search starting
// at root, following object-link properties whose target is itself
// Embedded, and returns the dotted path of the first cycle found back to
// root, or "" if none exists. schema must already be known to have every
// link target resolve (callers run this only once per-object validation
// has produced no errors).
func findEmbeddedCycle(s *Schema, root *ObjectSchema) string {
	queue := []checkPathNode{{object: root, path: root.Name}}
	seen := make(map[string]bool)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, prop := range current.object.PersistedProperties {
			if !prop.IsLink() {
				continue
			}
			target := s.Find(prop.ObjectType)
			if target == nil {
				continue // unresolved links are reported by per-object validation
			}
			if target.TableType != TableTypeEmbedded {
				// links into a non-embedded object can't extend an embedded cycle
				continue
			}
			if seen[prop.ObjectType] {
				continue
			}

			nextPath := current.path + "." + prop.Name
			if prop.ObjectType == root.Name {
				return nextPath
			}
			queue = append(queue, checkPathNode{object: target, path: nextPath})
			seen[prop.ObjectType] = true
		}
	}
	return ""
}

// checkForEmbeddedObjectsLoop runs findEmbeddedCycle from every Embedded
// object in s and returns one validation error per cycle found. Running
// the search from non-Embedded roots is never useful: a cycle entirely
// within Embedded objects must, by definition, have an Embedded root.
func checkForEmbeddedObjectsLoop(s *Schema) []string {
	var messages []string
	for i := range s.objects {
		object := &s.objects[i]
		if object.TableType != TableTypeEmbedded {
			continue
		}
		if loop := findEmbeddedCycle(s, object); loop != "" {
			messages = append(messages, "Cycles containing embedded objects are not currently supported: '"+loop+"'")
		}
	}
	return messages
}

// embeddedObjectOrphans performs a breadth-first search from every
// non-Embedded object in s, following object-link properties, and returns
// the set of Embedded object names unreached by that search.
func embeddedObjectOrphans(s *Schema) map[string]bool {
	var toCheck []*ObjectSchema
	for i := range s.objects {
		if s.objects[i].TableType != TableTypeEmbedded {
			toCheck = append(toCheck, &s.objects[i])
		}
	}

	reachable := make(map[*ObjectSchema]bool)
	for len(toCheck) > 0 {
		object := toCheck[0]
		toCheck = toCheck[1:]
		reachable[object] = true

		for _, prop := range object.PersistedProperties {
			if !prop.IsLink() {
				continue
			}
			target := s.Find(prop.ObjectType)
			if target == nil {
				continue
			}
			if target.TableType == TableTypeEmbedded && !reachable[target] {
				reachable[target] = true
				toCheck = append(toCheck, target)
			}
		}
	}

	orphans := make(map[string]bool)
	for i := range s.objects {
		object := &s.objects[i]
		if object.TableType == TableTypeEmbedded && !reachable[object] {
			orphans[object.Name] = true
		}
	}
	return orphans
}
