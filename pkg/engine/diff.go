package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Differ computes the edge-annotated convergence plan between an old
// graph snapshot and a new desired-state graph. Handlers are consulted
// only to decide whether a property change is updatable in place.
type Differ struct {
	registry *Registry
}

// NewDiffer creates a differ backed by the given handler registry.
func NewDiffer(registry *Registry) *Differ {
	return &Differ{registry: registry}
}

// nodeClass is the differ's working classification of one logical name.
type nodeClass struct {
	name    string
	action  Action
	oldNode *GraphNode // nil for creates
	newNode *GraphNode // nil for deletes

	// entityID realizes the forward node (existing ID for updates, a
	// fresh one for creates). For replacements it is the new entity.
	entityID string

	// replacedID is the old entity being substituted, when replacing.
	replacedID string

	// deleteFirst forces the old entity's deletion before the new
	// entity's creation (cyclic replacement tie-break).
	deleteFirst bool
}

// Diff computes the convergence plan for one traversal.
//
// Classification: names only in new are CREATE; names in both with
// changed properties or requires are UPDATE, unless the handler reports
// the change is not updatable in place, in which case the node becomes a
// replacement (CREATE of a new entity linked to DELETE of the old one);
// names only in old are DELETE, ordered in reverse so an entity is
// deleted only after everything that depended on it is gone. Unchanged
// nodes are omitted from the plan and their edges are treated as
// already satisfied.
func (d *Differ) Diff(stackID, traversalID string, old, new *Graph) (*Plan, error) {
	if old == nil {
		old = &Graph{Nodes: map[string]*GraphNode{}}
	}
	if err := ValidateGraph(new); err != nil {
		return nil, err
	}
	if err := ValidateGraph(old); err != nil {
		return nil, err
	}

	classes := make(map[string]*nodeClass, len(new.Nodes)+len(old.Nodes))

	for _, name := range sortedNames(new) {
		newNode := new.Nodes[name]
		oldNode, existed := old.Nodes[name]
		if !existed {
			classes[name] = &nodeClass{
				name:     name,
				action:   ActionCreate,
				newNode:  newNode,
				entityID: uuid.New().String(),
			}
			continue
		}

		cls := &nodeClass{name: name, oldNode: oldNode, newNode: newNode, entityID: oldNode.EntityID}
		if cls.entityID == "" {
			// Snapshot predates entity tracking; adopt a fresh identity.
			cls.entityID = uuid.New().String()
		}

		switch {
		case oldNode.Type != newNode.Type:
			// A type change always replaces: a handler cannot mutate an
			// object into a different provider kind.
			d.makeReplacement(cls)
		case !propertiesEqual(oldNode.Properties, newNode.Properties):
			replace, err := d.needsReplace(newNode.Type, oldNode.Properties, newNode.Properties)
			if err != nil {
				return nil, err
			}
			if replace {
				d.makeReplacement(cls)
			} else {
				cls.action = ActionUpdate
			}
		case !sameStringSet(oldNode.Requires, newNode.Requires):
			cls.action = ActionUpdate
		default:
			cls.action = ActionNoop
		}
		classes[name] = cls
	}

	for _, name := range sortedNames(old) {
		if _, ok := classes[name]; ok {
			continue
		}
		oldNode := old.Nodes[name]
		id := oldNode.EntityID
		if id == "" {
			id = uuid.New().String()
		}
		classes[name] = &nodeClass{
			name:     name,
			action:   ActionDelete,
			oldNode:  oldNode,
			entityID: id,
		}
	}

	// A node whose predecessor is being replaced must rewire its
	// requires edge to the substituting entity, so an otherwise
	// unchanged node is forced to update.
	for _, cls := range classes {
		if cls.action != ActionNoop {
			continue
		}
		for _, dep := range cls.newNode.Requires {
			if classes[dep].replacedID != "" {
				cls.action = ActionUpdate
				break
			}
		}
	}

	plan := &Plan{
		StackID:     stackID,
		TraversalID: traversalID,
		Nodes:       make(map[string]*PlanNode),
		CreatedAt:   time.Now(),
	}

	d.buildEdges(plan, classes, old)

	// Create-before-delete is the default replacement order. If it
	// closed a cycle, force the offending replacements to delete-first
	// and warn about the downtime.
	for i := 0; i <= len(classes); i++ {
		cycle := planCycle(plan)
		if cycle == nil {
			break
		}
		if !forceDeleteFirst(plan, classes, cycle) {
			return nil, NewPermanentError(
				fmt.Sprintf("convergence plan has an unresolvable cycle: %s", formatCycle(cycle)), nil).
				WithCode(ErrCodeCycle)
		}
		plan.Nodes = make(map[string]*PlanNode)
		d.buildEdges(plan, classes, old)
	}

	for _, n := range plan.Nodes {
		sort.Strings(n.Requires)
	}
	fillRequiredBy(plan)

	return plan, nil
}

// makeReplacement rewrites an update classification into a replacement:
// the forward node gets a fresh entity and the old entity is deleted.
func (d *Differ) makeReplacement(cls *nodeClass) {
	cls.action = ActionCreate
	cls.replacedID = cls.entityID
	cls.entityID = uuid.New().String()
}

// needsReplace asks the type's handler whether the change is updatable
// in place. With no handler registered the change is applied in place.
func (d *Differ) needsReplace(typeTag string, oldProps, newProps json.RawMessage) (bool, error) {
	if d.registry == nil {
		return false, nil
	}
	h, err := d.registry.Get(typeTag)
	if err != nil {
		return false, nil
	}
	replace, err := h.NeedsReplace(oldProps, newProps)
	if err != nil {
		return false, NewPermanentError("handler updatability check failed", err).
			WithCode(ErrCodeHandlerFailed)
	}
	return replace, nil
}

// buildEdges materializes plan nodes and their execution-order
// predecessor edges from the classifications.
func (d *Differ) buildEdges(plan *Plan, classes map[string]*nodeClass, old *Graph) {
	oldRev := requiredBy(old)

	// Forward nodes: creates and updates, wired by new-graph requires.
	for _, cls := range classes {
		if cls.action != ActionCreate && cls.action != ActionUpdate {
			continue
		}
		node := &PlanNode{
			EntityID:   cls.entityID,
			Name:       cls.name,
			Type:       cls.newNode.Type,
			Action:     cls.action,
			Forward:    true,
			Properties: cls.newNode.Properties,
			Replaces:   cls.replacedID,
		}
		for _, dep := range cls.newNode.Requires {
			depCls := classes[dep]
			if depCls.action == ActionNoop {
				continue // already satisfied
			}
			node.Requires = append(node.Requires, depCls.entityID)
		}
		if cls.replacedID != "" && cls.deleteFirst {
			node.Requires = append(node.Requires, cls.replacedID)
		}
		plan.Nodes[node.EntityID] = node
	}

	// Delete nodes, traversed in reverse: an entity is deleted only
	// after everything that depended on it is gone (or has updated away
	// from it).
	addDelete := func(entityID, name, typeTag string, replacement *nodeClass) {
		node := &PlanNode{
			EntityID: entityID,
			Name:     name,
			Type:     typeTag,
			Action:   ActionDelete,
			Forward:  false,
		}
		for _, depName := range oldRev[name] {
			depCls := classes[depName]
			switch depCls.action {
			case ActionDelete:
				node.Requires = append(node.Requires, depCls.entityID)
			case ActionCreate, ActionUpdate:
				// The dependent's forward action drops its reference to
				// this entity; wait for it unless this delete was forced
				// ahead of the replacement create.
				if replacement == nil || !replacement.deleteFirst {
					node.Requires = append(node.Requires, depCls.entityID)
				}
			case ActionNoop:
				// Unreachable for valid input: a noop dependent would
				// still reference the deleted name, which graph
				// validation rejects.
			}
			// Deletes of replaced entities also wait on the deletes of
			// their old dependents' replaced entities.
			if depCls.replacedID != "" && depCls.action != ActionDelete {
				node.Requires = append(node.Requires, depCls.replacedID)
			}
		}
		if replacement != nil && !replacement.deleteFirst {
			node.Requires = append(node.Requires, replacement.entityID)
		}
		plan.Nodes[node.EntityID] = node
	}

	for _, cls := range classes {
		switch {
		case cls.action == ActionDelete:
			addDelete(cls.entityID, cls.name, cls.oldNode.Type, nil)
		case cls.replacedID != "":
			addDelete(cls.replacedID, cls.name, cls.oldNode.Type, cls)
		}
	}
}

// forceDeleteFirst flips the first not-yet-flipped replacement on the
// cycle to delete-first and records the downtime warning. Reports
// whether anything was flipped; the caller rebuilds the plan edges
// after a flip.
func forceDeleteFirst(plan *Plan, classes map[string]*nodeClass, cycle []string) bool {
	for _, id := range cycle {
		n := plan.Nodes[id]
		if n.Action != ActionDelete || n.Name == "" {
			continue
		}
		cls, ok := classes[n.Name]
		if !ok || cls.replacedID != id || cls.deleteFirst {
			continue
		}
		cls.deleteFirst = true
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"replacement of %s forces delete before create; dependents will see downtime", n.Name))
		return true
	}
	return false
}

// planCycle detects a cycle over plan-node requires edges, returning
// one cycle path of entity IDs if present.
func planCycle(plan *Plan) []string {
	visited := make(map[string]bool, len(plan.Nodes))
	recStack := make(map[string]bool, len(plan.Nodes))

	ids := make([]string, 0, len(plan.Nodes))
	for id := range plan.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range plan.Nodes[id].Requires {
			if _, ok := plan.Nodes[dep]; !ok {
				continue
			}
			if !visited[dep] {
				if cycle := walk(dep, path); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				return append(append([]string(nil), path[start:]...), dep)
			}
		}

		recStack[id] = false
		return nil
	}

	for _, id := range ids {
		if !visited[id] {
			if cycle := walk(id, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func fillRequiredBy(plan *Plan) {
	for id, n := range plan.Nodes {
		for _, dep := range n.Requires {
			if pred, ok := plan.Nodes[dep]; ok {
				pred.RequiredBy = append(pred.RequiredBy, id)
			}
		}
	}
	for _, n := range plan.Nodes {
		sort.Strings(n.RequiredBy)
	}
}

// propertiesEqual compares two property blobs structurally.
func propertiesEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
