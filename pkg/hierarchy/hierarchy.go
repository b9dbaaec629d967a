// Package hierarchy maintains the schema graph: classes, mixins,
// interfaces and their attributes, built incrementally from the stream of
// schema-defining transactions. It answers the ancestry, descendant,
// domain-routing and attribute-lookup queries every other component
// depends on.
package hierarchy

import (
	"fmt"
	"sync"

	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/txproc"
)

// Kind of a classifier node.
type Kind int

const (
	KindClass Kind = iota
	KindMixin
	KindInterface
)

func (k Kind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindMixin:
		return "mixin"
	case KindInterface:
		return "interface"
	default:
		return "invalid"
	}
}

// Classifier is a node in the single-rooted inheritance graph.
type Classifier struct {
	ID         core.ID
	Kind       Kind
	Label      string
	Extends    core.ID
	Implements []core.ID
	// Domain is the explicitly declared storage partition, empty when the
	// class inherits its domain from an ancestor.
	Domain core.Domain
}

// Attribute belongs to exactly one classifier and is visible on all of its
// descendants unless overridden.
type Attribute struct {
	ID          core.ID
	AttributeOf core.ID
	Name        string
	Type        string
}

// Hierarchy is the classifier registry. It is mutated only by its owning
// pipeline's writer lane; reads may run concurrently.
type Hierarchy struct {
	mu sync.RWMutex

	classifiers map[core.ID]*Classifier
	attrDocs    map[core.ID]core.Doc
	attributes  map[core.ID]map[string]*Attribute
	attributeBy map[core.ID]*Attribute

	// memoized closures, dropped on every classifier mutation
	ancestors   map[core.ID][]core.ID
	ancestorSet map[core.ID]map[core.ID]struct{}
	descendants map[core.ID][]core.ID
	domains     map[core.ID]core.Domain
}

// New builds a registry preloaded with the builtin meta-classifiers, so
// schema documents themselves resolve to the model domain and every other
// classifier roots at Obj.
func New() *Hierarchy {
	h := &Hierarchy{
		classifiers: map[core.ID]*Classifier{},
		attrDocs:    map[core.ID]core.Doc{},
		attributes:  map[core.ID]map[string]*Attribute{},
		attributeBy: map[core.ID]*Attribute{},
	}
	h.classifiers[core.ClassObj] = &Classifier{
		ID: core.ClassObj, Kind: KindClass, Domain: core.DomainDoc,
	}
	for _, id := range []core.ID{core.ClassClass, core.ClassMixin, core.ClassInterface, core.ClassAttribute} {
		h.classifiers[id] = &Classifier{
			ID: id, Kind: KindClass, Extends: core.ClassObj, Domain: core.DomainModel,
		}
	}
	h.invalidate()
	return h
}

// ApplyTx folds a schema-defining transaction into the registry.
// Transactions targeting non-schema classes are ignored.
func (h *Hierarchy) ApplyTx(tx core.TxVariant) error {
	switch t := tx.(type) {
	case *core.TxCreateDoc:
		return h.applyCreate(t)
	case *core.TxUpdateDoc:
		return h.applyUpdate(t)
	case *core.TxRemoveDoc:
		return h.applyRemove(t)
	case *core.TxBulkWrite:
		for _, env := range t.Txes {
			inner, err := env.Open()
			if err != nil {
				return err
			}
			if err := h.ApplyTx(inner); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func (h *Hierarchy) applyCreate(tx *core.TxCreateDoc) error {
	switch tx.ObjectClass {
	case core.ClassClass, core.ClassMixin, core.ClassInterface:
		return h.addClassifier(tx)
	case core.ClassAttribute:
		return h.addAttribute(tx)
	default:
		return nil
	}
}

func (h *Hierarchy) addClassifier(tx *core.TxCreateDoc) error {
	c := &Classifier{
		ID:      tx.ObjectID,
		Kind:    classifierKind(tx.ObjectClass),
		Label:   str(tx.Attributes[core.FieldLabel]),
		Extends: core.ID(str(tx.Attributes[core.FieldExtends])),
		Domain:  core.Domain(str(tx.Attributes[core.FieldDomain])),
	}
	if impl, ok := tx.Attributes[core.FieldImplements].([]any); ok {
		for _, v := range impl {
			c.Implements = append(c.Implements, core.ID(str(v)))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkNoCycle(c.ID, c.Extends); err != nil {
		return err
	}
	h.classifiers[c.ID] = c
	if _, ok := h.attributes[c.ID]; !ok {
		h.attributes[c.ID] = map[string]*Attribute{}
	}
	h.invalidate()
	return nil
}

func (h *Hierarchy) addAttribute(tx *core.TxCreateDoc) error {
	attr := &Attribute{
		ID:          tx.ObjectID,
		AttributeOf: core.ID(str(tx.Attributes[core.FieldAttributeOf])),
		Name:        str(tx.Attributes[core.FieldName]),
		Type:        str(tx.Attributes[core.FieldType]),
	}
	if attr.AttributeOf == "" || attr.Name == "" {
		return core.NewSchemaError("attribute owner", tx.ObjectID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	owner := h.attributes[attr.AttributeOf]
	if owner == nil {
		owner = map[string]*Attribute{}
		h.attributes[attr.AttributeOf] = owner
	}
	owner[attr.Name] = attr
	h.attributeBy[attr.ID] = attr
	h.attrDocs[attr.ID] = txproc.ApplyCreate(tx)
	return nil
}

func (h *Hierarchy) applyUpdate(tx *core.TxUpdateDoc) error {
	switch tx.ObjectClass {
	case core.ClassClass, core.ClassMixin, core.ClassInterface:
		return h.updateClassifier(tx)
	case core.ClassAttribute:
		return h.updateAttribute(tx)
	default:
		return nil
	}
}

func (h *Hierarchy) updateClassifier(tx *core.TxUpdateDoc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.classifiers[tx.ObjectID]
	if !ok {
		return core.NewSchemaError(classifierKind(tx.ObjectClass).String(), tx.ObjectID)
	}
	for key, v := range tx.Operations {
		switch key {
		case core.FieldLabel:
			c.Label = str(v)
		case core.FieldDomain:
			c.Domain = core.Domain(str(v))
		case core.FieldExtends:
			next := core.ID(str(v))
			if err := h.checkNoCycle(c.ID, next); err != nil {
				return err
			}
			c.Extends = next
		}
	}
	h.invalidate()
	return nil
}

func (h *Hierarchy) updateAttribute(tx *core.TxUpdateDoc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	attr, ok := h.attributeBy[tx.ObjectID]
	if !ok {
		return core.NewSchemaError("attribute", tx.ObjectID)
	}
	doc, ok := h.attrDocs[tx.ObjectID]
	if ok {
		h.attrDocs[tx.ObjectID] = txproc.ApplyUpdate(doc, tx)
	}
	if v, ok := tx.Operations[core.FieldName]; ok {
		owner := h.attributes[attr.AttributeOf]
		delete(owner, attr.Name)
		attr.Name = str(v)
		owner[attr.Name] = attr
	}
	if v, ok := tx.Operations[core.FieldType]; ok {
		attr.Type = str(v)
	}
	return nil
}

func (h *Hierarchy) applyRemove(tx *core.TxRemoveDoc) error {
	switch tx.ObjectClass {
	case core.ClassClass, core.ClassMixin, core.ClassInterface:
		h.mu.Lock()
		delete(h.classifiers, tx.ObjectID)
		delete(h.attributes, tx.ObjectID)
		h.invalidate()
		h.mu.Unlock()
		return nil
	case core.ClassAttribute:
		h.mu.Lock()
		if attr, ok := h.attributeBy[tx.ObjectID]; ok {
			delete(h.attributes[attr.AttributeOf], attr.Name)
			delete(h.attributeBy, tx.ObjectID)
			delete(h.attrDocs, tx.ObjectID)
		}
		h.mu.Unlock()
		return nil
	default:
		return nil
	}
}

// Class returns the class node with the given id. The id resolving to a
// mixin or interface is a schema error.
func (h *Hierarchy) Class(id core.ID) (*Classifier, error) {
	return h.byKind(id, KindClass)
}

// Mixin returns the mixin node with the given id.
func (h *Hierarchy) Mixin(id core.ID) (*Classifier, error) {
	return h.byKind(id, KindMixin)
}

// Interface returns the interface node with the given id.
func (h *Hierarchy) Interface(id core.ID) (*Classifier, error) {
	return h.byKind(id, KindInterface)
}

// Classifier returns any classifier node regardless of kind.
func (h *Hierarchy) Classifier(id core.ID) (*Classifier, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.classifiers[id]
	if !ok {
		return nil, core.NewSchemaError("classifier", id)
	}
	return c, nil
}

func (h *Hierarchy) byKind(id core.ID, kind Kind) (*Classifier, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.classifiers[id]
	if !ok || c.Kind != kind {
		return nil, core.NewSchemaError(kind.String(), id)
	}
	return c, nil
}

// IsDerived reports whether walking the extends chain from a reaches b.
// Every classifier is derived from itself. Mixins participate through
// their extends chain like classes.
func (h *Hierarchy) IsDerived(a, b core.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for cur := a; cur != ""; {
		if cur == b {
			return true
		}
		c, ok := h.classifiers[cur]
		if !ok {
			return false
		}
		cur = c.Extends
	}
	return false
}

// IsImplements reports whether a or one of its ancestors implements the
// interface.
func (h *Hierarchy) IsImplements(a, iface core.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.ancestorsLocked(a)[iface]
	return ok
}

// Ancestors returns the reflexive-transitive closure over extends and
// implements.
func (h *Hierarchy) Ancestors(id core.ID) []core.ID {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cached, ok := h.ancestors[id]; ok {
		return append([]core.ID(nil), cached...)
	}
	set := h.closureLocked(id)
	out := make([]core.ID, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	h.ancestors[id] = out
	h.ancestorSet[id] = set
	// Callers get a copy; the memoized slice stays private.
	return append([]core.ID(nil), out...)
}

// Descendants returns every classifier whose ancestor closure contains id.
func (h *Hierarchy) Descendants(id core.ID) []core.ID {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cached, ok := h.descendants[id]; ok {
		return append([]core.ID(nil), cached...)
	}
	var out []core.ID
	for cid := range h.classifiers {
		if _, ok := h.closureLocked(cid)[id]; ok {
			out = append(out, cid)
		}
	}
	h.descendants[id] = out
	return append([]core.ID(nil), out...)
}

// Domain resolves the storage partition for a class by walking extends to
// the nearest ancestor with an explicit domain. The result is cached.
func (h *Hierarchy) Domain(id core.ID) (core.Domain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d, ok := h.domains[id]; ok {
		return d, nil
	}
	for cur := id; cur != ""; {
		c, ok := h.classifiers[cur]
		if !ok {
			return "", core.NewSchemaError("class", cur)
		}
		if c.Domain != "" {
			h.domains[id] = c.Domain
			return c.Domain, nil
		}
		cur = c.Extends
	}
	return "", core.NewSchemaError("domain of", id)
}

// AllAttributes returns the name-indexed attribute map of a classifier,
// honoring override order: the most derived declaration wins. When stopAt
// is non-empty the walk stops before that ancestor, which isolates the
// attributes a mixin adds on top of its base class.
func (h *Hierarchy) AllAttributes(class core.ID, stopAt core.ID) (map[string]*Attribute, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.classifiers[class]; !ok {
		return nil, core.NewSchemaError("classifier", class)
	}

	// extends chain, derived first
	var chain []core.ID
	for cur := class; cur != "" && cur != stopAt; {
		chain = append(chain, cur)
		c, ok := h.classifiers[cur]
		if !ok {
			break
		}
		cur = c.Extends
	}

	out := map[string]*Attribute{}
	// far ancestors first so derived declarations overwrite them
	for i := len(chain) - 1; i >= 0; i-- {
		cid := chain[i]
		if c, ok := h.classifiers[cid]; ok {
			for _, iface := range c.Implements {
				for name, attr := range h.attributes[iface] {
					out[name] = attr
				}
			}
		}
		for name, attr := range h.attributes[cid] {
			out[name] = attr
		}
	}
	return out, nil
}

// Attribute finds an attribute by owner and name, searching the ancestry.
func (h *Hierarchy) Attribute(class core.ID, name string) (*Attribute, error) {
	attrs, err := h.AllAttributes(class, "")
	if err != nil {
		return nil, err
	}
	attr, ok := attrs[name]
	if !ok {
		return nil, core.NewSchemaError("attribute "+name+" of", class)
	}
	return attr, nil
}

// checkNoCycle rejects an extends edge that would close a cycle.
// Callers hold the write lock.
func (h *Hierarchy) checkNoCycle(id, parent core.ID) error {
	for cur := parent; cur != ""; {
		if cur == id {
			return fmt.Errorf("classifier %s: extends cycle through %s", id, parent)
		}
		c, ok := h.classifiers[cur]
		if !ok {
			return nil
		}
		cur = c.Extends
	}
	return nil
}

// closureLocked computes the reflexive-transitive ancestor closure with an
// explicit visited-set breadth-first walk.
func (h *Hierarchy) closureLocked(id core.ID) map[core.ID]struct{} {
	set := map[core.ID]struct{}{}
	queue := []core.ID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := set[cur]; seen {
			continue
		}
		set[cur] = struct{}{}
		c, ok := h.classifiers[cur]
		if !ok {
			continue
		}
		if c.Extends != "" {
			queue = append(queue, c.Extends)
		}
		queue = append(queue, c.Implements...)
	}
	return set
}

func (h *Hierarchy) ancestorsLocked(id core.ID) map[core.ID]struct{} {
	if set, ok := h.ancestorSet[id]; ok {
		return set
	}
	return h.closureLocked(id)
}

func (h *Hierarchy) invalidate() {
	h.ancestors = map[core.ID][]core.ID{}
	h.ancestorSet = map[core.ID]map[core.ID]struct{}{}
	h.descendants = map[core.ID][]core.ID{}
	h.domains = map[core.ID]core.Domain{}
}

func classifierKind(class core.ID) Kind {
	switch class {
	case core.ClassMixin:
		return KindMixin
	case core.ClassInterface:
		return KindInterface
	default:
		return KindClass
	}
}

func str(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case core.ID:
		return string(tv)
	default:
		return ""
	}
}
