package hierarchy

import "github.com/docstreamdb/docstream/pkg/core"

// MixinView is a typed accessor over one document seen through a mixin:
// mixin-namespaced fields resolve from the mixin's sub-map (chaining
// through ancestor mixins), everything else falls through to the base
// document. The underlying storage is never duplicated.
type MixinView struct {
	h     *Hierarchy
	doc   core.Doc
	mixin core.ID
	// chain is the mixin's ancestor chain of mixin classifiers, most
	// derived first.
	chain []core.ID
}

// AsMixin constructs the view for one mixin id over one document.
func (h *Hierarchy) AsMixin(doc core.Doc, mixin core.ID) *MixinView {
	return &MixinView{h: h, doc: doc, mixin: mixin, chain: h.mixinChain(mixin)}
}

// HasMixin reports whether the document carries the mixin: its namespaced
// sub-map is present, even if empty.
func (h *Hierarchy) HasMixin(doc core.Doc, mixin core.ID) bool {
	_, ok := doc[string(mixin)].(map[string]any)
	return ok
}

// Get resolves a field: the mixin chain's namespaces first, then the base
// document.
func (v *MixinView) Get(key string) any {
	for _, m := range v.chain {
		if ns, ok := v.doc[string(m)].(map[string]any); ok {
			if val, ok := ns[key]; ok {
				return val
			}
		}
	}
	return v.doc[key]
}

// Set writes a mixin field into the mixin's own namespace, materializing
// it if needed. Base fields are not writable through the view.
func (v *MixinView) Set(key string, value any) {
	ns, ok := v.doc[string(v.mixin)].(map[string]any)
	if !ok {
		ns = map[string]any{}
		v.doc[string(v.mixin)] = ns
	}
	ns[key] = value
}

// Doc flattens the view into a standalone document for filter matching:
// a clone of the base overlaid with the chain's namespaced fields, typed
// as the mixin. The stored document is untouched.
func (v *MixinView) Doc() core.Doc {
	out := v.doc.Clone()
	for i := len(v.chain) - 1; i >= 0; i-- {
		if ns, ok := v.doc[string(v.chain[i])].(map[string]any); ok {
			for k, val := range ns {
				out[k] = core.CloneValue(val)
			}
		}
	}
	out[core.FieldClass] = v.mixin
	return out
}

// mixinChain collects the extends chain of mixin classifiers starting at
// the given mixin, most derived first.
func (h *Hierarchy) mixinChain(mixin core.ID) []core.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var chain []core.ID
	for cur := mixin; cur != ""; {
		c, ok := h.classifiers[cur]
		if !ok || c.Kind != KindMixin {
			break
		}
		chain = append(chain, cur)
		cur = c.Extends
	}
	return chain
}

// BaseClass walks a mixin's extends chain to the first plain class: the
// class whose storage domain the mixin's instances share.
func (h *Hierarchy) BaseClass(mixin core.ID) (core.ID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for cur := mixin; cur != ""; {
		c, ok := h.classifiers[cur]
		if !ok {
			return "", core.NewSchemaError("classifier", cur)
		}
		if c.Kind == KindClass {
			return cur, nil
		}
		cur = c.Extends
	}
	return "", core.NewSchemaError("base class of", mixin)
}
