package receipt

import (
	"sync"
)

// VisibilityPort is the visibility-detection primitive the trigger
// depends on. onVisible is called when ref becomes at least threshold
// visible.
type VisibilityPort interface {
	Observe(ref string, threshold float64, onVisible func())
	Unobserve(ref string)
}

type observation struct {
	threshold float64
	onVisible func()
	visible   bool
}

// Viewport is a VisibilityPort driven by the host, which reports the
// visible ratio of each element as it scrolls. Callbacks fire once per
// crossing of the threshold, synchronously inside Report.
type Viewport struct {
	mu    sync.Mutex
	refs  map[string]*observation
	ratio map[string]float64
}

// NewViewport returns an empty viewport.
func NewViewport() *Viewport {
	return &Viewport{
		refs:  make(map[string]*observation),
		ratio: make(map[string]float64),
	}
}

// Observe starts watching ref. When ref was already reported visible
// enough, onVisible fires immediately.
func (v *Viewport) Observe(ref string, threshold float64, onVisible func()) {
	v.mu.Lock()
	o := &observation{threshold: threshold, onVisible: onVisible}
	v.refs[ref] = o
	fire := v.ratio[ref] >= threshold && threshold > 0
	o.visible = fire
	v.mu.Unlock()

	if fire {
		onVisible()
	}
}

func (v *Viewport) Unobserve(ref string) {
	v.mu.Lock()
	delete(v.refs, ref)
	v.mu.Unlock()
}

// Report records that ratio (0..1) of ref is on screen.
func (v *Viewport) Report(ref string, ratio float64) {
	v.mu.Lock()
	v.ratio[ref] = ratio
	o, ok := v.refs[ref]
	if !ok {
		v.mu.Unlock()
		return
	}
	fire := false
	switch {
	case ratio >= o.threshold && !o.visible:
		o.visible = true
		fire = true
	case ratio < o.threshold:
		o.visible = false
	}
	fn := o.onVisible
	v.mu.Unlock()

	if fire {
		fn()
	}
}

// Forget drops the last reported ratio of ref, e.g. when the element left
// the page.
func (v *Viewport) Forget(ref string) {
	v.mu.Lock()
	delete(v.ratio, ref)
	v.mu.Unlock()
}

// Observed returns how many refs are being watched.
func (v *Viewport) Observed() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.refs)
}
