// Package events defines the inbound event stream the core consumes. How
// tabs are tracked is explicitly out of scope (spec 1): Source stands in
// for the browser's request/tab observation API adapter and is left
// entirely abstract — nothing in this module's reference corpus models a
// browser tab API, so unlike htmlextract/transport there is no concrete
// default adapter here.
package events

import "github.com/whotracksme/webextension-packages-sub000/internal/types"

// PageObserved is produced by the out-of-scope tab observer whenever a tab
// settles on a new page.
type PageObserved struct {
	Page types.PageObservation
}

// RequestObserved is produced for every third-party HTTP request the tab
// observer sees.
type RequestObserved struct {
	Request         types.RequestObservation
	ResponseHeaders map[string]string
}

// ClickKind distinguishes the element a click landed on.
type ClickKind string

const (
	ClickLink   ClickKind = "link"
	ClickButton ClickKind = "button"
	ClickOther  ClickKind = "other"
)

// Click is produced when the user clicks inside an observed tab. The
// activity estimator only cares that interaction happened, not what kind;
// Kind is carried through so a future consumer can distinguish them without
// a Source API change.
type Click struct {
	TabID int
	URL   string
	Kind  ClickKind
}

// NavigationKind distinguishes navigation causes.
type NavigationKind string

const (
	NavigationForwardBack NavigationKind = "forward_back"
	NavigationLink        NavigationKind = "link"
	NavigationTyped       NavigationKind = "typed"
	NavigationReload      NavigationKind = "reload"
)

// Navigation is produced on every tab navigation.
type Navigation struct {
	TabID int
	Kind  NavigationKind
}

// Source is the out-of-scope tab/request observation adapter. The core only
// ever consumes events off the channels it exposes; nothing in this module
// constructs a concrete Source.
type Source interface {
	PageObserved() <-chan PageObserved
	RequestObserved() <-chan RequestObserved
	Clicks() <-chan Click
	Navigations() <-chan Navigation
}
