package bus

import "launchpad/internal/metrics"

// --- Well-known event names ---
//
// The bus accepts any string; these are the events raised by launchpad's own
// state sources.
const (
	EventAuthChange          = "authChange"
	EventDevChange           = "devChange"
	EventBrowserStatusChange = "browserStatusChange"
	EventConfigChange        = "configChange"
	EventSpecsChange         = "specsChange"
	EventCloudViewerChange   = "cloudViewerChange"
	EventNotifyClientRefetch = "notifyClientRefetch"
	EventToApp               = "toApp"
	EventToLaunchpad         = "toLaunchpad"
)

// KnownEvents lists the well-known event names in a stable order.
func KnownEvents() []string {
	return []string{
		EventAuthChange,
		EventDevChange,
		EventBrowserStatusChange,
		EventConfigChange,
		EventSpecsChange,
		EventCloudViewerChange,
		EventNotifyClientRefetch,
		EventToApp,
		EventToLaunchpad,
	}
}

func init() {
	metrics.TrackEvents(KnownEvents()...)
}

// Emitter publishes the well-known events on a Bus. Components that change
// application state hold an Emitter rather than the Bus itself.
type Emitter struct {
	bus *Bus
}

func NewEmitter(b *Bus) *Emitter {
	return &Emitter{bus: b}
}

// Bus returns the underlying bus.
func (e *Emitter) Bus() *Bus { return e.bus }

// AuthChange reports that the signed-in user changed. user may be nil on
// logout.
func (e *Emitter) AuthChange(user any) {
	e.bus.Signal(EventAuthChange, user)
}

// DevChange reports that files under a watched dev-mode directory changed.
func (e *Emitter) DevChange(paths ...string) {
	e.bus.Signal(EventDevChange, stringArgs(paths)...)
}

// BrowserStatusChange reports a launched-browser transition such as
// "opening", "open" or "closed".
func (e *Emitter) BrowserStatusChange(status string) {
	e.bus.Signal(EventBrowserStatusChange, status)
}

func (e *Emitter) ConfigChange(path string) {
	e.bus.Signal(EventConfigChange, path)
}

func (e *Emitter) SpecsChange(paths ...string) {
	e.bus.Signal(EventSpecsChange, stringArgs(paths)...)
}

func (e *Emitter) CloudViewerChange() {
	e.bus.Signal(EventCloudViewerChange)
}

// NotifyClientRefetch asks connected clients to re-fetch the named targets.
func (e *Emitter) NotifyClientRefetch(targets ...string) {
	e.bus.Signal(EventNotifyClientRefetch, stringArgs(targets)...)
}

// ToApp forwards an opaque message to the app surface.
func (e *Emitter) ToApp(args ...any) {
	e.bus.Signal(EventToApp, args...)
}

// ToLaunchpad forwards an opaque message to the launchpad surface.
func (e *Emitter) ToLaunchpad(args ...any) {
	e.bus.Signal(EventToLaunchpad, args...)
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
