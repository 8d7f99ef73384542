package types

// ParamUpdate is a single runtime parameter change routed through the control
// channel. Names are dotted paths: "camera.*" updates go to the acquisition
// loop (forwarded to the device), "tracking.*" updates go to the tracking loop.
type ParamUpdate struct {
	Name  string
	Value float64
}

// ParamTarget identifies which loop consumes an update
type ParamTarget int

const (
	// TargetCamera routes to the acquisition loop / camera device
	TargetCamera ParamTarget = iota
	// TargetTracking routes to the tracking loop / algorithm
	TargetTracking
)
