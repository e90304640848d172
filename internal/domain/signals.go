package domain

import "time"

// SignalType names a raw window, input or camera signal forwarded by the UI.
type SignalType string

const (
	SignalVisibility   SignalType = "visibility"
	SignalBlur         SignalType = "blur"
	SignalFocus        SignalType = "focus"
	SignalPointerLeave SignalType = "pointer_leave"
	SignalKeyDown      SignalType = "keydown"
	SignalFace         SignalType = "face"
	SignalCamera       SignalType = "camera"
)

// Signal is one observation fed to the violation detector. Only the fields
// relevant to Type are read.
type Signal struct {
	Type SignalType `json:"type"`
	At   time.Time  `json:"at"`

	Hidden bool `json:"hidden,omitempty"`

	ClientY float64 `json:"clientY,omitempty"`

	Key   string `json:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
	Alt   bool   `json:"alt,omitempty"`

	FacePresent bool `json:"facePresent,omitempty"`
	GazeAway    bool `json:"gazeAway,omitempty"`

	CameraOn bool `json:"cameraOn,omitempty"`
}
