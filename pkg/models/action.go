package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// NullMethod marks a compensating descriptor that deliberately does nothing.
const NullMethod = "__null__"

// ActionDescriptor names an operation on a dispatch target. The engine never
// interprets Args.
type ActionDescriptor struct {
	Target string        `json:"target"`
	Method string        `json:"method"`
	Args   []interface{} `json:"args,omitempty"`
}

// IsNull reports whether d is the explicit "no undo" marker.
func (d ActionDescriptor) IsNull() bool {
	return d.Method == NullMethod
}

func (d ActionDescriptor) String() string {
	if d.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%s.%s", d.Target, d.Method)
}

// NullCompensation returns the marker used for steps that truly have no undo.
func NullCompensation() *ActionDescriptor {
	return &ActionDescriptor{Method: NullMethod}
}

// Action carries the forward operation of a step together with its
// compensation. A nil Compensate means no compensation was recorded.
type Action struct {
	Forward    ActionDescriptor  `json:"forward"`
	Compensate *ActionDescriptor `json:"compensate,omitempty"`
}

// NewAction is shorthand for an Action with a forward descriptor and an
// optional compensation.
func NewAction(forward ActionDescriptor, compensate *ActionDescriptor) Action {
	return Action{Forward: forward, Compensate: compensate}
}

// HasCompensation reports whether rolling back the step invokes anything.
func (a Action) HasCompensation() bool {
	return a.Compensate != nil && !a.Compensate.IsNull()
}

// Value stores the action as a JSON document.
func (a Action) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan loads an action stored by Value.
func (a *Action) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	case nil:
		*a = Action{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into Action", src)
}
