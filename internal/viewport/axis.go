// Package viewport maps cached events to vertical screen positions under a
// continuous time axis or a discrete ordinal axis, animating between the two.
package viewport

import (
	"fmt"
	"math"
)

// Mode names the coordinate model of an axis
type Mode int

const (
	ModeContinuous Mode = iota
	ModeDiscrete
)

func (m Mode) String() string {
	switch m {
	case ModeContinuous:
		return "continuous"
	case ModeDiscrete:
		return "discrete"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Axis is either Continuous or Discrete
type Axis interface {
	Mode() Mode
}

// Continuous maps the time domain [Min, Max] (unix ms) onto [top, bottom]
type Continuous struct {
	Min int64
	Max int64
}

// Mode implements Axis
func (Continuous) Mode() Mode { return ModeContinuous }

// Span returns Max - Min, at least 1
func (c Continuous) Span() int64 {
	return max(c.Max-c.Min, 1)
}

// Center returns the middle of the domain
func (c Continuous) Center() int64 {
	return c.Min + (c.Max-c.Min)/2
}

// Discrete places events Step pixels apart counting back from AnchorID,
// shifted down by Offset pixels.
type Discrete struct {
	AnchorID string
	Step     float64
	Offset   float64
}

// Mode implements Axis
func (Discrete) Mode() Mode { return ModeDiscrete }

// ModeError reports a mode-specific operation invoked in the wrong mode
type ModeError struct {
	Op   string
	Want Mode
	Got  Mode
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("viewport: %s requires %s mode, axis is %s", e.Op, e.Want, e.Got)
}

// Ease maps linear progress x to the blend factor sin²(πx/2), clamping x to [0,1]
func Ease(x float64) float64 {
	x = math.Max(0, math.Min(1, x))
	s := math.Sin(math.Pi * x / 2)
	return s * s
}

// State is a snapshot of the controller's axis
type State struct {
	Mode       Mode
	Axis       Axis // authoritative axis
	From       Axis // outgoing axis while transitioning, nil at rest
	Alpha      float64
	LiveFollow bool
	Height     float64
}

// Transitioning reports whether a mode switch animation is running
func (s State) Transitioning() bool { return s.From != nil }
