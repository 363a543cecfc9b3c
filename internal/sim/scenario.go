// Package sim runs the tracking and motion stack in a closed loop against
// scripted targets.
//
// The simulated camera is view-locked: every actuator move shifts the view,
// so an object's screen position is the screen centre plus its world
// position minus the accumulated view offset. Frames are stepped on a mock
// clock, which makes a run fully deterministic for a given seed.
package sim

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/trackpoint/internal/target"
)

// Object is one scripted detection source in world pixels, relative to
// the view at rest.
type Object struct {
	Pos        target.Point
	Confidence float64
	Width      float64 // box size; zero uses 40x100
	Height     float64
	Hidden     bool // occluded this frame
}

// Scenario scripts a run. Objects(i) returns the objects present in frame
// i; index 0 is the primary target that error is measured against.
type Scenario struct {
	Name          string
	Description   string
	Frames        int
	FrameInterval time.Duration
	Objects       func(frame int) []Object
}

func static(x, y, conf float64) Object {
	return Object{Pos: target.Point{X: x, Y: y}, Confidence: conf}
}

var scenarios = []Scenario{
	{
		Name:        "static",
		Description: "single stationary target off-centre",
		Frames:      180,
		Objects: func(int) []Object {
			return []Object{static(150, -60, 0.9)}
		},
	},
	{
		Name:        "linear",
		Description: "target crossing at constant speed",
		Frames:      240,
		Objects: func(i int) []Object {
			return []Object{static(-150+3*float64(i), 40, 0.9)}
		},
	},
	{
		Name:        "circular",
		Description: "target orbiting the rest position",
		Frames:      240,
		Objects: func(i int) []Object {
			a := 2 * math.Pi * float64(i) / 240
			return []Object{static(120*math.Cos(a), 120*math.Sin(a), 0.9)}
		},
	},
	{
		Name:        "zigzag",
		Description: "target reversing direction every second",
		Frames:      240,
		Objects: func(i int) []Object {
			dx := 4 * float64(i%60)
			if (i/60)%2 == 1 {
				dx = 240 - dx
			}
			return []Object{static(-100+dx, 30, 0.9)}
		},
	},
	{
		Name:        "multi",
		Description: "confident target with a weaker decoy in view",
		Frames:      180,
		Objects: func(int) []Object {
			return []Object{static(80, -40, 0.9), static(-120, 60, 0.6)}
		},
	},
	{
		Name:        "attack",
		Description: "locked target's confidence sags while a confident decoy sits nearby",
		Frames:      180,
		Objects: func(i int) []Object {
			conf := 0.9
			if i >= 60 && i < 66 {
				conf = 0.58
			}
			return []Object{static(100, 30, conf), static(-150, 150, 0.95)}
		},
	},
	{
		Name:        "dropout",
		Description: "target occluded for a quarter second",
		Frames:      180,
		Objects: func(i int) []Object {
			o := static(100, 30, 0.9)
			o.Hidden = i >= 60 && i < 75
			return []Object{o}
		},
	},
}

// Scenarios returns the built-in scenarios, sorted by name.
func Scenarios() []Scenario {
	out := append([]Scenario(nil), scenarios...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the built-in scenario with the given name.
func Lookup(name string) (Scenario, error) {
	for _, sc := range scenarios {
		if sc.Name == name {
			return sc, nil
		}
	}
	return Scenario{}, fmt.Errorf("unknown scenario %q", name)
}
