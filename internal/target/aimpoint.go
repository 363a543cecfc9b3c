package target

import (
	"math"

	"github.com/banshee-data/trackpoint/internal/config"
)

// AimBand overrides the aim ratios for boxes taller than MinHeight.
type AimBand struct {
	MinHeight    float64
	YRatio       float64
	XOffsetRatio float64
}

// AimConfig controls how a bounding box maps to an aim point and which
// detections become candidates at all.
type AimConfig struct {
	YRatio       float64 // fraction of box height from the top, nominally [0,1]
	XOffsetRatio float64 // fraction of box width from the left, nominally [-1,2]
	Bands        []AimBand

	MinConfidence float64
	ClassIDs      []int // empty accepts every class
}

// AimConfigFromTuning builds an AimConfig from a loaded TuningConfig.
func AimConfigFromTuning(cfg *config.TuningConfig) AimConfig {
	ac := AimConfig{
		YRatio:        cfg.GetAimYRatio(),
		XOffsetRatio:  cfg.GetAimXOffsetRatio(),
		MinConfidence: cfg.GetMinConfidence(),
		ClassIDs:      cfg.GetTargetClassIDs(),
	}
	for _, b := range cfg.GetAimBands() {
		ac.Bands = append(ac.Bands, AimBand{MinHeight: b.MinHeight, YRatio: b.YRatio, XOffsetRatio: b.XOffsetRatio})
	}
	return ac
}

// Calculator maps bounding boxes to aim points. It is a pure function of
// its config. The ratios are not clamped.
type Calculator struct {
	cfg AimConfig
}

// NewCalculator returns a Calculator for cfg.
func NewCalculator(cfg AimConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// ratios returns the aim ratios for a box of height h.
func (c *Calculator) ratios(h float64) (xRatio, yRatio float64) {
	for _, b := range c.cfg.Bands {
		if h > b.MinHeight {
			return b.XOffsetRatio, b.YRatio
		}
	}
	return c.cfg.XOffsetRatio, c.cfg.YRatio
}

// Calculate returns the absolute screen aim point for box, which is given
// in capture-local coordinates. Coordinates truncate toward zero.
func (c *Calculator) Calculate(box Box, origin Origin) (screenX, screenY int) {
	p := c.point(box, origin)
	return int(p.X), int(p.Y)
}

func (c *Calculator) point(box Box, origin Origin) Point {
	w, h := box.Width(), box.Height()
	xRatio, yRatio := c.ratios(h)
	cx := math.Trunc(box.X1 + w*xRatio)
	cy := math.Trunc(box.Y1 + h*yRatio)
	return Point{X: cx + float64(origin.Left), Y: cy + float64(origin.Top)}
}

// Accepts reports whether d passes the confidence floor and class filter.
func (c *Calculator) Accepts(d Detection) bool {
	if math.IsNaN(d.Confidence) || d.Confidence < c.cfg.MinConfidence {
		return false
	}
	if len(c.cfg.ClassIDs) == 0 {
		return true
	}
	for _, id := range c.cfg.ClassIDs {
		if id == d.ClassID {
			return true
		}
	}
	return false
}

// Candidates converts a frame's detections into candidate aim points,
// dropping filtered detections. IDs are left empty for the tracker to
// assign.
func (c *Calculator) Candidates(dets []Detection, origin Origin) []Candidate {
	out := make([]Candidate, 0, len(dets))
	for _, d := range dets {
		if !c.Accepts(d) {
			continue
		}
		p := c.point(d.Box, origin)
		out = append(out, Candidate{X: p.X, Y: p.Y, Confidence: d.Confidence})
	}
	return out
}
