// Package target holds the per-frame data model shared by the tracking
// and motion stages: detections as they arrive from the detector, the
// candidate aim points derived from them, and the geometry helpers both
// stages use.
//
// Candidates are created fresh every frame and discarded at the end of
// it. Nothing in this package keeps state across frames.
package target
