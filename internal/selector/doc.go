// Package selector chooses the single target point the motion stage
// should chase, frame by frame.
//
// Responsibilities: lightweight re-identification of the previous target
// through coarse spatial buckets, composite scoring of candidates, lock
// stickiness with switch hysteresis, resistance to transient confidence
// collapse ("attack protection"), exponential smoothing and optional
// velocity/acceleration prediction.
// Key types: Tracker, LockState, Decision.
//
// Re-identification is approximate. Two close objects can
// share a bucket and be merged, and a fast object can leave its bucket
// and be recovered only through the nearest-within-radius fallback. The
// package does not attempt full multi-object association.
//
// A Tracker is owned by the perception goroutine. Only UpdateConfig may
// be called from elsewhere.
package selector
