// Package tracking follows a verified face between verifications.
//
// Two strategies share the BoxTracker interface. The geometric Tracker keeps
// a single smoothed box and matches detections by confidence or overlap.
// The MultiTracker runs a constant-velocity Kalman filter per detection in a
// fixed array of slots and follows whichever slot was bound at lock time.
//
// Neither type is safe for concurrent use; the pipeline driver serialises
// every call inside its per-frame critical section.
package tracking
