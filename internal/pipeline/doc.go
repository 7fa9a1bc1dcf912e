// Package pipeline drives the per-frame loop: capture, detection,
// verification, status output and streaming.
//
// This package is the composition root of the core. It owns the box list,
// the verification strategy and the enrollment bank, and serializes every
// mutation of them in one critical section per frame. None of the packages
// it wires import pipeline/.
package pipeline
