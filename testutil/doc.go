// Package testutil provides in-memory capture fixtures for tests: a frame
// source driven by hand, a sink that records what it receives, and a
// tracker that counts frame releases.
package testutil
