// Package proc hosts long-running components as signal-aware loops.
//
// A Runner drives one Component: each iteration it checks that its parent is
// alive, reacts to recorded child-exit, hang-up, terminate and abort
// signals, then calls Serve once. A Set starts a group of runners on a
// panic-safe Supervisor, broadcasts signals to them, detects unexpected
// exits and force-stops stragglers on shutdown.
package proc
