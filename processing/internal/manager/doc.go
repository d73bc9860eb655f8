// Package manager owns the processing lifecycle: at most one worker at a time,
// the ROI settings it reads, and the statistics it writes.
//
// Lifecycle:
//
//	stopped ──Start──▶ starting ──ready──▶ processing
//	   ▲                  │                    │
//	   └──── timeout ─────┘◀──── Stop/fatal ───┘
//
// ROI settings are an immutable roi.Settings behind an atomic pointer; a
// setter replaces the whole value, so the worker never sees a torn pair.
// Statistics follow the same pattern with the worker as the only writer.
package manager
