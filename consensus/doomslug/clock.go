package doomslug

import "time"

// Clock supplies the wall-clock timestamp attached to debug-only history
// entries (see Engine.updateHistory in engine.go). It is never consulted
// to make a production
// decision — decisions are driven entirely by caller-supplied Instant
// values — so tests can leave it at its default or stub it for
// reproducible golden output.
type Clock func() time.Time

func defaultClock() time.Time { return time.Now() }
