package storage

import "errors"

// ErrConnectivity reports that the backend could not be reached. Callers
// treat it as "no rows this cycle" and retry on the next cycle; it is never
// conflated with a legitimately empty result set.
var ErrConnectivity = errors.New("storage backend unreachable")
