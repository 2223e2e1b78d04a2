// Package lock provides per-account single-flight: at most one in-flight
// operation (sync pass, renewal, auto-fix) per account at any time.
// Acquisition is non-blocking; a second caller is expected to drop its work
// rather than queue.
package lock

import "context"

// Locker acquires an advisory lock for a key. Acquire returns ok=false
// without blocking when the key is already held; release must be called
// exactly once when ok is true.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}
