// Package syncerr names the error kinds spec.md §7 enumerates. These are
// kinds, not a hierarchy of types: callers branch on errors.Is against the
// sentinels, and wrap with github.com/pkg/errors for context/cause chains.
package syncerr

import "github.com/pkg/errors"

var (
	// ErrTransientIO marks a retryable filesystem/network hiccup. The
	// indexer retries once for the current entry, then logs non-critical.
	ErrTransientIO = errors.New("transient i/o error")

	// ErrPermissionDenied means the entry is recorded as inaccessible
	// rather than dropped.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDependencyMissing means a sync apply referenced a not-yet-known
	// UUID (parent entry, content-identity, device); the message is
	// queued in the dependency tracker.
	ErrDependencyMissing = errors.New("dependency not yet present")

	// ErrConcurrentInsert marks a UNIQUE-violation-shaped race on
	// content-identity creation; the caller re-reads the existing row.
	ErrConcurrentInsert = errors.New("concurrent insert")

	// ErrSerialization is fatal to the one message it affects; never
	// retried.
	ErrSerialization = errors.New("message serialization failed")

	// ErrCancelled propagates a job cancellation request unchanged.
	ErrCancelled = errors.New("job cancelled")

	// ErrShutdown is observed at a job's interrupt point during runtime
	// shutdown; the job pauses and persists state instead of failing.
	ErrShutdown = errors.New("runtime shutting down")

	// ErrPairingTimeout marks retry-exhaustion during the pairing dial
	// sequence; the session fails and is user-visible.
	ErrPairingTimeout = errors.New("pairing timed out")

	// ErrNotFound is a general not-found signal for store lookups.
	ErrNotFound = errors.New("not found")
)

// IsTransient reports whether err should be retried once before being
// recorded as a non-critical failure.
func IsTransient(err error) bool { return errors.Is(err, ErrTransientIO) }

// IsDependencyMissing reports whether a sync-apply error should enqueue the
// message in the dependency tracker rather than drop it.
func IsDependencyMissing(err error) bool { return errors.Is(err, ErrDependencyMissing) }
