package worker

import "context"

// Engine performs the work behind each stage. Implementations must return
// promptly once ctx is canceled; the worker cancels it on interruption and
// waits for the call to come back.
type Engine interface {
	// Lock acquires the host-wide run lock.
	Lock(ctx context.Context) error
	// Preconfigure loads configuration and plugins once the lock is held.
	Preconfigure(ctx context.Context) error
	Configure(ctx context.Context) error
	Prepare(ctx context.Context) error
	Start(ctx context.Context) error
	// Poll waits for the test to finish and returns its exit code.
	Poll(ctx context.Context) (int, error)
	// End stops the test; it is called even if Start or Poll failed.
	End(ctx context.Context, retcode int) (int, error)
	PostProcess(ctx context.Context, retcode int) (int, error)
	// Unlock releases the run lock.
	Unlock(ctx context.Context) error
}
