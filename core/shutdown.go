package core

import "context"

// ShutdownFunc is one step run by the shutdown manager, in priority order,
// when the bot stops. ctx carries the overall shutdown deadline; a step that
// outlives it is reported as failed and the remaining steps still run.
type ShutdownFunc func(ctx context.Context) error
