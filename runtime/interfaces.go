package runtime

import "context"

// Initializer interface allows plugins to perform startup initialization.
// App.RegisterPlugin calls Initialize before the plugin's functions are registered.
type Initializer interface {
	// Initialize is called once, with config already applied to the plugin.
	// Use this to establish connections, initialize clients, etc.
	Initialize(ctx context.Context) error
}

// Shutdowner interface allows plugins to perform graceful shutdown.
// App.Shutdown calls Shutdown on every registered plugin implementing it.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// lifecycleMethods are never registered as workflow functions.
var lifecycleMethods = map[string]bool{
	"Initialize": true,
	"Shutdown":   true,
}
