// Package lifecycle implements the session lifecycle controller: the state
// machine that owns the single connection handle, serializes its
// initialization, reacts to its events and decides between reconnecting and
// wiping the stored session.
//
// # State Machine
//
//	IDLE → INITIALIZING → AWAITING_PAIRING → AUTHENTICATED → CONNECTED
//	                   ↘ CONNECTED (stored session still valid)
//	CONNECTED → DISCONNECTED → INITIALIZING (after RetryDelay)
//	any → IDLE (Stop, Restart, initialization failure)
//
// # Concurrency
//
// Handle events are tagged with the generation of the handle that emitted
// them and funneled through one buffered channel, consumed by a single
// goroutine. Events from a generation that is no longer current are dropped,
// both at the sink and again in the loop. Concurrent Start calls collapse
// into one in-flight initialization via singleflight. The heartbeat only
// reads state and logs it.
//
// # Usage
//
//	ctrl, err := lifecycle.New(lifecycle.Config{
//	    Factory: &connection.BridgeFactory{URL: url, SessionDir: dir},
//	    Store:   session.NewStore(nil, dir, logger),
//	    Bus:     bus,
//	    Logger:  logger,
//	})
//	if err != nil { ... }
//	defer ctrl.Close()
//
//	if err := ctrl.Start(ctx); err != nil { ... }
package lifecycle
