// Package event lets observers follow the session lifecycle without
// depending on the controller.
//
// The lifecycle controller is the only publisher. The terminal QR printer,
// the qr.png writer and the debug log subscriber in serve react to events
// but never mutate controller state.
//
// Event type strings are dotted, e.g. [TypeStateChanged] is
// "lifecycle.state_changed" and [TypeLockLost] is "lock.lost". Subscribe to
// one of them, or use [Bus.SubscribeAll]:
//
//	bus := event.NewBus(event.WithLogger(logger))
//	bus.Subscribe(event.TypePairingIssued, func(e event.Event) {
//	    issued := e.(event.PairingIssuedEvent)
//	    _ = os.WriteFile("qr.png", issued.Image, 0o644)
//	})
//
// Handlers run synchronously on the publishing goroutine, in subscription
// order, type-specific listeners before catch-all ones. A panic in one
// handler is logged and the remaining handlers still run.
package event
