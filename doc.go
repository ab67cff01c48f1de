/*
Package flashbus provides a fast, in-process event bus that can't leak its consumers.

# Design Priorities

Here are the design priorities of the implementation:

  - It should be fast enough to post hundreds of thousands of events per second without allocating per delivery.
  - It should never be the reason a consumer stays in memory, so forgetting to unregister is harmless.
  - It should deliver on a predictable execution context, in a predictable order.
  - A misbehaving handler should only affect its own deliveries.

# Events and Handlers

Any value can be an [Event].
Events are matched by their exact dynamic type, so there is no delivery to handlers registered for an embedded type, an interface, or the pointer/value counterpart of the posted type.
Use [TypeOf] to get the [EventType] for a registration.

A [Handler] has a single OnEvent method.
Handlers are registered by pointer with [Register] and held by weak reference, so once nothing else references a handler it's eventually dropped from the bus.
The pointer is the handler's identity, so zero-sized handler types are rejected.
For simple cases, [NewFunc] wraps a function, but the returned pointer must be kept reachable by the caller.

# Execution Contexts

Each registration names a [ThreadMode]:
  - [Main] deliveries run on the main [Looper], which the application drives with [Looper.Run] or [Looper.RunPending], the same way a UI thread runs its message loop.
    Another [Executor] may be provided with [WithMainExecutor].
  - [Background] deliveries run on a goroutine started by the bus.

A handler may only be bound to one execution context at a time, and [Register] returns [ErrConflictingRegistration] if that's violated.
Each execution context has one dispatch queue and at most one active drain, so handlers on the same context never run concurrently with each other.

# Sticky Events

[EventBus.PostSticky] keeps the last event of each type.
A handler registered later receives it synchronously during [Register], on the registering goroutine, before it's added to the live handlers.
Use [EventBus.GetSticky] or [Sticky] to read it, and [EventBus.RemoveSticky] to drop it.

# Errors

A handler that panics is recovered, logged with the configured zap logger, and reported to the function set with [WithErrorHandler] as a [ConsumerError].
Posting never fails, and nil arguments are ignored.

# Initialization

There are two ways to get an [EventBus]:
  - Use the [Default] function to get a global singleton [EventBus].
  - Use the [New] function with [Option] values to get an instance.
*/
package flashbus
