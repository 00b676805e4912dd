// Package ws carries the relay between simulator plugins and strip board
// subscribers.
//
// The package implements:
//   - PluginConn: one plugin WebSocket with a bounded send queue
//   - Subscriber: one event stream receiver with a bounded queue that is
//     disconnected when it overflows
//   - Handler: plugin socket read and write pumps
//   - Service: register/cache/broadcast handling, command submission,
//     presence reports, idle eviction and snapshot flushing
//
// Frames from one plugin socket are handled in arrival order by its read
// pump. Broadcast enqueueing happens under the session lock, so every
// subscriber sees events in processing order.
package ws
