// Package progress moves visit reports off the worker's critical path. The
// Hub buffers reports, batches them on a background goroutine and fans each
// batch out to pluggable sinks such as the Postgres history store.
package progress
