// Package runtime contains panic recovery helpers and goroutine launchers
// for the background loops. A recovered panic is logged with its stack,
// counted in the panic metric and attached to the active span.
package runtime
