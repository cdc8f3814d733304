// Package log defines the structured logging contract shared by every
// lib-reliable component.
//
// Components never depend on a concrete backend. They accept a Logger and
// fall back to NewNop when none is configured. The zap subpackage provides
// the production implementation.
package log
