// Package reliable hosts the long-running workers of the reliable delivery
// library. Outbox senders, inbox dispatchers, cleaners and bus consumers all
// implement App and run side by side under a Launcher.
package reliable
