// Package config loads relay settings from dotenv files, environment
// variables and optional YAML files, and converts them into the typed
// configs of the other packages.
//
// Every key can be set from the environment with the RELIABLE prefix and
// dots replaced by underscores, e.g. RELIABLE_OUTBOX_BATCH_SIZE.
package config
