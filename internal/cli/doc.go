// Package cli implements the simctl commands on top of a small client for
// the orchestrator HTTP API.
package cli
