// Package integration provides integration tests for gitbridge.
// These tests run the complete server in process and drive it with a git
// client over HTTP, covering clone, fetch, authentication and the admin API.
package integration
