// Package testing contains shared testing utilities
package testing
