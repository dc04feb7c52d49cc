// Package formatter renders sync status reports as CSV, JSON or Markdown for the CLI and for files.
package formatter
