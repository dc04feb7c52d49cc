// Package shared defines shared helpers: configuration, logging, database access, migrations and error kinds.
package shared
