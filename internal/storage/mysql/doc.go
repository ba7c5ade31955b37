// Package mysql persists plugin records, installations, sealed secrets, webhook dead letters
// and plugin documents in MySQL. Schema changes are applied from the embedded migrations in
// deploy/migrations on open.
package mysql
