// Package database provides connection management, migrations, foreign key
// handling, SQL initialization, configuration types, logging, statement
// metrics, error classification and health checks built on top of Bun.
package database
