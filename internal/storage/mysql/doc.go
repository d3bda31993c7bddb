// Package mysql provides the archive repositories backed by MySQL: settled
// payments and finished workflow executions. File-backed implementations with
// the same interfaces serve tests and single-node deployments. Schema changes
// ship as embedded migrations under deploy/migrations.
package mysql
