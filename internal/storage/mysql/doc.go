// Package mysql provides persistence for executed buy-back swaps, with a
// JSON-file backed repository for local development and a real MySQL
// implementation for deployments.
package mysql
