// Package mysql persists the transaction journal. It owns the MySQL
// connection pool and the embedded schema migrations shared with the job
// store, and offers a JSON-lines journal for runs without a database.
package mysql
