// Package internal documents the inventory server internals.
//
// The internal tree is organized by responsibility:
// - api: HTTP handlers, middleware, problem responses, and routing
// - domain: book and user business logic and domain models
// - storage: Postgres repositories, migrations, and seed data
// - jobs: background workers and queues
// - auth, audit, config, metrics, telemetry: shared infrastructure
// - mcp, apiclient, loadtest: tooling built on the services and the API
//
// Code in internal/ is not meant for external import.
package internal
