// Package app composes the energy monitor from its services and backends.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Records: energy readings, profiles, connections
//	├── storage/            # Store interfaces and memory/postgres/dynamo implementations
//	├── services/           # energy, alerts, accounts, uploads, prediction,
//	│                       # training, realtime, authorizer
//	├── httpapi/            # REST routes, upload sink, websocket endpoint
//	├── lambdas/            # aws-lambda-go event adapters over the same services
//	├── system/             # Lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/energyd, cmd/energy-lambda
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► internal/app/services (business rules)
//	      │           │
//	      │           └──► internal/app/storage, internal/platform (backends)
//	      │
//	      └──► internal/app/httpapi, internal/app/lambdas (transports)
//
// Both deployment shapes build the same Application; they differ only in
// which transport feeds it and which backends Deps names.
package app
