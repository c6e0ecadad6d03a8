// Package app composes the build orchestrator: it wires domain services to
// their stores and manages their lifecycle. It holds no business logic of its
// own.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── prompt/         # Submitted app descriptions
//	│   ├── app/            # App aggregate and its status machine
//	│   └── build/          # Build attempts, platforms, status machine
//	├── fault/              # Structured error taxonomy
//	├── guard/              # Ownership resolution (deny == not found)
//	├── storage/            # Store interfaces and implementations
//	│   ├── interfaces.go   # PromptStore, AppStore, BuildStore, BuildLogStore
//	│   ├── memory/         # In-memory implementation for tests/dev
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/
//	│   ├── apps/           # Prompt submission + app lifecycle engine
//	│   └── builds/         # Build dispatch, numbering, worker reports
//	├── system/             # Lifecycle management (Service, Manager)
//	└── httpapi/            # HTTP surface for users and worker callbacks
//
// Build numbering and status transitions rely on the transactional contracts
// of the storage interfaces, so the orchestrator itself is stateless and can
// run as multiple replicas against one shared store.
package app
