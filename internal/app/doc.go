// Package app contains the core application logic. It loads the module
// catalog and the deployment, connects every selected module instance to
// the bus and keeps them running until the context is cancelled, decoupled
// from any specific entrypoint like a CLI or service manager.
package app
