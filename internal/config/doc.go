// Package config loads the deployment description: which module instances
// exist, which module type each one runs, how their requirements are
// connected, and how this process reaches the bus.
//
// Deployments are written in HCL. Bus settings can be overridden from the
// environment with EVERGO_BUS_* variables.
package config
