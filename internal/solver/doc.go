// Package solver defines the contract between the orchestration layer and
// the numerical solver that analyses problems, trains models and serves
// predictions, along with a domain routing registry, an HTTP client for a
// solver sidecar and a deterministic local reference solver.
package solver
