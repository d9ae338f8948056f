// Package pipeline drives simulation workflows through their status graph.
// The Coordinator is the only writer of status, progress and current_step;
// stage handlers run the solver for one step and report back through it.
// Consumers pull stage messages from the queues and dispatch them to the
// handlers, and a WorkerPool runs a resizable number of consumers per step.
package pipeline
