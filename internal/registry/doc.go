// Package registry keeps the catalogue of agents that can accept jobs, their
// immutable prices and the input schema every job payload is checked against.
package registry
