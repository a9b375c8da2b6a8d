// Package engine turns extraction components into sandboxed executions.
//
// A component is a JavaScript program compiled once into an Image. Every call
// runs in a brand-new Context: a fresh goja runtime with its own governor,
// armed on the shared epoch ticker, and a host API that is the guest's only
// way to reach outside the sandbox.
package engine
