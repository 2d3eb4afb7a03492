// Package stage is the library of reusable Chain stages:
// sources that originate Blocks, transforms that reshape them in
// flight, and sinks that retire them. Every stage implements
// mark5xfer.Stage (Name/Run) and is wired into a Chain by the Transfer
// Supervisor (internal/supervisor), never constructed standalone in
// production use. Stages that need a side channel for deferred parameter
// updates expose plain exported methods
// guarded by their own mutex rather than a generic message-passing
// mechanism; concrete typed APIs beat an interface{} bus here.
package stage
