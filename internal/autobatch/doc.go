// Package autobatch implements C9, the pure decision function that groups
// pending task-queue operations into a single batch the indexing pipeline
// can execute atomically. It has no side effects and touches no storage: it
// only decides how many of the pending operations belong in the next batch
// and classifies the batch's effective kind.
package autobatch
