// Package streams holds the vocabulary shared by the adapter, the cache, the
// checkpointer and the hub drivers: partition and queue ids, sequence tokens and read
// positions, the on-log batch container, the queue mapper and the strategy contracts
// injected into the adapter factory.
package streams
