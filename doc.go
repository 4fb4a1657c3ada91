// Package bundler contains the shared contracts and record types of the data item
// bundling pipeline. Data items arrive staged in the state store, get packed into
// bundle plans, prepared into signed on-chain transactions, posted, seeded and
// finally verified permanent.
//
// The root package owns the types every stage agrees on: the data item and bundle
// records, their state tables' record shapes, the BlobStore/Queue/StateStore
// contracts and the ambient helpers (retry, logging, task runner). Backend
// implementations live in subpackages: store (Postgres), fs and aws_s3 (blob
// stores), redis (cache), queue (queue substrate + dispatchers), cassandra
// (offsets index), gateway (chain RPC), packer and pipeline (the stage workers).
package bundler
