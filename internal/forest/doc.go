// Package forest splits an audit trail into partitions, each backed by its
// own merkle.Tree, and routes proof requests to the partition that holds a
// record.
//
// A Forest is configured once with a partition Strategy. Batches are added
// with AddRecords; every affected partition is rebuilt from scratch, so any
// proof issued earlier for that partition stops verifying. Optimize merges
// undersized partitions, and Snapshot/Restore persist and reload the layout.
package forest
