// Package transfer stores files received through FileTransfer in a
// spool directory. Each file is split into chunks, chunks are LZ4
// compressed when that helps, the packed chunks are spread over
// Reed-Solomon shards, and a manifest records the Merkle root of the
// chunk hashes so every read is verified end to end.
package transfer
