// Package erasure spreads spooled files over Reed-Solomon shards so a
// file survives the loss or corruption of up to ParityShards shard files.
package erasure
