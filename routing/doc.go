// Package routing implements the link-state routing table: a weighted
// directed graph of the peer mesh, Dijkstra shortest-path recomputation from
// the local node, and the reachability-change deltas that drive the
// Router's delegate callbacks.
package routing
