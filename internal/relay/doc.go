// Package relay bridges published events between gateway instances over
// Redis pub/sub so a broadcast reaches connections held by other instances.
package relay
