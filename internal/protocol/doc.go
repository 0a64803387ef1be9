// Package protocol defines the data contracts shared by the feed store and
// the sync layer.
//
// A Block is the unit of replication. Requests and responses travel between
// peers inside an Envelope, which carries a "_tag" discriminant plus sender
// and recipient peer ids for routing:
//
//	{"_tag":"QueryRequest","senderPeerId":"a","recipientPeerId":"b","payload":{...}}
//
// The package has no behaviour beyond JSON encoding. Routing, delivery and
// retries belong to the transport and sync packages.
package protocol
