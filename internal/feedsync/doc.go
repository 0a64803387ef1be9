// Package feedsync replicates feed logs between a replica and its authority.
//
// A Client runs on a replica whose store does not assign positions. Push
// uploads local blocks that have no position yet and backfills the
// positions the authority assigns; Pull fetches positioned blocks above the
// replica's highest known position. Both report Done once there is nothing
// left to move, and callers loop until then.
//
// A Server runs on the authority. It answers QueryRequest, AppendRequest and
// SubscribeRequest envelopes from its own store and converts every failure
// into an Error envelope carrying the original request id.
//
// Client and Server never share memory. They only exchange protocol
// envelopes through a SendFunc supplied by the transport, and the transport
// hands received envelopes to HandleMessage.
package feedsync
