package protocol

// Block is one immutable log entry.
//
// (feed, Sequence, ActorID) identifies a block. Position is nil until the
// authority assigns it; InsertionID is local to the store that holds the row
// and is zero on blocks that have not been stored yet.
type Block struct {
	FeedID        string `json:"feedId"`
	FeedNamespace string `json:"feedNamespace"`
	ActorID       string `json:"actorId"`
	Sequence      int64  `json:"sequence"`

	// PrevActorID and PrevSequence point at the block that preceded this one
	// in the same feed, whoever wrote it. Both are nil for a feed's first block.
	PrevActorID  *string `json:"prevActorId"`
	PrevSequence *int64  `json:"prevSequence"`

	Position    *int64 `json:"position"`
	Timestamp   int64  `json:"timestamp"`
	Data        []byte `json:"data"`
	InsertionID int64  `json:"insertionId,omitempty"`
}

// Positioned reports whether the authority has ordered this block.
func (b Block) Positioned() bool {
	return b.Position != nil
}

// FeedQuery selects the feeds a query reads from. At most one of the fields
// may be set; an empty FeedQuery selects every feed in scope.
type FeedQuery struct {
	FeedIDs        []string `json:"feedIds,omitempty"`
	SubscriptionID string   `json:"subscriptionId,omitempty"`
	FeedNamespace  string   `json:"feedNamespace,omitempty"`
}

// QueryRequest reads blocks either above a position threshold (ordered by
// position) or after a cursor (ordered by insertion id).
type QueryRequest struct {
	RequestID     string    `json:"requestId"`
	SpaceID       string    `json:"spaceId,omitempty"`
	FeedNamespace string    `json:"feedNamespace,omitempty"`
	Query         FeedQuery `json:"query"`

	// Position, when set, returns blocks with position > *Position.
	Position *int64 `json:"position,omitempty"`
	// Cursor resumes from a previous response's NextCursor.
	Cursor string `json:"cursor,omitempty"`

	UnpositionedOnly bool `json:"unpositionedOnly,omitempty"`
	Limit            int  `json:"limit,omitempty"`
}

// QueryResponse answers a QueryRequest.
type QueryResponse struct {
	RequestID  string  `json:"requestId"`
	Blocks     []Block `json:"blocks"`
	NextCursor string  `json:"nextCursor"`
}

// AppendRequest writes blocks into a partition. FeedNamespace and FeedID
// fill in blocks that leave those fields empty.
type AppendRequest struct {
	RequestID     string  `json:"requestId"`
	SpaceID       string  `json:"spaceId"`
	FeedNamespace string  `json:"feedNamespace,omitempty"`
	FeedID        string  `json:"feedId,omitempty"`
	Blocks        []Block `json:"blocks"`
}

// AppendResponse carries one position per appended block, in request order.
// A nil entry means the stored block is unpositioned.
type AppendResponse struct {
	RequestID string   `json:"requestId"`
	Positions []*int64 `json:"positions"`
}

// SubscribeRequest groups feeds under a short-lived subscription id.
type SubscribeRequest struct {
	RequestID     string   `json:"requestId"`
	SpaceID       string   `json:"spaceId"`
	FeedNamespace string   `json:"feedNamespace,omitempty"`
	FeedIDs       []string `json:"feedIds"`
}

// SubscribeResponse answers a SubscribeRequest. ExpiresAt is epoch millis.
type SubscribeResponse struct {
	RequestID      string `json:"requestId"`
	SubscriptionID string `json:"subscriptionId"`
	ExpiresAt      int64  `json:"expiresAt"`
}

// ErrorResponse reports a failed request back to its sender.
type ErrorResponse struct {
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// String returns a pointer to v.
func String(v string) *string {
	return &v
}
