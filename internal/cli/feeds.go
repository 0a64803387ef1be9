package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/roach88/feedsync/internal/config"
	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/store"
)

// blocksResult renders blocks as a table in text mode.
type blocksResult struct {
	Blocks     []protocol.Block `json:"blocks"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

func (r blocksResult) WriteText(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPOSITION\tFEED\tACTOR\tSEQ\tDATA")
	for _, b := range r.Blocks {
		pos := "-"
		if b.Position != nil {
			pos = strconv.FormatInt(*b.Position, 10)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s/%s\t%s\t%d\t%s\n",
			b.InsertionID, pos, b.FeedNamespace, b.FeedID, b.ActorID, b.Sequence, previewData(b.Data))
	}
	tw.Flush()
	if r.NextCursor != "" {
		fmt.Fprintf(w, "next cursor: %s\n", r.NextCursor)
	}
}

// previewData shows short UTF-8 payloads verbatim and anything else by size.
func previewData(data []byte) string {
	const maxPreview = 40
	if len(data) <= maxPreview && utf8.Valid(data) {
		return strconv.Quote(string(data))
	}
	return fmt.Sprintf("<%d bytes>", len(data))
}

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Stdin bool
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <space> <namespace> <feed> [data...]",
		Short: "Append local blocks to a feed",
		Long: `Append one block per data argument to a feed in the local store, as this
node's actor. With --stdin the whole of standard input becomes one block.

Example:
  feedsync append team docs notes "first line" "second line"
  echo '{"op":"insert"}' | feedsync append team docs notes --stdin`,
		Args:          cobra.MinimumNArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Stdin, "stdin", false, "read one block from standard input")

	return cmd
}

func runAppend(opts *AppendOptions, args []string, cmd *cobra.Command) error {
	space, ns, feed := args[0], args[1], args[2]

	var payloads [][]byte
	for _, a := range args[3:] {
		payloads = append(payloads, []byte(a))
	}
	if opts.Stdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read stdin", err)
		}
		payloads = append(payloads, data)
	}
	if len(payloads) == 0 {
		return NewExitError(ExitCommandError, "nothing to append: pass data arguments or --stdin")
	}

	return withStore(opts.RootOptions, cmd, func(ctx context.Context, _ *config.Config, st *store.Store) error {
		msgs := make([]store.LocalMessage, len(payloads))
		for i, data := range payloads {
			msgs[i] = store.LocalMessage{SpaceID: space, FeedNamespace: ns, FeedID: feed, Data: data}
		}
		blocks, err := st.AppendLocal(ctx, msgs)
		if err != nil {
			return opts.formatter(cmd).Fail("append failed", err, CodeStore, nil)
		}
		return opts.formatter(cmd).Success(blocksResult{Blocks: blocks})
	})
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Space        string
	Namespace    string
	Feeds        []string
	Subscription string
	Position     int64
	Cursor       string
	Limit        int
	Unpositioned bool
	Remote       bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read blocks",
		Long: `Read blocks from the local store, or from the authority with --remote.

--position returns blocks positioned above the threshold, in position order.
--cursor resumes after a previous result's next cursor, in insertion order.

Example:
  feedsync query --space team --namespace docs --position -1
  feedsync query --space team --feed notes --cursor "01J...|42" --limit 100
  feedsync query --subscription 0190... --remote`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Space, "space", "", "space id")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "feed namespace")
	cmd.Flags().StringSliceVar(&opts.Feeds, "feed", nil, "feed id (repeatable)")
	cmd.Flags().StringVar(&opts.Subscription, "subscription", "", "subscription id")
	cmd.Flags().Int64Var(&opts.Position, "position", -1, "return blocks positioned above this threshold")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "resume after this cursor")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum blocks to return (0 = no limit)")
	cmd.Flags().BoolVar(&opts.Unpositioned, "unpositioned", false, "only blocks without a position")
	cmd.Flags().BoolVar(&opts.Remote, "remote", false, "query the authority instead of the local store")

	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	req := protocol.QueryRequest{
		SpaceID:       opts.Space,
		FeedNamespace: opts.Namespace,
		Query: protocol.FeedQuery{
			FeedIDs:        opts.Feeds,
			SubscriptionID: opts.Subscription,
		},
		Cursor:           opts.Cursor,
		UnpositionedOnly: opts.Unpositioned,
		Limit:            opts.Limit,
	}
	if cmd.Flags().Changed("position") {
		req.Position = protocol.Int64(opts.Position)
	}

	return withStore(opts.RootOptions, cmd, func(ctx context.Context, cfg *config.Config, st *store.Store) error {
		out := opts.formatter(cmd)

		var (
			resp protocol.QueryResponse
			err  error
		)
		if opts.Remote {
			sess, dialErr := dialAuthority(ctx, cfg, st)
			if dialErr != nil {
				return dialErr
			}
			defer sess.Close()
			resp, err = sess.client.Query(ctx, req)
		} else {
			resp, err = st.Query(ctx, req)
		}
		if err != nil {
			return out.Fail("query failed", err, sourceCode(opts.Remote), nil)
		}
		return out.Success(blocksResult{Blocks: resp.Blocks, NextCursor: resp.NextCursor})
	})
}

// SubscribeOptions holds flags for the subscribe command.
type SubscribeOptions struct {
	*RootOptions
	Remote bool
}

// subscribeResult is the text form of a SubscribeResponse.
type subscribeResult protocol.SubscribeResponse

func (r subscribeResult) String() string {
	return fmt.Sprintf("subscription %s expires at %d", r.SubscriptionID, r.ExpiresAt)
}

// NewSubscribeCommand creates the subscribe command.
func NewSubscribeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubscribeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "subscribe <space> <namespace> <feed>...",
		Short: "Group feeds under a subscription id",
		Long: `Create a subscription over one or more feeds. Pass the returned id to
query --subscription until it expires.

Example:
  feedsync subscribe team docs notes todo`,
		Args:          cobra.MinimumNArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Remote, "remote", false, "subscribe on the authority instead of the local store")

	return cmd
}

func runSubscribe(opts *SubscribeOptions, args []string, cmd *cobra.Command) error {
	req := protocol.SubscribeRequest{
		SpaceID:       args[0],
		FeedNamespace: args[1],
		FeedIDs:       args[2:],
	}

	return withStore(opts.RootOptions, cmd, func(ctx context.Context, cfg *config.Config, st *store.Store) error {
		out := opts.formatter(cmd)

		var (
			resp protocol.SubscribeResponse
			err  error
		)
		if opts.Remote {
			sess, dialErr := dialAuthority(ctx, cfg, st)
			if dialErr != nil {
				return dialErr
			}
			defer sess.Close()
			resp, err = sess.client.Subscribe(ctx, req)
		} else {
			req.RequestID = "cli"
			resp, err = st.Subscribe(ctx, req)
		}
		if err != nil {
			return out.Fail("subscribe failed", err, sourceCode(opts.Remote), nil)
		}
		return out.Success(subscribeResult(resp))
	})
}

// sourceCode is the error code for a failure of the store a command read
// from.
func sourceCode(remote bool) string {
	if remote {
		return CodeRemote
	}
	return CodeStore
}
