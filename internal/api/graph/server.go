package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/livepoll/internal/auth"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/service"
)

// GraphQLServer GraphQL处理器
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
}

const schemaString = `
type Voter {
  id: ID!
  name: String!
}

type Option {
  id: ID!
  title: String!
  score: Int!
  voters: [Voter!]!
}

type Poll {
  id: ID!
  title: String!
  createdBy: Voter
  options: [Option!]!
}

type OptionSummary {
  id: ID!
  title: String!
}

type PollSummary {
  id: ID!
  title: String!
  ownerId: ID!
  createdAt: String!
  options: [OptionSummary!]!
}

type TallyEntry {
  pollOptionId: ID!
  votes: Int!
}

type VoteEvent {
  pollOptionId: ID!
  votes: Int!
  userId: ID
  userName: String
}

type VoteResult {
  replaced: Boolean!
  events: [VoteEvent!]!
}

type Query {
  # 投票的实时视图
  poll(id: ID!): Poll

  # 投票列表，mine为true时只列出当前用户创建的
  polls(mine: Boolean): [PollSummary!]!

  # 各选项当前票数
  tally(pollId: ID!): [TallyEntry!]!
}

type Mutation {
  # 投票或改票
  castVote(pollId: ID!, pollOptionId: ID!): VoteResult!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 解析Schema并创建处理器
func NewGraphQLServer(votes *service.VoteService, polls *service.PollService) *GraphQLServer {
	resolver := NewResolver(votes, polls)

	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
	}
}

// Handler 挂载到HTTP路由，身份由上游中间件放入请求ctx
func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

// Resolver GraphQL解析器
type Resolver struct {
	votes *service.VoteService
	polls *service.PollService
}

func NewResolver(votes *service.VoteService, polls *service.PollService) *Resolver {
	return &Resolver{votes: votes, polls: polls}
}

func parsePollID(id graphql.ID) (string, error) {
	s := strings.TrimSpace(string(id))
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("%q: %w", s, model.ErrInvalidPollID)
	}
	return s, nil
}

// Poll 查询单个投票，不存在时返回null
func (r *Resolver) Poll(ctx context.Context, args struct{ ID graphql.ID }) (*PollResolver, error) {
	pollID, err := parsePollID(args.ID)
	if err != nil {
		return nil, err
	}

	view, err := r.polls.GetPoll(ctx, pollID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &PollResolver{view: view}, nil
}

// Polls 投票列表
func (r *Resolver) Polls(ctx context.Context, args struct{ Mine *bool }) ([]*PollSummaryResolver, error) {
	var (
		polls []*model.Poll
		err   error
	)
	if args.Mine != nil && *args.Mine {
		id, ok := auth.FromContext(ctx)
		if !ok || id.User == nil {
			return nil, model.ErrUnauthenticated
		}
		polls, err = r.polls.ListPollsByOwner(ctx, id.User.ID)
	} else {
		polls, err = r.polls.ListPolls(ctx)
	}
	if err != nil {
		return nil, err
	}

	resolvers := make([]*PollSummaryResolver, len(polls))
	for i, p := range polls {
		resolvers[i] = &PollSummaryResolver{poll: p}
	}
	return resolvers, nil
}

// Tally 各选项当前票数
func (r *Resolver) Tally(ctx context.Context, args struct{ PollID graphql.ID }) ([]*TallyEntryResolver, error) {
	pollID, err := parsePollID(args.PollID)
	if err != nil {
		return nil, err
	}

	poll, err := r.polls.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}

	entries := make([]*TallyEntryResolver, len(poll.Options))
	for i, o := range poll.Options {
		entries[i] = &TallyEntryResolver{optionID: o.ID, votes: o.Score}
	}
	return entries, nil
}

// CastVote 投票
func (r *Resolver) CastVote(ctx context.Context, args struct {
	PollID       graphql.ID
	PollOptionID graphql.ID
}) (*VoteResultResolver, error) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return nil, model.ErrUnauthenticated
	}
	pollID, err := parsePollID(args.PollID)
	if err != nil {
		return nil, err
	}
	optionID := strings.TrimSpace(string(args.PollOptionID))
	if _, err := uuid.Parse(optionID); err != nil {
		return nil, fmt.Errorf("pollOptionId %q: %w", optionID, model.ErrInvalidInput)
	}

	result, err := r.votes.CastVote(ctx, id.Voter, pollID, optionID)
	if err != nil {
		return nil, err
	}
	return &VoteResultResolver{result: result}, nil
}

// PollResolver 投票视图解析器
type PollResolver struct {
	view *model.PollView
}

func (r *PollResolver) ID() graphql.ID { return graphql.ID(r.view.ID) }

func (r *PollResolver) Title() string { return r.view.Title }

func (r *PollResolver) CreatedBy() *VoterResolver {
	if r.view.CreatedBy == nil {
		return nil
	}
	return &VoterResolver{ref: *r.view.CreatedBy}
}

func (r *PollResolver) Options() []*OptionResolver {
	out := make([]*OptionResolver, len(r.view.Options))
	for i := range r.view.Options {
		out[i] = &OptionResolver{option: &r.view.Options[i]}
	}
	return out
}

// OptionResolver 选项解析器
type OptionResolver struct {
	option *model.OptionView
}

func (r *OptionResolver) ID() graphql.ID { return graphql.ID(r.option.ID) }

func (r *OptionResolver) Title() string { return r.option.Title }

func (r *OptionResolver) Score() int32 { return int32(r.option.Score) }

func (r *OptionResolver) Voters() []*VoterResolver {
	out := make([]*VoterResolver, len(r.option.Voters))
	for i, v := range r.option.Voters {
		out[i] = &VoterResolver{ref: v}
	}
	return out
}

// VoterResolver 投票人解析器
type VoterResolver struct {
	ref model.VoterRef
}

func (r *VoterResolver) ID() graphql.ID { return graphql.ID(r.ref.ID) }

func (r *VoterResolver) Name() string { return r.ref.Name }

// PollSummaryResolver 列表项解析器
type PollSummaryResolver struct {
	poll *model.Poll
}

func (r *PollSummaryResolver) ID() graphql.ID { return graphql.ID(r.poll.ID) }

func (r *PollSummaryResolver) Title() string { return r.poll.Title }

func (r *PollSummaryResolver) OwnerID() graphql.ID { return graphql.ID(r.poll.OwnerID) }

func (r *PollSummaryResolver) CreatedAt() string { return r.poll.CreatedAt.Format(time.RFC3339) }

func (r *PollSummaryResolver) Options() []*OptionSummaryResolver {
	out := make([]*OptionSummaryResolver, len(r.poll.Options))
	for i := range r.poll.Options {
		out[i] = &OptionSummaryResolver{option: &r.poll.Options[i]}
	}
	return out
}

type OptionSummaryResolver struct {
	option *model.Option
}

func (r *OptionSummaryResolver) ID() graphql.ID { return graphql.ID(r.option.ID) }

func (r *OptionSummaryResolver) Title() string { return r.option.Title }

// TallyEntryResolver 票数解析器
type TallyEntryResolver struct {
	optionID string
	votes    int64
}

func (r *TallyEntryResolver) PollOptionID() graphql.ID { return graphql.ID(r.optionID) }

func (r *TallyEntryResolver) Votes() int32 { return int32(r.votes) }

// VoteResultResolver 投票结果解析器
type VoteResultResolver struct {
	result *model.VoteResult
}

func (r *VoteResultResolver) Replaced() bool { return r.result.Replaced }

func (r *VoteResultResolver) Events() []*VoteEventResolver {
	out := make([]*VoteEventResolver, len(r.result.Events))
	for i := range r.result.Events {
		out[i] = &VoteEventResolver{evt: r.result.Events[i]}
	}
	return out
}

// VoteEventResolver 票数事件解析器
type VoteEventResolver struct {
	evt model.DeltaEvent
}

func (r *VoteEventResolver) PollOptionID() graphql.ID { return graphql.ID(r.evt.PollOptionID) }

func (r *VoteEventResolver) Votes() int32 { return int32(r.evt.Votes) }

func (r *VoteEventResolver) UserID() *graphql.ID {
	if r.evt.UserID == nil {
		return nil
	}
	id := graphql.ID(*r.evt.UserID)
	return &id
}

func (r *VoteEventResolver) UserName() *string { return r.evt.UserName }
