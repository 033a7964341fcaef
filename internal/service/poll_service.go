package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/notify"
	"go.uber.org/zap"
)

const minOptions = 2

// PollLedger 投票管理需要的账本操作
type PollLedger interface {
	Ledger
	ListPolls(ctx context.Context, ownerID string) ([]*model.Poll, error)
	CreatePoll(ctx context.Context, poll *model.Poll) error
	UpdatePoll(ctx context.Context, pollID string, title *string, options []model.Option) error
	DeletePoll(ctx context.Context, pollID string) error
}

type PollService struct {
	ledger     PollLedger
	tally      Tally
	votes      *VoteService
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
}

func NewPollService(ledger PollLedger, tally Tally, votes *VoteService, dispatcher *notify.Dispatcher, logger *zap.Logger) *PollService {
	return &PollService{
		ledger:     ledger,
		tally:      tally,
		votes:      votes,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger),
	}
}

func normalizeOptions(titles []string) ([]model.Option, error) {
	options := make([]model.Option, 0, len(titles))
	for _, t := range titles {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, fmt.Errorf("选项不能为空: %w", model.ErrInvalidInput)
		}
		options = append(options, model.Option{Title: t})
	}
	if len(options) < minOptions {
		return nil, fmt.Errorf("至少需要%d个选项: %w", minOptions, model.ErrInvalidInput)
	}
	return options, nil
}

// CreatePoll 创建投票，票数初始化为0
func (s *PollService) CreatePoll(ctx context.Context, ownerID, title string, optionTitles []string) (*model.Poll, error) {
	if ownerID == "" {
		return nil, model.ErrUnauthenticated
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("标题不能为空: %w", model.ErrInvalidInput)
	}
	options, err := normalizeOptions(optionTitles)
	if err != nil {
		return nil, err
	}

	poll := &model.Poll{Title: title, OwnerID: ownerID, Options: options}
	if err := s.ledger.CreatePoll(ctx, poll); err != nil {
		return nil, err
	}

	zeros := make(model.TallySnapshot, len(poll.Options))
	for _, o := range poll.Options {
		zeros[o.ID] = 0
	}
	if err := s.tally.Reset(ctx, poll.ID, zeros); err != nil {
		// 缺失的字段按0读取，不影响后续投票
		s.logger.Warn("初始化票数失败", zap.String("pollId", poll.ID), zap.Error(err))
	}

	s.logger.Info("创建投票", zap.String("pollId", poll.ID), zap.String("ownerId", ownerID))
	return poll, nil
}

// GetPoll 返回投票的完整视图：票数来自票数存储，投票人来自账本
func (s *PollService) GetPoll(ctx context.Context, pollID string) (*model.PollView, error) {
	poll, err := s.ledger.FindPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}

	tally, err := s.votes.Tally(ctx, pollID)
	if err != nil {
		return nil, err
	}

	votes, err := s.ledger.ListVotes(ctx, pollID)
	if err != nil {
		return nil, err
	}

	view := &model.PollView{
		ID:      poll.ID,
		Title:   poll.Title,
		Options: make([]model.OptionView, 0, len(poll.Options)),
	}

	owner, err := s.ledger.FindUser(ctx, poll.OwnerID)
	switch {
	case err == nil:
		view.CreatedBy = &model.VoterRef{ID: owner.ID, Name: owner.Name}
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	voters := make(map[string][]model.VoterRef, len(poll.Options))
	for _, v := range votes {
		voters[v.OptionID] = append(voters[v.OptionID], model.VoterRef{ID: v.Voter.Key(), Name: v.VoterName})
	}

	for _, o := range poll.Options {
		refs := voters[o.ID]
		if refs == nil {
			refs = []model.VoterRef{}
		}
		view.Options = append(view.Options, model.OptionView{
			ID:     o.ID,
			Title:  o.Title,
			Score:  tally[o.ID],
			Voters: refs,
		})
	}
	return view, nil
}

// ListPolls 列出所有投票，最新的在前
func (s *PollService) ListPolls(ctx context.Context) ([]*model.Poll, error) {
	return s.ledger.ListPolls(ctx, "")
}

// ListPollsByOwner 列出某个用户创建的投票
func (s *PollService) ListPollsByOwner(ctx context.Context, ownerID string) ([]*model.Poll, error) {
	if ownerID == "" {
		return nil, model.ErrUnauthenticated
	}
	return s.ledger.ListPolls(ctx, ownerID)
}

func (s *PollService) ownedPoll(ctx context.Context, actorID, pollID string) (*model.Poll, error) {
	if actorID == "" {
		return nil, model.ErrUnauthenticated
	}
	poll, err := s.ledger.FindPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if poll.OwnerID != actorID {
		return nil, fmt.Errorf("只有创建者可以修改投票 %s: %w", pollID, model.ErrForbidden)
	}
	return poll, nil
}

// UpdatePoll 修改标题或整体替换选项，替换选项会清空已有投票并重新对账
func (s *PollService) UpdatePoll(ctx context.Context, actorID, pollID string, title *string, optionTitles []string) (*model.Poll, error) {
	if _, err := s.ownedPoll(ctx, actorID, pollID); err != nil {
		return nil, err
	}

	if title != nil {
		trimmed := strings.TrimSpace(*title)
		if trimmed == "" {
			return nil, fmt.Errorf("标题不能为空: %w", model.ErrInvalidInput)
		}
		title = &trimmed
	}

	var options []model.Option
	if optionTitles != nil {
		var err error
		if options, err = normalizeOptions(optionTitles); err != nil {
			return nil, err
		}
	}

	if err := s.ledger.UpdatePoll(ctx, pollID, title, options); err != nil {
		return nil, err
	}

	if options != nil {
		if _, err := s.votes.Reconcile(ctx, pollID); err != nil {
			s.logger.Error("替换选项后对账失败", zap.String("pollId", pollID), zap.Error(err))
		}
	}

	return s.ledger.FindPoll(ctx, pollID)
}

// DeletePoll 删除投票并通知除创建者外的已登录投票人
func (s *PollService) DeletePoll(ctx context.Context, actorID, pollID string) error {
	poll, err := s.ownedPoll(ctx, actorID, pollID)
	if err != nil {
		return err
	}

	votes, err := s.ledger.ListVotes(ctx, pollID)
	if err != nil {
		return err
	}

	if err := s.ledger.DeletePoll(ctx, pollID); err != nil {
		return err
	}
	if err := s.tally.Delete(ctx, pollID); err != nil {
		s.logger.Warn("删除票数失败", zap.String("pollId", pollID), zap.Error(err))
	}

	title := poll.Title
	if title == "" {
		title = "Untitled Poll"
	}
	message := fmt.Sprintf("The poll %q you voted on has been deleted by its owner", title)

	notified := make(map[string]bool)
	for _, v := range votes {
		userID, ok := model.UserIDOf(v.Voter)
		if !ok || userID == actorID || notified[userID] {
			continue
		}
		notified[userID] = true
		s.dispatcher.Send(userID, pollID, message)
	}

	s.logger.Info("删除投票", zap.String("pollId", pollID), zap.Int("notified", len(notified)))
	return nil
}
