package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/lock"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/notify"
	"github.com/lvdashuaibi/livepoll/internal/pubsub"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"go.uber.org/zap"
)

// compensationTimeout 补偿和对账不受调用方ctx取消影响，但有自己的超时
const compensationTimeout = 10 * time.Second

// Ledger 投票账本
type Ledger interface {
	FindUser(ctx context.Context, userID string) (*model.User, error)
	FindPoll(ctx context.Context, pollID string) (*model.Poll, error)
	FindOption(ctx context.Context, optionID string) (*model.Option, error)
	ListVotes(ctx context.Context, pollID string) ([]model.Vote, error)
	CountVotes(ctx context.Context, pollID string) (model.TallySnapshot, error)
	InTx(ctx context.Context, fn func(tx repository.VoteTx) error) error
}

// Tally 票数存储
type Tally interface {
	Increment(ctx context.Context, pollID, optionID string) (int64, error)
	Decrement(ctx context.Context, pollID, optionID string) (int64, error)
	Snapshot(ctx context.Context, pollID string) (model.TallySnapshot, error)
	Reset(ctx context.Context, pollID string, counts model.TallySnapshot) error
	Delete(ctx context.Context, pollID string) error
}

type VoteService struct {
	ledger     Ledger
	tally      Tally
	bus        pubsub.Bus
	locker     lock.Lock
	lockCfg    config.LockConfig
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
}

func NewVoteService(
	ledger Ledger,
	tally Tally,
	bus pubsub.Bus,
	locker lock.Lock,
	lockCfg config.LockConfig,
	dispatcher *notify.Dispatcher,
	logger *zap.Logger,
) *VoteService {
	return &VoteService{
		ledger:     ledger,
		tally:      tally,
		bus:        bus,
		locker:     locker,
		lockCfg:    lockCfg,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger),
	}
}

func voteLockName(pollID string, voter model.VoterIdentity) string {
	return fmt.Sprintf("vote:%s:%s:%s", pollID, voter.Kind(), voter.Key())
}

// CastVote 投票或改票。
// 账本的查找、删除旧票、写入新票在一个事务内完成，事务提交后再修改票数；
// 票数修改失败时撤销已做的修改并补偿账本，不发布任何事件。
func (s *VoteService) CastVote(ctx context.Context, voter model.VoterIdentity, pollID, optionID string) (*model.VoteResult, error) {
	if voter == nil {
		return nil, model.ErrUnauthenticated
	}

	poll, err := s.ledger.FindPoll(ctx, pollID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", model.ErrVoteProcessingFailed, err)
	}
	if !poll.HasOption(optionID) {
		return nil, s.foreignOption(ctx, pollID, optionID)
	}

	release, err := lock.Acquire(ctx, s.locker, voteLockName(pollID, voter),
		s.lockCfg.TTL, s.lockCfg.Wait, s.lockCfg.RetryInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrVoteProcessingFailed, err)
	}
	defer release()

	var prior, created *model.Vote
	err = s.ledger.InTx(ctx, func(tx repository.VoteTx) error {
		prev, err := tx.FindVote(ctx, voter, pollID)
		if err != nil {
			return err
		}
		if prev != nil && prev.OptionID == optionID {
			return fmt.Errorf("已投票给选项 %s: %w", optionID, model.ErrDuplicateVote)
		}
		if prev != nil {
			if err := tx.DeleteVote(ctx, prev.ID); err != nil {
				return err
			}
		}
		vote, err := tx.CreateVote(ctx, voter, pollID, optionID)
		if err != nil {
			return err
		}
		prior, created = prev, vote
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrDuplicateVote) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", model.ErrVoteProcessingFailed, err)
	}

	// 账本已提交，后续步骤不再受调用方取消影响
	ctx = context.WithoutCancel(ctx)

	userID, userName := s.resolveVoter(ctx, voter)

	var events []model.DeltaEvent
	if prior != nil {
		n, err := s.tally.Decrement(ctx, pollID, prior.OptionID)
		if err != nil {
			return nil, s.compensate(pollID, voter, prior, created, false, err)
		}
		events = append(events, model.DeltaEvent{PollOptionID: prior.OptionID, Votes: n, UserID: userID})
	}

	n, err := s.tally.Increment(ctx, pollID, optionID)
	if err != nil {
		return nil, s.compensate(pollID, voter, prior, created, prior != nil, err)
	}
	events = append(events, model.DeltaEvent{PollOptionID: optionID, Votes: n, UserID: userID, UserName: userName})

	for _, evt := range events {
		if err := s.bus.Publish(ctx, pollID, evt); err != nil {
			s.logger.Warn("发布票数事件失败",
				zap.String("pollId", pollID),
				zap.String("pollOptionId", evt.PollOptionID),
				zap.Error(err))
		}
	}

	s.notifyOwner(poll, voter, userName)

	created.VoterName = derefOr(userName, "")
	return &model.VoteResult{Vote: *created, Replaced: prior != nil, Events: events}, nil
}

// foreignOption 选项存在但属于其他投票时返回InvalidOption，选项不存在时返回NotFound
func (s *VoteService) foreignOption(ctx context.Context, pollID, optionID string) error {
	if _, err := s.ledger.FindOption(ctx, optionID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", model.ErrVoteProcessingFailed, err)
	}
	return fmt.Errorf("选项 %s 不属于投票 %s: %w", optionID, pollID, model.ErrInvalidOption)
}

// resolveVoter 会话投票人不暴露会话ID
func (s *VoteService) resolveVoter(ctx context.Context, voter model.VoterIdentity) (*string, *string) {
	userID, ok := model.UserIDOf(voter)
	if !ok {
		return nil, nil
	}

	user, err := s.ledger.FindUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.logger.Warn("查询投票人名称失败", zap.String("userId", userID), zap.Error(err))
		}
		return &userID, nil
	}
	return &userID, &user.Name
}

// compensate 撤销已生效的票数修改，并用反向事务恢复账本
func (s *VoteService) compensate(pollID string, voter model.VoterIdentity, prior, created *model.Vote, decremented bool, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
	defer cancel()

	log := s.logger.With(zap.String("pollId", pollID), zap.String("voter", voter.Key()))
	log.Error("修改票数失败，开始补偿", zap.Error(cause))

	needRecount := errors.Is(cause, model.ErrCorruptedTally)
	if decremented {
		if _, err := s.tally.Increment(ctx, pollID, prior.OptionID); err != nil {
			log.Error("撤销减票失败", zap.String("pollOptionId", prior.OptionID), zap.Error(err))
			needRecount = true
		}
	}

	err := s.ledger.InTx(ctx, func(tx repository.VoteTx) error {
		if err := tx.DeleteVote(ctx, created.ID); err != nil {
			return err
		}
		if prior != nil {
			if _, err := tx.CreateVote(ctx, voter, pollID, prior.OptionID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error("补偿账本失败", zap.Error(err))
		needRecount = true
	}

	if needRecount {
		if _, rerr := s.recount(ctx, pollID); rerr != nil {
			log.Error("对账失败", zap.Error(rerr))
		}
	}

	return fmt.Errorf("%w: %w", model.ErrVoteProcessingFailed, cause)
}

func (s *VoteService) notifyOwner(poll *model.Poll, voter model.VoterIdentity, userName *string) {
	if model.SameVoter(voter, model.UserVoter{UserID: poll.OwnerID}) {
		return
	}

	name := model.AnonymousName
	if userName != nil && *userName != "" {
		name = *userName
	}
	s.dispatcher.Send(poll.OwnerID, poll.ID, fmt.Sprintf("%s voted on your poll %q", name, poll.Title))
}

// Reconcile 从账本重新统计票数并整体替换票数存储，然后广播每个选项的最新票数
func (s *VoteService) Reconcile(ctx context.Context, pollID string) (model.TallySnapshot, error) {
	counts, err := s.recount(ctx, pollID)
	if err != nil {
		return nil, err
	}

	for optionID, n := range counts {
		if err := s.bus.Publish(ctx, pollID, model.DeltaEvent{PollOptionID: optionID, Votes: n}); err != nil {
			s.logger.Warn("发布对账结果失败", zap.String("pollId", pollID), zap.Error(err))
		}
	}
	return counts, nil
}

// recount 只对账，不广播
func (s *VoteService) recount(ctx context.Context, pollID string) (model.TallySnapshot, error) {
	counts, err := s.ledger.CountVotes(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("统计投票 %s 失败: %w", pollID, err)
	}
	if len(counts) == 0 {
		// 没有选项说明投票不存在
		if _, err := s.ledger.FindPoll(ctx, pollID); err != nil {
			return nil, err
		}
	}

	if err := s.tally.Reset(ctx, pollID, counts); err != nil {
		return nil, fmt.Errorf("重置投票 %s 票数失败: %w", pollID, err)
	}
	s.logger.Info("票数对账完成", zap.String("pollId", pollID), zap.Int64("total", counts.Total()))
	return counts, nil
}

// Tally 读取票数，计数损坏时从账本对账后返回
func (s *VoteService) Tally(ctx context.Context, pollID string) (model.TallySnapshot, error) {
	snapshot, err := s.tally.Snapshot(ctx, pollID)
	if err == nil {
		return snapshot, nil
	}
	if !errors.Is(err, model.ErrCorruptedTally) {
		return nil, err
	}

	s.logger.Warn("票数已损坏，从账本对账", zap.String("pollId", pollID), zap.Error(err))
	return s.recount(ctx, pollID)
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
