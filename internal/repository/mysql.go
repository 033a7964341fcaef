package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
)

// mysqlDuplicateEntry MySQL唯一键冲突错误码
const mysqlDuplicateEntry = 1062

// VoteTx 投票账本在一个事务内可执行的操作
type VoteTx interface {
	FindVote(ctx context.Context, voter model.VoterIdentity, pollID string) (*model.Vote, error)
	DeleteVote(ctx context.Context, voteID string) error
	CreateVote(ctx context.Context, voter model.VoterIdentity, pollID, optionID string) (*model.Vote, error)
}

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
	logger   *zap.Logger
	now      func() time.Time
}

func NewMySQLRepository(cfg config.MySQLConfig, logger *zap.Logger) (*MySQLRepository, error) {
	logger = logging.OrNop(logger)

	masterDB, err := sql.Open("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(cfg.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" {
		slaveDB, err = sql.Open("mysql", cfg.Slave)
		if err != nil {
			masterDB.Close()
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}

		slaveDB.SetMaxOpenConns(cfg.MaxOpenConns)
		slaveDB.SetMaxIdleConns(cfg.MaxIdleConns)
		slaveDB.SetConnMaxLifetime(time.Hour)

		if err = slaveDB.Ping(); err != nil {
			logger.Warn("从数据库连接测试失败，将使用主数据库代替", zap.Error(err))
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return NewMySQLRepositoryWithDB(masterDB, slaveDB, logger), nil
}

// NewMySQLRepositoryWithDB 使用已打开的连接池，slave为nil时读写都走master
func NewMySQLRepositoryWithDB(master, slave *sql.DB, logger *zap.Logger) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	return &MySQLRepository{
		masterDB: master,
		slaveDB:  slave,
		logger:   logging.OrNop(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrStorageUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	// SQLite驱动没有导出错误码类型
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FindUser 查询用户
func (r *MySQLRepository) FindUser(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := r.slaveDB.QueryRowContext(ctx, "SELECT id, name FROM users WHERE id = ?", userID).
		Scan(&user.ID, &user.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("用户 %s: %w", userID, model.ErrNotFound)
		}
		return nil, storageErr("查询用户失败", err)
	}
	return &user, nil
}

// CreateUser 写入用户
func (r *MySQLRepository) CreateUser(ctx context.Context, user *model.User) error {
	if _, err := r.masterDB.ExecContext(ctx, "INSERT INTO users (id, name) VALUES (?, ?)", user.ID, user.Name); err != nil {
		return storageErr("创建用户失败", err)
	}
	return nil
}

// EnsureUser 用户不存在时写入，展示名变化时更新
func (r *MySQLRepository) EnsureUser(ctx context.Context, user *model.User) error {
	var name string
	err := r.masterDB.QueryRowContext(ctx, "SELECT name FROM users WHERE id = ?", user.ID).Scan(&name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := r.CreateUser(ctx, user); err != nil && !isUniqueViolation(err) {
			return err
		}
		return nil
	case err != nil:
		return storageErr("查询用户失败", err)
	case name == user.Name:
		return nil
	}

	if _, err := r.masterDB.ExecContext(ctx, "UPDATE users SET name = ? WHERE id = ?", user.Name, user.ID); err != nil {
		return storageErr("更新用户失败", err)
	}
	return nil
}

// FindPoll 查询投票及其选项
func (r *MySQLRepository) FindPoll(ctx context.Context, pollID string) (*model.Poll, error) {
	query := "SELECT id, title, owner_id, created_at, updated_at FROM polls WHERE id = ?"
	var poll model.Poll
	err := r.slaveDB.QueryRowContext(ctx, query, pollID).
		Scan(&poll.ID, &poll.Title, &poll.OwnerID, &poll.CreatedAt, &poll.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("投票 %s: %w", pollID, model.ErrNotFound)
		}
		return nil, storageErr("查询投票失败", err)
	}

	options, err := r.listOptions(ctx, []string{pollID})
	if err != nil {
		return nil, err
	}
	poll.Options = options[pollID]
	return &poll, nil
}

// FindOption 按ID查询选项，不限定所属投票
func (r *MySQLRepository) FindOption(ctx context.Context, optionID string) (*model.Option, error) {
	var option model.Option
	err := r.slaveDB.QueryRowContext(ctx, "SELECT id, poll_id, title FROM poll_options WHERE id = ?", optionID).
		Scan(&option.ID, &option.PollID, &option.Title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("选项 %s: %w", optionID, model.ErrNotFound)
		}
		return nil, storageErr("查询选项失败", err)
	}
	return &option, nil
}

// ListPolls 按创建时间倒序列出投票，ownerID为空时列出全部
func (r *MySQLRepository) ListPolls(ctx context.Context, ownerID string) ([]*model.Poll, error) {
	query := "SELECT id, title, owner_id, created_at, updated_at FROM polls"
	var args []any
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.slaveDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("查询投票列表失败", err)
	}
	defer rows.Close()

	var polls []*model.Poll
	var ids []string
	for rows.Next() {
		var poll model.Poll
		if err := rows.Scan(&poll.ID, &poll.Title, &poll.OwnerID, &poll.CreatedAt, &poll.UpdatedAt); err != nil {
			return nil, storageErr("扫描投票失败", err)
		}
		polls = append(polls, &poll)
		ids = append(ids, poll.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("迭代投票失败", err)
	}
	if len(polls) == 0 {
		return polls, nil
	}

	options, err := r.listOptions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, poll := range polls {
		poll.Options = options[poll.ID]
	}
	return polls, nil
}

func (r *MySQLRepository) listOptions(ctx context.Context, pollIDs []string) (map[string][]model.Option, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(pollIDs)), ",")
	query := "SELECT id, poll_id, title FROM poll_options WHERE poll_id IN (" + placeholders + ") ORDER BY poll_id, position"
	args := make([]any, len(pollIDs))
	for i, id := range pollIDs {
		args[i] = id
	}

	rows, err := r.slaveDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("查询选项失败", err)
	}
	defer rows.Close()

	result := make(map[string][]model.Option, len(pollIDs))
	for rows.Next() {
		var opt model.Option
		if err := rows.Scan(&opt.ID, &opt.PollID, &opt.Title); err != nil {
			return nil, storageErr("扫描选项失败", err)
		}
		result[opt.PollID] = append(result[opt.PollID], opt)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("迭代选项失败", err)
	}
	return result, nil
}

// CreatePoll 在一个事务内写入投票和选项，ID和时间由仓库生成
func (r *MySQLRepository) CreatePoll(ctx context.Context, poll *model.Poll) error {
	now := r.now()
	poll.ID = uuid.NewString()
	poll.CreatedAt = now
	poll.UpdatedAt = now

	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO polls (id, title, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			poll.ID, poll.Title, poll.OwnerID, poll.CreatedAt, poll.UpdatedAt)
		if err != nil {
			return storageErr("创建投票失败", err)
		}
		return insertOptions(ctx, tx, poll.ID, poll.Options)
	})
}

func insertOptions(ctx context.Context, tx *sql.Tx, pollID string, options []model.Option) error {
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO poll_options (id, poll_id, title, position) VALUES (?, ?, ?, ?)")
	if err != nil {
		return storageErr("准备选项语句失败", err)
	}
	defer stmt.Close()

	for i := range options {
		options[i].ID = uuid.NewString()
		options[i].PollID = pollID
		if _, err := stmt.ExecContext(ctx, options[i].ID, pollID, options[i].Title, i); err != nil {
			return storageErr("创建选项失败", err)
		}
	}
	return nil
}

// UpdatePoll 修改标题，options非nil时整体替换选项并清空该投票的所有投票记录
func (r *MySQLRepository) UpdatePoll(ctx context.Context, pollID string, title *string, options []model.Option) error {
	now := r.now()
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM polls WHERE id = ?", pollID).Scan(&exists)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("投票 %s: %w", pollID, model.ErrNotFound)
			}
			return storageErr("查询投票失败", err)
		}

		if title != nil {
			if _, err := tx.ExecContext(ctx, "UPDATE polls SET title = ?, updated_at = ? WHERE id = ?", *title, now, pollID); err != nil {
				return storageErr("更新投票标题失败", err)
			}
		} else if _, err := tx.ExecContext(ctx, "UPDATE polls SET updated_at = ? WHERE id = ?", now, pollID); err != nil {
			return storageErr("更新投票失败", err)
		}

		if options == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM votes WHERE poll_id = ?", pollID); err != nil {
			return storageErr("清空投票记录失败", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM poll_options WHERE poll_id = ?", pollID); err != nil {
			return storageErr("删除旧选项失败", err)
		}
		return insertOptions(ctx, tx, pollID, options)
	})
}

// DeletePoll 删除投票、选项和投票记录
func (r *MySQLRepository) DeletePoll(ctx context.Context, pollID string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM votes WHERE poll_id = ?", pollID); err != nil {
			return storageErr("删除投票记录失败", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM poll_options WHERE poll_id = ?", pollID); err != nil {
			return storageErr("删除选项失败", err)
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM polls WHERE id = ?", pollID)
		if err != nil {
			return storageErr("删除投票失败", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return storageErr("获取删除结果失败", err)
		}
		if n == 0 {
			return fmt.Errorf("投票 %s: %w", pollID, model.ErrNotFound)
		}
		return nil
	})
}

// ListVotes 列出投票的所有有效投票，附带用户展示名
func (r *MySQLRepository) ListVotes(ctx context.Context, pollID string) ([]model.Vote, error) {
	query := `SELECT v.id, v.poll_id, v.option_id, v.voter_kind, v.voter_key, v.created_at, u.name
		FROM votes v
		LEFT JOIN users u ON v.voter_kind = 'user' AND u.id = v.voter_key
		WHERE v.poll_id = ?
		ORDER BY v.created_at, v.id`

	rows, err := r.slaveDB.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, storageErr("查询投票记录失败", err)
	}
	defer rows.Close()

	var votes []model.Vote
	for rows.Next() {
		var (
			vote      model.Vote
			kind, key string
			name      sql.NullString
		)
		if err := rows.Scan(&vote.ID, &vote.PollID, &vote.OptionID, &kind, &key, &vote.CreatedAt, &name); err != nil {
			return nil, storageErr("扫描投票记录失败", err)
		}
		voter, err := model.NewVoterIdentity(model.VoterKind(kind), key)
		if err != nil {
			r.logger.Warn("跳过无法识别的投票人", zap.String("vote_id", vote.ID), zap.Error(err))
			continue
		}
		vote.Voter = voter
		vote.VoterName = voterName(voter, name)
		votes = append(votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("迭代投票记录失败", err)
	}
	return votes, nil
}

func voterName(voter model.VoterIdentity, name sql.NullString) string {
	if _, ok := voter.(model.SessionVoter); ok {
		return model.AnonymousName
	}
	if name.Valid {
		return name.String
	}
	return ""
}

// CountVotes 从投票记录重新统计每个选项的票数，没有投票的选项计为0
func (r *MySQLRepository) CountVotes(ctx context.Context, pollID string) (model.TallySnapshot, error) {
	query := `SELECT o.id, COUNT(v.id)
		FROM poll_options o
		LEFT JOIN votes v ON v.option_id = o.id
		WHERE o.poll_id = ?
		GROUP BY o.id`

	// 对账必须读主库
	rows, err := r.masterDB.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, storageErr("统计票数失败", err)
	}
	defer rows.Close()

	counts := make(model.TallySnapshot)
	for rows.Next() {
		var optionID string
		var n int64
		if err := rows.Scan(&optionID, &n); err != nil {
			return nil, storageErr("扫描票数失败", err)
		}
		counts[optionID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("迭代票数失败", err)
	}
	return counts, nil
}

// InTx 在一个事务中执行账本操作，fn返回错误时回滚
func (r *MySQLRepository) InTx(ctx context.Context, fn func(tx VoteTx) error) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&voteTx{tx: tx, now: r.now})
	})
}

func (r *MySQLRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("开始事务失败", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Error("回滚事务失败", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("提交事务失败", err)
	}
	return nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}

type voteTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *voteTx) FindVote(ctx context.Context, voter model.VoterIdentity, pollID string) (*model.Vote, error) {
	query := `SELECT id, poll_id, option_id, created_at FROM votes
		WHERE voter_kind = ? AND voter_key = ? AND poll_id = ?`

	vote := model.Vote{Voter: voter}
	err := t.tx.QueryRowContext(ctx, query, string(voter.Kind()), voter.Key(), pollID).
		Scan(&vote.ID, &vote.PollID, &vote.OptionID, &vote.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("查询投票人已有投票失败", err)
	}
	return &vote, nil
}

func (t *voteTx) DeleteVote(ctx context.Context, voteID string) error {
	result, err := t.tx.ExecContext(ctx, "DELETE FROM votes WHERE id = ?", voteID)
	if err != nil {
		return storageErr("删除投票失败", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("获取删除结果失败", err)
	}
	if n == 0 {
		return fmt.Errorf("投票记录 %s: %w", voteID, model.ErrNotFound)
	}
	return nil
}

func (t *voteTx) CreateVote(ctx context.Context, voter model.VoterIdentity, pollID, optionID string) (*model.Vote, error) {
	vote := &model.Vote{
		ID:        uuid.NewString(),
		Voter:     voter,
		PollID:    pollID,
		OptionID:  optionID,
		CreatedAt: t.now(),
	}
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO votes (id, poll_id, option_id, voter_kind, voter_key, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		vote.ID, vote.PollID, vote.OptionID, string(voter.Kind()), voter.Key(), vote.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("投票人已有有效投票: %w", model.ErrDuplicateVote)
		}
		return nil, storageErr("创建投票失败", err)
	}
	return vote, nil
}
