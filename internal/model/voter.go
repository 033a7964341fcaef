package model

import (
	"fmt"
	"strings"
)

// AnonymousName 匿名投票人的展示名
const AnonymousName = "Anonymous"

// VoterKind 投票人类型，对应 votes.voter_kind 列
type VoterKind string

const (
	VoterKindUser    VoterKind = "user"
	VoterKindSession VoterKind = "session"
)

// VoterIdentity 投票人身份，只有 UserVoter 和 SessionVoter 两种实现
type VoterIdentity interface {
	Kind() VoterKind
	Key() string
	voterIdentity()
}

// UserVoter 已认证用户
type UserVoter struct {
	UserID string
}

func (u UserVoter) Kind() VoterKind { return VoterKindUser }
func (u UserVoter) Key() string     { return u.UserID }
func (UserVoter) voterIdentity()    {}

// SessionVoter 匿名会话，会话ID来自签名cookie
type SessionVoter struct {
	SessionID string
}

func (s SessionVoter) Kind() VoterKind { return VoterKindSession }
func (s SessionVoter) Key() string     { return s.SessionID }
func (SessionVoter) voterIdentity()    {}

// NewVoterIdentity 根据存储的 (kind, key) 还原身份
func NewVoterIdentity(kind VoterKind, key string) (VoterIdentity, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("投票人标识为空: %w", ErrInvalidInput)
	}
	switch kind {
	case VoterKindUser:
		return UserVoter{UserID: key}, nil
	case VoterKindSession:
		return SessionVoter{SessionID: key}, nil
	default:
		return nil, fmt.Errorf("未知的投票人类型 %q: %w", kind, ErrInvalidInput)
	}
}

// UserIDOf 返回已认证用户的ID
func UserIDOf(v VoterIdentity) (string, bool) {
	u, ok := v.(UserVoter)
	if !ok {
		return "", false
	}
	return u.UserID, true
}

// SameVoter 比较两个身份是否相同
func SameVoter(a, b VoterIdentity) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Kind() == b.Kind() && a.Key() == b.Key()
}
