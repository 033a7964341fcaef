package model

import (
	"time"
)

// User 已注册用户，仅用于展示名解析
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Poll 投票主题
type Poll struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"ownerId"`
	Options   []Option  `json:"options"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasOption 判断选项是否属于该投票
func (p *Poll) HasOption(optionID string) bool {
	for _, o := range p.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// Option 投票选项
type Option struct {
	ID     string `json:"id"`
	PollID string `json:"pollId"`
	Title  string `json:"title"`
}

// Vote 一条有效投票记录，(voter, poll) 唯一
type Vote struct {
	ID        string        `json:"id"`
	Voter     VoterIdentity `json:"-"`
	PollID    string        `json:"pollId"`
	OptionID  string        `json:"pollOptionId"`
	VoterName string        `json:"-"`
	CreatedAt time.Time     `json:"createdAt"`
}

// TallySnapshot optionID -> count
type TallySnapshot map[string]int64

// Total 所有选项票数之和
func (s TallySnapshot) Total() int64 {
	var total int64
	for _, n := range s {
		total += n
	}
	return total
}

// DeltaEvent 票数变化事件，只存在于广播总线上
type DeltaEvent struct {
	PollOptionID string  `json:"pollOptionId"`
	Votes        int64   `json:"votes"`
	UserID       *string `json:"userId"`
	UserName     *string `json:"userName"`
}

// VoterRef 投票人展示信息
type VoterRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OptionView 选项的实时视图
type OptionView struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Score  int64      `json:"score"`
	Voters []VoterRef `json:"voters"`
}

// PollView 加入直播或查询单个投票时返回的完整状态
type PollView struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	CreatedBy *VoterRef    `json:"createdBy"`
	Options   []OptionView `json:"options"`
}

// PollSnapshotMessage 直播连接的初始消息
type PollSnapshotMessage struct {
	Poll PollView `json:"poll"`
}

// VoteResult 投票结果
type VoteResult struct {
	Vote     Vote         `json:"vote"`
	Replaced bool         `json:"replaced"`
	Events   []DeltaEvent `json:"events"`
}
