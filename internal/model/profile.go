package model

import "time"

// UserFeedProfile はユーザーごとのパーソナライズ状態。
// ユーザー単位のエンジンセッションが排他的に所有し、ユーザー間で共有しない。
type UserFeedProfile struct {
	UserID        string              `json:"user_id"`
	FollowedIDs   map[string]struct{} `json:"followed_ids"`
	InterestTags  map[string]struct{} `json:"interest_tags"`
	ViewedIDs     map[string]struct{} `json:"viewed_ids"`
	SkippedIDs    map[string]struct{} `json:"skipped_ids"`
	LikedIDs      map[string]struct{} `json:"liked_ids"`
	LastRebuiltAt time.Time           `json:"last_rebuilt_at"`
}

// NewUserFeedProfile は空のプロファイルを生成する。
func NewUserFeedProfile(userID string) *UserFeedProfile {
	return &UserFeedProfile{
		UserID:       userID,
		FollowedIDs:  make(map[string]struct{}),
		InterestTags: make(map[string]struct{}),
		ViewedIDs:    make(map[string]struct{}),
		SkippedIDs:   make(map[string]struct{}),
		LikedIDs:     make(map[string]struct{}),
	}
}

// Excluded はアイテムが視聴済みまたはスキップ済みかを返す。
func (p *UserFeedProfile) Excluded(itemID string) bool {
	if _, ok := p.ViewedIDs[itemID]; ok {
		return true
	}
	_, ok := p.SkippedIDs[itemID]
	return ok
}

// Clone はランキング用の読み取り専用スナップショットを返す。
func (p *UserFeedProfile) Clone() *UserFeedProfile {
	c := &UserFeedProfile{
		UserID:        p.UserID,
		FollowedIDs:   cloneSet(p.FollowedIDs),
		InterestTags:  cloneSet(p.InterestTags),
		ViewedIDs:     cloneSet(p.ViewedIDs),
		SkippedIDs:    cloneSet(p.SkippedIDs),
		LikedIDs:      cloneSet(p.LikedIDs),
		LastRebuiltAt: p.LastRebuiltAt,
	}
	return c
}

// SetKeys は集合のキーを返す。順序は不定。
func SetKeys(s map[string]struct{}) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	c := make(map[string]struct{}, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

// UserSignal はビューア台帳を経由しないパーソナライズ用シグナル。
type UserSignal string

const (
	// SignalLiked はいいね。
	SignalLiked UserSignal = "liked"
	// SignalSkipped はスキップ。
	SignalSkipped UserSignal = "skipped"
	// SignalShared はシェア。
	SignalShared UserSignal = "shared"
)

// Valid はシグナル値が定義済みかを返す。
func (s UserSignal) Valid() bool {
	switch s {
	case SignalLiked, SignalSkipped, SignalShared:
		return true
	}
	return false
}
