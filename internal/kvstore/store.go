// Package kvstore はプロセス再起動をまたいでユーザー単位の状態を保持するローカルKVストアを提供する。
// UserFeedProfile、ViewedSet、リモート未確定の台帳書き込みをBadgerに保存する。
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/hitoshi/reelfeed/internal/model"
)

const (
	profileKeyPrefix = "profile:"
	viewedKeyPrefix  = "viewed:"
	pendingKeyPrefix = "pending:"
)

// ViewedEntry はViewedSetの1要素。
// Confirmed=false はリモート台帳への書き込みが未確定の楽観状態。
type ViewedEntry struct {
	ItemID    string    `json:"item_id"`
	Confirmed bool      `json:"confirmed"`
	ViewedAt  time.Time `json:"viewed_at"`
}

// PendingWrite はリモート台帳への書き込み待ちの視聴記録。
type PendingWrite struct {
	Record     model.ViewRecord `json:"record"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"last_error,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// Key はPendingWriteの識別子 (userID, itemID) を返す。
func (p *PendingWrite) Key() string {
	return userScope(p.Record.UserID) + p.Record.ItemID
}

// Open はBadgerを開く。dirが空の場合はインメモリで開く。
func Open(dir string) (*badger.DB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// Store はBadgerを使ったユーザー状態ストア。
type Store struct {
	db *badger.DB
}

// New はStoreを生成する。
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// SaveProfile はプロファイルを保存する。
func (s *Store) SaveProfile(ctx context.Context, p *model.UserFeedProfile) error {
	if p.UserID == "" {
		return model.ErrEmptyUserID
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(profileKeyPrefix+p.UserID), data)
	})
}

// LoadProfile はプロファイルを読み込む。存在しない場合はnilを返す。
func (s *Store) LoadProfile(ctx context.Context, userID string) (*model.UserFeedProfile, error) {
	var p *model.UserFeedProfile
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(profileKeyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get profile: %w", err)
		}
		return item.Value(func(val []byte) error {
			p = model.NewUserFeedProfile(userID)
			return json.Unmarshal(val, p)
		})
	})
	if err != nil {
		return nil, err
	}
	if p != nil {
		ensureSets(p)
	}
	return p, nil
}

// DeleteProfile はプロファイルを削除する。
func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(profileKeyPrefix + userID))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete profile: %w", err)
		}
		return nil
	})
}

// MarkViewed はViewedSetにアイテムを追加または確定状態を更新する。
func (s *Store) MarkViewed(ctx context.Context, userID string, entry ViewedEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal viewed entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(viewedKey(userID, entry.ItemID), data)
	})
}

// UnmarkViewed はViewedSetからアイテムを取り除く。楽観状態のロールバックに使う。
func (s *Store) UnmarkViewed(ctx context.Context, userID, itemID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(viewedKey(userID, itemID))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete viewed entry: %w", err)
		}
		return nil
	})
}

// LoadViewed はユーザーのViewedSetを読み込む。
func (s *Store) LoadViewed(ctx context.Context, userID string) (map[string]ViewedEntry, error) {
	out := make(map[string]ViewedEntry)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(viewedKeyPrefix + userScope(userID))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry ViewedEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decode viewed entry: %w", err)
			}
			out[entry.ItemID] = entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutPending はリモート書き込み待ちの記録を保存する。同一キーは上書きする。
func (s *Store) PutPending(ctx context.Context, w *PendingWrite) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal pending write: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingKeyPrefix+w.Key()), data)
	})
}

// DeletePending は書き込み待ちの記録を削除する。
func (s *Store) DeletePending(ctx context.Context, userID, itemID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(pendingKeyPrefix + userScope(userID) + itemID))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete pending write: %w", err)
		}
		return nil
	})
}

// ListPending は書き込み待ちの記録を最大limit件返す。limitが0以下の場合は全件。
func (s *Store) ListPending(ctx context.Context, limit int) ([]*PendingWrite, error) {
	var out []*PendingWrite
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(pendingKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			w := &PendingWrite{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, w)
			}); err != nil {
				return fmt.Errorf("decode pending write: %w", err)
			}
			out = append(out, w)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func viewedKey(userID, itemID string) []byte {
	return []byte(viewedKeyPrefix + userScope(userID) + itemID)
}

// userScope はユーザーIDに長さを前置したキー断片を返す。
// IDに ":" が含まれても別ユーザーのキーと前方一致しない。
func userScope(userID string) string {
	return strconv.Itoa(len(userID)) + ":" + userID + ":"
}

// ensureSets はJSON上でnullだった集合を空集合に置き換える。
func ensureSets(p *model.UserFeedProfile) {
	for _, set := range []*map[string]struct{}{&p.FollowedIDs, &p.InterestTags, &p.ViewedIDs, &p.SkippedIDs, &p.LikedIDs} {
		if *set == nil {
			*set = make(map[string]struct{})
		}
	}
}
