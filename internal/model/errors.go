// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: viewer, validation, feed, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMissingViewer   = "MISSING_VIEWER"
	ErrCodeInvalidPageSize = "INVALID_PAGE_SIZE"
	ErrCodeInvalidSignal   = "INVALID_SIGNAL"
	ErrCodeInvalidDwell    = "INVALID_DWELL"
	ErrCodeInvalidViewport = "INVALID_VIEWPORT"
	ErrCodeItemNotFound    = "ITEM_NOT_FOUND"
)

// ErrEmptyUserID はユーザーIDが空の場合に返す。
var ErrEmptyUserID = errors.New("user id is empty")

// ErrStoreUnavailable はバックエンドストアに到達できない場合に返す。
var ErrStoreUnavailable = errors.New("backing store unavailable")

// NewMissingViewerError はビューア識別ヘッダー欠落エラーを生成する。
func NewMissingViewerError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingViewer,
		Message:  "ビューアを識別できません。",
		Category: "viewer",
		Action:   "X-User-ID ヘッダーを付与してリクエストしてください。",
	}
}

// NewInvalidPageSizeError は無効なページサイズエラーを生成する。
func NewInvalidPageSizeError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPageSize,
		Message:  fmt.Sprintf("無効なページサイズです: %s", raw),
		Category: "validation",
		Action:   "page_size には1から50の整数を指定してください。",
	}
}

// NewInvalidSignalError は無効なシグナルエラーを生成する。
func NewInvalidSignalError(signal string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignal,
		Message:  fmt.Sprintf("無効なシグナルです: %s", signal),
		Category: "validation",
		Action:   "シグナルには liked、skipped、shared のいずれかを指定してください。",
	}
}

// NewInvalidDwellError は無効なdwell時間エラーを生成する。
func NewInvalidDwellError(dwellMs int64) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDwell,
		Message:  fmt.Sprintf("無効なdwell時間です: %dms", dwellMs),
		Category: "validation",
		Action:   "dwell_ms には0以上の整数を指定してください。",
	}
}

// NewInvalidViewportError は無効なビューポート指定エラーを生成する。
func NewInvalidViewportError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidViewport,
		Message:  fmt.Sprintf("無効なビューポート指定です: %s", reason),
		Category: "validation",
		Action:   "visible_index と window_item_ids を確認してください。",
	}
}

// NewItemNotFoundError はアイテム未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定されたアイテムが見つかりません: %s", itemID),
		Category: "feed",
		Action:   "アイテムIDを確認してください。",
	}
}
