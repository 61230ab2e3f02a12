// Package model はドメインモデルを定義する。
package model

import "time"

// Session はユーザーのログインセッションを表す。
// セッションの発行は外部の認証プロバイダーが行い、ここでは検証のみを扱う。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Identity はタイマーを操作する主体を表す。
// 認証済みユーザーはUserIDを持ち、匿名ユーザーはローカル保存のみを使用する。
type Identity struct {
	UserID        string
	Authenticated bool
}

// AnonymousIdentity は匿名ユーザーのIdentityを返す。
func AnonymousIdentity() Identity {
	return Identity{}
}

// Key はIdentityごとのオーケストレーターを識別するキーを返す。
func (i Identity) Key() string {
	if !i.Authenticated {
		return "anonymous"
	}
	return "user:" + i.UserID
}
