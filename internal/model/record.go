package model

import "time"

// SerialisedObject は名前付きで永続化されるオブジェクトの1レコードを表す。
// Payloadはバージョン付きのJSON。
type SerialisedObject struct {
	Kind      string
	Name      string
	Version   int
	Payload   []byte
	UpdatedAt time.Time
}

// Message は利用者に表示する通知メッセージを表す。
type Message struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ContentUpdate は取り込み済みファイルに適用するタグ追加を表す。
type ContentUpdate struct {
	Hash      string    `json:"hash"`
	Tag       string    `json:"tag"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}
