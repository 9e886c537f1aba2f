package types

import (
	"time"
)

type User struct {
	Id          string    `json:"id"`
	Username    string    `json:"username"`
	AvatarUrl   string    `json:"avatar_url,omitempty"`
	IsModerator bool      `json:"is_moderator,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Channel struct {
	Id       int    `json:"id"`
	Name     string `json:"name"`
	ReadOnly bool   `json:"read_only"`
}

type Message struct {
	Id        int       `json:"id"`
	Channel   string    `json:"channel"`
	Content   string    `json:"content"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

type PresenceEntry struct {
	UserId   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
	User     User      `json:"user"`
}
