package database

import "time"

type User struct {
	Id          string
	Username    string
	AvatarUrl   string
	IsModerator bool
	UpdatedAt   time.Time
}

type Channel struct {
	Id   int
	Name string
}

type Message struct {
	Id        int
	ChannelId int
	UserId    string
	Content   string
	CreatedAt time.Time
	IsDeleted bool
	// Author fields resolved by joining users; populated by reads and
	// by CreateMessage's RETURNING path.
	Username  string
	AvatarUrl string
}

type PresenceRow struct {
	UserId      string
	ChannelName string
	IsOnline    bool
	LastSeen    time.Time
	Username    string
	AvatarUrl   string
}

type UpsertUserParams struct {
	Id          string
	Username    string
	AvatarUrl   string
	IsModerator bool
}

type CreateMessageParams struct {
	ChannelId int
	UserId    string
	Content   string
}
