package models

import "time"

const (
	PermissionView = "view"
	PermissionFull = "full"
)

type Admin struct {
	TelegramID  int64     `bson:"telegram_id" json:"telegram_id"`
	Username    string    `bson:"username" json:"username"`
	FullName    string    `bson:"full_name" json:"full_name"`
	Permissions string    `bson:"permissions" json:"permissions"`
	IsActive    bool      `bson:"is_active" json:"is_active"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}
