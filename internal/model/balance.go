package model

import "time"

// Balance holds a user's funds in satoshis. A missing row reads as zero;
// rows are created lazily on the first credit.
type Balance struct {
	ID        uint64    `gorm:"primaryKey"`
	Username  string    `gorm:"size:64;uniqueIndex;not null"`
	Balance   int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Balance) TableName() string { return "balance" }
