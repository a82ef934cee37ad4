package model

import "time"

// Challenge statuses. Only the settlement service moves a challenge out of
// WAITING FOR ACCEPTANCE, and ACCEPTED is terminal here.
const (
	ChallengeStatusWaiting  = "WAITING FOR ACCEPTANCE"
	ChallengeStatusAccepted = "ACCEPTED"
)

// Challenge is a proposed or active wager between two users. Username is the
// challenger, OppUsername the only user allowed to accept. ChallengerToken is
// stored at creation so the service can accept the game on the challenger's
// behalf later.
type Challenge struct {
	ID                 uint64  `gorm:"primaryKey"`
	Username           string  `gorm:"size:64;index;not null"`
	OppUsername        string  `gorm:"size:64;index;not null"`
	TimeLimit          int     `gorm:"not null"`
	OpponentTimeLimit  int     `gorm:"not null"`
	Increment          int     `gorm:"not null"`
	Color              string  `gorm:"size:8;not null"`
	Sats               int64   `gorm:"not null"`
	Status             string  `gorm:"size:32;not null"`
	LichessChallengeID *string `gorm:"size:32"`
	ChallengerToken    string  `gorm:"size:128;not null" json:"-"`
	ExpireAfter        int     `gorm:"not null"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
}

func (Challenge) TableName() string { return "challenge" }

// User is a resolved identity plus the bearer token it was resolved from.
// It is never persisted; the auth middleware builds it per request.
type User struct {
	Username    string
	AccessToken string
}
