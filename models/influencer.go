package models

// Influencer is the read-only profile of an outreach target. It is managed
// elsewhere; the engine only reads it to fill in email variables.
type Influencer struct {
	Model
	Name          string `gorm:"not null" json:"name"`
	Email         string `gorm:"index" json:"email"`
	Platform      string `json:"platform"` // instagram, tiktok, youtube...
	FollowerCount int64  `gorm:"default:0" json:"follower_count"`
	Niche         string `json:"niche"`
}
