package credentials

import "time"

// Credential stores the delegated OAuth grant for one subject and provider.
type Credential struct {
	SubjectID    string    `gorm:"column:subject_id;primaryKey;size:190;not null"`
	Provider     string    `gorm:"column:provider;primaryKey;size:32;not null"`
	AccessToken  string    `gorm:"column:access_token;type:text;not null"`
	RefreshToken string    `gorm:"column:refresh_token;type:text;not null;default:''"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime:false;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Credential) TableName() string {
	return "oauth_credentials"
}

// HasRefreshToken reports whether a refresh grant is on file.
func (c Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}
