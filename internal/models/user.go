package models

import "time"

// User is an account able to sign in.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// APIKey describes a stored provider credential. The secret itself is only
// exposed masked.
type APIKey struct {
	Provider  string    `json:"provider"`
	Masked    string    `json:"masked"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile holds the settings a user edits on the settings screen.
type Profile struct {
	UserID            int64     `json:"user_id"`
	Username          string    `json:"username"`
	FullName          string    `json:"full_name"`
	PreferredLanguage string    `json:"preferred_language"`
	LanguageName      string    `json:"language_name"`
	Timezone          string    `json:"timezone"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AccountExport is the downloadable copy of a user's account data.
type AccountExport struct {
	ExportedAt  time.Time `json:"exported_at"`
	Profile     Profile   `json:"profile"`
	Credentials []APIKey  `json:"credentials"`
}
