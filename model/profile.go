package model

import "time"

// Account is a portal login.
type Account struct {
	SubjectID    string    `json:"subject_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Profile holds a citizen's personal details.
type Profile struct {
	SubjectID   string            `json:"subject_id"`
	FirstName   string            `json:"first_name"`
	LastName    string            `json:"last_name"`
	Email       string            `json:"email"`
	Phone       string            `json:"phone"`
	Address     string            `json:"address"`
	HasPicture  bool              `json:"has_picture"`
	Preferences NotificationPrefs `json:"preferences"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NotificationPrefs are the channels a citizen wants status updates on.
type NotificationPrefs struct {
	Email bool `json:"email"`
	SMS   bool `json:"sms"`
	InApp bool `json:"in_app"`
}

// ProfileUpdate is the editable part of a profile. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	FirstName   *string            `json:"first_name,omitempty"`
	LastName    *string            `json:"last_name,omitempty"`
	Phone       *string            `json:"phone,omitempty"`
	Address     *string            `json:"address,omitempty"`
	Preferences *NotificationPrefs `json:"preferences,omitempty"`
}

// Notification is an in-app message addressed to one citizen.
type Notification struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	RecordID  string    `json:"record_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is a file a citizen uploaded to their profile.
type Document struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subject_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Picture is a stored profile picture.
type Picture struct {
	ContentType string
	Data        []byte
	UpdatedAt   time.Time
}

// PasswordChange is the body of a change-password request.
type PasswordChange struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// Registration is the body of a sign-up request.
type Registration struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
}

// Credentials is the body of a login request.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Token is an issued bearer token.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}
