package models

// Identity is the authenticated user a session acts for. It is passed in
// explicitly when a session is built and never read from ambient storage.
type Identity struct {
	UserID   int64  `json:"user_id" yaml:"user_id"`
	Username string `json:"username" yaml:"username"`
	Token    string `json:"-" yaml:"token"`
}

// Owns reports whether the message was authored by this identity
func (i Identity) Owns(m Message) bool {
	return m.SenderID == i.UserID
}

// UserResponse is the public view of a chat participant
type UserResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}
