package protocol

// UserCreateRequest is the payload of a "user.create" envelope.
type UserCreateRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserGetRequest is the payload of "user.get" and "user.delete". An empty
// UserID targets the requester.
type UserGetRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// UserUpdateRequest is the payload of a "user.update" envelope. Absent
// fields are left unchanged.
type UserUpdateRequest struct {
	UserID   string  `json:"user_id,omitempty"`
	Email    *string `json:"email,omitempty"`
	Password *string `json:"password,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// UserInfo is the public projection of a user record. The password hash
// never appears on the wire.
type UserInfo struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// UserListResponse is the payload of a "user.list.response" envelope.
type UserListResponse struct {
	Users []UserInfo `json:"users"`
}
