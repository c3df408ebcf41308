package notify

// Role is why a user is a candidate recipient.
type Role string

const (
	RoleAssignee     Role = "assignee"
	RoleCreator      Role = "creator"
	RoleCollaborator Role = "collaborator"
	RoleMentioned    Role = "mentioned"
)

// Recipient is a raw candidate. A candidate list may name the same user
// under several roles; the fan-out engine deduplicates.
type Recipient struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// User is the directory view of a user.
type User struct {
	ID         string `json:"id" db:"id"`
	Email      string `json:"email" db:"email"`
	Name       string `json:"name" db:"name"`
	CustomName string `json:"custom_name,omitempty" db:"custom_name"`
}

// DisplayName prefers the custom name.
func (u User) DisplayName() string {
	if u.CustomName != "" {
		return u.CustomName
	}
	return u.Name
}
