package models

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

type User struct {
	BaseModel
	Email        string   `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string   `json:"-" gorm:"type:text;not null"`
	FirstName    string   `json:"firstName" gorm:"type:varchar(100);not null"`
	LastName     string   `json:"lastName" gorm:"type:varchar(100);not null"`
	Role         UserRole `json:"role" gorm:"type:varchar(20);not null;default:'user'"`
	ExtraRoles   []string `json:"extraRoles,omitempty" gorm:"type:text;serializer:json"`
	Active       bool     `json:"active" gorm:"default:true"`
}

// RoleNames returns every role the user holds, primary role first.
// MFA policies match against this set.
func (u *User) RoleNames() []string {
	roles := []string{string(u.Role)}
	for _, r := range u.ExtraRoles {
		if r != string(u.Role) {
			roles = append(roles, r)
		}
	}
	return roles
}
