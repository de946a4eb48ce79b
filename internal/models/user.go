package models

import "github.com/golang-jwt/jwt/v5"

// Roles accepted on the ops API. Tokens are issued by the university SSO.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// User is the subset of the Moodle user row the bridge needs. IDNumber holds
// the SITS student code.
type User struct {
	ID        int64  `db:"id" json:"id"`
	Username  string `db:"username" json:"username"`
	IDNumber  string `db:"idnumber" json:"idnumber"`
	Email     string `db:"email" json:"email"`
	Deleted   bool   `db:"deleted" json:"-"`
	Suspended bool   `db:"suspended" json:"-"`
}

// JWTClaims is the token payload validated by the auth middleware.
type JWTClaims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Pagination describes list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// NewPagination computes page counts.
func NewPagination(page, size, total int) *Pagination {
	if size <= 0 {
		size = 20
	}
	pages := total / size
	if total%size != 0 {
		pages++
	}
	return &Pagination{Page: page, PageSize: size, TotalItems: total, TotalPages: pages}
}
