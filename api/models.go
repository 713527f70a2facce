package api

import (
	"time"

	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/tickets"
	"github.com/jmcleod/ironguard/users"
)

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned from POST /auth/login and /auth/login/2fa. On a
// completed login User, ExpiresAt and CSRFToken are set; when a second
// factor is required only MFARequired and ChallengeToken are.
type LoginResponse struct {
	MFARequired    bool          `json:"mfa_required,omitempty"`
	ChallengeToken string        `json:"challenge_token,omitempty"`
	User           *UserResponse `json:"user,omitempty"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	CSRFToken      string        `json:"csrf_token,omitempty"`
}

// TwoFactorLoginRequest is the JSON body for POST /auth/login/2fa.
type TwoFactorLoginRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
}

// SetupTwoFactorResponse is returned from POST /auth/2fa/setup.
type SetupTwoFactorResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

// UserResponse describes a user without secrets.
type UserResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Roles       []string  `json:"roles"`
	TOTPEnabled bool      `json:"totp_enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

func newUserResponse(u *users.User) *UserResponse {
	return &UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Roles:       u.Roles,
		TOTPEnabled: u.TOTPEnabled(),
		CreatedAt:   u.CreatedAt,
	}
}

// SessionResponse is returned from GET /auth/session.
type SessionResponse struct {
	User      *UserResponse `json:"user"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name,omitempty"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles,omitempty"`
}

// CreateTicketRequest is the JSON body for POST /tickets.
type CreateTicketRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Department  string `json:"department,omitempty"`
}

// UpdateTicketRequest is the JSON body for PATCH /tickets/{ticketID}.
type UpdateTicketRequest struct {
	Status string `json:"status"`
}

// TicketResponse is returned from the ticket endpoints.
type TicketResponse = tickets.Ticket

// ListAuditResponse is returned from GET /audit.
type ListAuditResponse struct {
	Entries []*audit.Entry `json:"entries"`
	PaginationMeta
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	Detail            string `json:"detail,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}
