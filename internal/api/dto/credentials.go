package dto

// Credentials This is necessary to prevent any Mass Assignment Vulnerability attack
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	PublicIP string `json:"publicIp,omitempty"`
}

type LoginResponse struct {
	Token               string `json:"token,omitempty"`
	Role                string `json:"role,omitempty"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds,omitempty"`

	RequiresVerification bool `json:"requiresVerification,omitempty"`
}

type VerifyRequest struct {
	Email    string `json:"email"`
	Code     string `json:"code"`
	PublicIP string `json:"publicIp,omitempty"`
}

type ChangePassword struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}
