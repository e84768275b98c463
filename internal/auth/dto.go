package auth

import "time"

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type LoginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code,omitempty"`
	BackupCode    string `json:"backup_code,omitempty"`
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TwoFactorSetup is shown to the user once. Secret and BackupCodes are never
// retrievable again.
type TwoFactorSetup struct {
	Secret      string   `json:"secret"`
	URI         string   `json:"otpauth_uri"`
	BackupCodes []string `json:"backup_codes"`
}

type TwoFactorVerifyRequest struct {
	Code       string `json:"code,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

type TwoFactorDisableRequest struct {
	Password   string `json:"password"`
	Code       string `json:"code,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

type BackupCodesRequest struct {
	Password string `json:"password"`
}

type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

type AuthorizeRequest struct {
	AccountID  string `json:"account_id"`
	Permission string `json:"permission"`
}

type AuthorizeResponse struct {
	Allowed bool `json:"allowed"`
}
