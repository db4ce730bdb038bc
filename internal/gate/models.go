package gate

type requestOTPRequest struct {
	Email string `json:"email"`
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	SessionID string `json:"session_id"`
}

type tokensResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type verifyOTPResponse struct {
	User   userResponse   `json:"user"`
	Tokens tokensResponse `json:"tokens"`
}

type refreshResponse struct {
	Tokens tokensResponse `json:"tokens"`
}

type logoutResponse struct {
	Success bool `json:"success"`
}

type validateSessionResponse struct {
	Valid  bool          `json:"valid"`
	Mode   string        `json:"mode,omitempty"`
	Reason string        `json:"reason,omitempty"`
	User   *userResponse `json:"user,omitempty"`
}
