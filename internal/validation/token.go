package validation

const (
	// SessionTokenLen задаёт длину токена сессии в шестнадцатеричных символах.
	SessionTokenLen = 32
	// AccessTokenLen задаёт длину токена доступа к отчёту в шестнадцатеричных символах.
	AccessTokenLen = 64
)

// IsSessionToken проверяет формат токена сессии.
func IsSessionToken(s string) bool {
	return isLowerHex(s, SessionTokenLen)
}

// IsAccessToken проверяет формат токена доступа к отчёту: ровно 64 символа 0-9a-f.
func IsAccessToken(s string) bool {
	return isLowerHex(s, AccessTokenLen)
}

func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
