package utils

// MaskSecret redacts all but the first four characters of s, for
// slog.LogValuer implementations (auth.Config) that need to log a secret's
// presence without logging the secret itself.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}
