package hwencoder

type CustomOption = any
type CustomOptions []CustomOption

// BackendOptions are passed verbatim to the backend (e.g. an NVENC preset).
type BackendOptions map[string]string

// SessionName labels the session in logs.
type SessionName string

// GetCustomOption returns the last option of type T, so appended options
// override earlier ones.
func GetCustomOption[T any](in CustomOptions) (T, bool) {
	for idx := len(in) - 1; idx >= 0; idx-- {
		if v, ok := in[idx].(T); ok {
			return v, true
		}
	}

	var zeroValue T
	return zeroValue, false
}
