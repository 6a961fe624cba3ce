package domain

import "strings"

const (
	fallbackBoardKey = "BR"
	maxBoardKeyLen   = 10
)

// boardKey picks the key used as display id prefix. An explicit key of two or
// more characters wins. Otherwise a single word name yields its first two
// letters and longer names the initials of the first two words, trying the
// other letters of the second word when that pair is taken.
func boardKey(name, explicit string, taken map[string]bool) string {
	if len(explicit) >= 2 {
		return strings.ToUpper(explicit)
	}
	words := strings.Fields(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ':
			return r
		}
		return -1
	}, name))

	if len(words) <= 1 {
		if len(words) == 0 || len(words[0]) < 2 {
			return fallbackBoardKey
		}
		return strings.ToUpper(words[0][:2])
	}

	first := strings.ToUpper(words[0][:1])
	second := strings.ToUpper(words[1])
	key := first + second[:1]
	if !taken[key] {
		return key
	}
	for i := 1; i < len(second); i++ {
		if candidate := first + second[i:i+1]; !taken[candidate] {
			return candidate
		}
	}
	return key
}

func validBoardKey(key string) bool {
	if len(key) < 2 || len(key) > maxBoardKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
