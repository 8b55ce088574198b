package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakKeyScoreThreshold = 3

// IsWeakKey returns whether the admin key is considered weak. An empty key
// disables auth entirely, so it is not scored here.
func IsWeakKey(key string) bool {
	if key == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(key, nil)
	return result.Score < weakKeyScoreThreshold
}
