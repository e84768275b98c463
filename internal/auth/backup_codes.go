package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"qazna.org/warden/internal/ids"
)

const (
	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	backupCodeLength   = 10
)

// newBackupCode returns a code formatted as XXXXX-XXXXX.
func newBackupCode() (string, error) {
	max := big.NewInt(int64(len(backupCodeAlphabet)))
	var b strings.Builder
	for i := 0; i < backupCodeLength; i++ {
		if i == backupCodeLength/2 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// canonicalBackupCode strips separators and case. Codes containing
// characters outside the alphabet canonicalize to "".
func canonicalBackupCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		switch {
		case r == '-' || r == ' ':
			continue
		case strings.ContainsRune(backupCodeAlphabet, r):
			b.WriteRune(r)
		default:
			return ""
		}
	}
	if b.Len() != backupCodeLength {
		return ""
	}
	return b.String()
}

// backupCodeHash binds the hash to the account so equal codes on two
// accounts never collide.
func backupCodeHash(accountID, canonical string) string {
	sum := sha256.Sum256([]byte(accountID + "\x00" + canonical))
	return hex.EncodeToString(sum[:])
}

// generateBackupCodes returns the plaintext codes and their records.
func generateBackupCodes(accountID string, n int, now time.Time) ([]string, []BackupCode, error) {
	plain := make([]string, 0, n)
	records := make([]BackupCode, 0, n)
	seen := make(map[string]struct{}, n)
	for len(plain) < n {
		code, err := newBackupCode()
		if err != nil {
			return nil, nil, err
		}
		canonical := canonicalBackupCode(code)
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		plain = append(plain, code)
		records = append(records, BackupCode{
			ID:        ids.NewAt(now),
			AccountID: accountID,
			CodeHash:  backupCodeHash(accountID, canonical),
			CreatedAt: now,
		})
	}
	return plain, records, nil
}
