package model

import "time"

// LockRecord is stored at .strata/locks/<name>.lock
type LockRecord struct {
	Name         string    `json:"name"`
	HolderNonce  string    `json:"holder_nonce"`
	SessionID    string    `json:"session_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken int64     `json:"fencing_token"`
	Purpose      string    `json:"purpose,omitempty"`
}

// IsExpired returns true if the lock has expired.
func (l *LockRecord) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockPolicy configures lock timing parameters.
type LockPolicy struct {
	DefaultLeaseTTL time.Duration `json:"default_lease_ttl"`
	AcquireTimeout  time.Duration `json:"acquire_timeout"`
	RetryInterval   time.Duration `json:"retry_interval"`
}

// DefaultLockPolicy suits short critical sections such as minting a
// completion time and writing one file.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{
		DefaultLeaseTTL: 60 * time.Second,
		AcquireTimeout:  30 * time.Second,
		RetryInterval:   20 * time.Millisecond,
	}
}
