package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// lockStaleAfter is how old a lock may be before it is treated as abandoned
// by a crashed process and force-released.
const lockStaleAfter = 6 * time.Hour

const lockFileName = "global.lock"

// lockInfo is the on-disk lock record.
type lockInfo struct {
	OwnerID        string `json:"owner_id"`
	AcquiredAtUnix int64  `json:"acquired_at_unix"`
}

func (m *Manager) lockPath() string {
	return filepath.Join(m.dir, lockFileName)
}

// lockHeld reports whether a live (non-stale) lock exists, and its owner.
func (m *Manager) lockHeld() (string, bool) {
	raw, err := os.ReadFile(m.lockPath())
	if err != nil {
		return "", false
	}
	var info lockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		// Unreadable lock: treat as held until it goes stale by mtime.
		st, serr := os.Stat(m.lockPath())
		if serr != nil {
			return "", false
		}
		if time.Since(st.ModTime()) >= lockStaleAfter {
			return "", false
		}
		return "", true
	}
	if time.Since(time.Unix(info.AcquiredAtUnix, 0)) >= lockStaleAfter {
		return "", false
	}
	return info.OwnerID, true
}

// tryAcquireLock takes the global execution lock for ownerID. A stale lock
// is force-released first.
func (m *Manager) tryAcquireLock(ownerID string) bool {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	if owner, held := m.lockHeld(); held {
		return owner == ownerID
	}
	os.Remove(m.lockPath())

	info := lockInfo{OwnerID: ownerID, AcquiredAtUnix: time.Now().Unix()}
	raw, err := json.Marshal(info)
	if err != nil {
		return false
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return false
	}
	f, err := os.OpenFile(m.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		os.Remove(m.lockPath())
		return false
	}
	return true
}

// releaseLock drops the lock if ownerID still holds it.
func (m *Manager) releaseLock(ownerID string) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	raw, err := os.ReadFile(m.lockPath())
	if err != nil {
		return
	}
	var info lockInfo
	if err := json.Unmarshal(raw, &info); err == nil && info.OwnerID != ownerID {
		return
	}
	os.Remove(m.lockPath())
}
