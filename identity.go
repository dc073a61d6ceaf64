package ministry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/teris-io/shortid"
)

const (
	deviceIDFile      = "device-id"
	profileFilePrefix = "profile-"
	bannerFlagFile    = "notification-banner-dismissed"
)

// IdentityStore persists the per-device identifier and display profile in a
// local directory. Storage failures are never fatal: a missing or unreadable
// record reads as absent, and an unwritable device-id file falls back to an
// ephemeral id for the process lifetime.
//
// Concurrent access from multiple processes on the same directory is not
// locked; the store is read-modify-write like the browser storage it models.
type IdentityStore struct {
	dir string

	mu        sync.Mutex
	deviceID  string // cached after first resolution
	ephemeral bool
}

// DefaultIdentityDir is the per-user identity directory, created on demand.
func DefaultIdentityDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	dir := filepath.Join(base, "ministry")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create identity directory: %w", err)
	}
	return dir, nil
}

// NewIdentityStore creates a store rooted at dir.
func NewIdentityStore(dir string) *IdentityStore {
	return &IdentityStore{dir: dir}
}

// DeviceID returns the stable per-install identifier, generating and
// persisting one on first call. Idempotent: every later call returns the same
// value, including within a process whose storage is unavailable.
func (s *IdentityStore) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID != "" {
		return s.deviceID
	}

	path := filepath.Join(s.dir, deviceIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			s.deviceID = id
			return id
		}
	}

	id := newDeviceID()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		glog.Warningf("identity: cannot persist device id, using ephemeral: %v", err)
		s.ephemeral = true
	}
	s.deviceID = id
	return id
}

// newDeviceID builds "device-<unixmilli>-<suffix>". Collision only causes
// cosmetic identity confusion, so timestamp plus a short random suffix is
// enough entropy.
func newDeviceID() string {
	suffix, err := shortid.Generate()
	if err != nil {
		var b [6]byte
		rand.Read(b[:])
		suffix = hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("device-%d-%s", time.Now().UnixMilli(), suffix)
}

// NewProfile builds a profile for this device. The profile id embeds the
// device id plus a creation timestamp so re-created profiles stay distinct.
func (s *IdentityStore) NewProfile(name, avatar string) (*DeviceProfile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	deviceID := s.DeviceID()
	return &DeviceProfile{
		ID:        fmt.Sprintf("%s-%d", deviceID, time.Now().UnixMilli()),
		DeviceID:  deviceID,
		Name:      name,
		Avatar:    avatar,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// LoadProfile reads the profile record for deviceID. A missing, corrupt, or
// unreadable record reads as absent; the caller re-prompts for setup.
func (s *IdentityStore) LoadProfile(deviceID string) (*DeviceProfile, bool) {
	data, err := os.ReadFile(s.profilePath(deviceID))
	if err != nil {
		if !os.IsNotExist(err) {
			glog.Warningf("identity: cannot read profile for %s: %v", deviceID, err)
		}
		return nil, false
	}
	var p DeviceProfile
	if err := toml.Unmarshal(data, &p); err != nil {
		glog.Warningf("identity: corrupt profile record for %s: %v", deviceID, err)
		return nil, false
	}
	if p.Name == "" {
		return nil, false
	}
	return &p, true
}

// SaveProfile overwrites the profile record atomically: the new record is
// written to a temp file and renamed into place, so a reader never observes
// a partial write.
func (s *IdentityStore) SaveProfile(p *DeviceProfile) error {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return ErrEmptyName
	}
	if p.DeviceID == "" {
		return fmt.Errorf("profile has no device id")
	}

	data, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("cannot marshal profile: %w", err)
	}

	path := s.profilePath(p.DeviceID)
	tmp, err := os.CreateTemp(s.dir, profileFilePrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("cannot create temp profile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cannot write profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cannot write profile: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cannot replace profile: %w", err)
	}
	return nil
}

// DeleteProfile removes the profile record only. The device-id file is left
// in place, so a re-created profile keeps the same device identity.
func (s *IdentityStore) DeleteProfile(deviceID string) error {
	err := os.Remove(s.profilePath(deviceID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot delete profile: %w", err)
	}
	return nil
}

func (s *IdentityStore) profilePath(deviceID string) string {
	return filepath.Join(s.dir, profileFilePrefix+deviceID+".toml")
}

// BannerDismissed reports whether the user has dismissed the enable-
// notifications banner on this device.
func (s *IdentityStore) BannerDismissed() bool {
	_, err := os.Stat(filepath.Join(s.dir, bannerFlagFile))
	return err == nil
}

// DismissBanner records the dismissal. Storage failure loses only the
// dismissal, so the banner reappears; logged and otherwise ignored.
func (s *IdentityStore) DismissBanner() {
	if err := os.WriteFile(filepath.Join(s.dir, bannerFlagFile), []byte{}, 0o600); err != nil {
		glog.Warningf("identity: cannot persist banner dismissal: %v", err)
	}
}
