package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
)

// Store reads and patches account JSON files under a single directory. Each
// account lives in its own <id>.json file; patches go through sjson so keys
// the gateway does not model survive write-through.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create accounts dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

// LoadAll reads every *.json file in the directory. Unparsable files are
// skipped with a debug log. Results are sorted by last_used descending so
// recently active accounts come first.
func (s *Store) LoadAll() ([]*Account, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read accounts dir: %w", err)
	}

	var accounts []*Account
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			utils.Debug("[Accounts] Skipping %s: %v", e.Name(), err)
			continue
		}
		var acc Account
		if err := json.Unmarshal(data, &acc); err != nil {
			utils.Debug("[Accounts] Skipping %s: %v", e.Name(), err)
			continue
		}
		if acc.ID == "" {
			acc.ID = strings.TrimSuffix(e.Name(), ".json")
		}
		acc.Path = path
		accounts = append(accounts, &acc)
	}

	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].LastUsed > accounts[j].LastUsed
	})
	return accounts, nil
}

// Save writes the full record as pretty-printed JSON via an atomic
// temp-file rename. Prefer the Patch* methods for partial updates.
func (s *Store) Save(acc *Account) error {
	if acc.ID == "" {
		return fmt.Errorf("account has no id")
	}
	data, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account %s: %w", acc.ID, err)
	}
	path := filepath.Join(s.dir, acc.ID+".json")
	if err := s.writeAtomic(path, append(data, '\n')); err != nil {
		return err
	}
	acc.Path = path
	return nil
}

// PatchToken updates only the token fields of the file at path, leaving all
// other keys untouched. An empty refreshToken keeps the stored one.
func (s *Store) PatchToken(path, accessToken, refreshToken string, expiresIn, expiryTimestamp int64) error {
	return s.patch(path, func(data []byte) ([]byte, error) {
		data, err := sjson.SetBytes(data, "token.access_token", accessToken)
		if err != nil {
			return nil, err
		}
		data, err = sjson.SetBytes(data, "token.expires_in", expiresIn)
		if err != nil {
			return nil, err
		}
		data, err = sjson.SetBytes(data, "token.expiry_timestamp", expiryTimestamp)
		if err != nil {
			return nil, err
		}
		if refreshToken != "" {
			data, err = sjson.SetBytes(data, "token.refresh_token", refreshToken)
			if err != nil {
				return nil, err
			}
		}
		return data, nil
	})
}

// PatchProjectID updates the resolved project id inside the token subtree of
// the file at path.
func (s *Store) PatchProjectID(path, projectID string) error {
	return s.patch(path, func(data []byte) ([]byte, error) {
		return sjson.SetBytes(data, "token.project_id", projectID)
	})
}

// PatchLastUsed stamps the last_used field of the file at path.
func (s *Store) PatchLastUsed(path string, ts int64) error {
	return s.patch(path, func(data []byte) ([]byte, error) {
		return sjson.SetBytes(data, "last_used", ts)
	})
}

// PatchQuota replaces the quota object of the file at path.
func (s *Store) PatchQuota(path string, quota json.RawMessage) error {
	return s.patch(path, func(data []byte) ([]byte, error) {
		return sjson.SetRawBytes(data, "quota", quota)
	})
}

func (s *Store) patch(path string, apply func([]byte) ([]byte, error)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read account file: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("account file %s is not valid JSON", filepath.Base(path))
	}
	patched, err := apply(data)
	if err != nil {
		return fmt.Errorf("patch account file %s: %w", filepath.Base(path), err)
	}
	return s.writeAtomic(path, patched)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".account-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace account file: %w", err)
	}
	return nil
}
