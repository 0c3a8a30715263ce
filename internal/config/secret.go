package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// HashSecret returns a bcrypt hash of a plaintext management key. A value
// that is already a bcrypt hash is returned unchanged.
func HashSecret(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" || isBcryptHash(secret) {
		return secret, nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("config: hash secret failed: %w", err)
	}
	return string(hashed), nil
}

// VerifySecret compares a presented key with the configured one.
func (c *Config) VerifySecret(presented string) bool {
	if c == nil {
		return false
	}
	stored := strings.TrimSpace(c.RemoteManagement.SecretKey)
	presented = strings.TrimSpace(presented)
	if stored == "" || presented == "" {
		return false
	}
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	return stored == presented
}

// ManagementEnabled reports whether a management key is configured.
func (c *Config) ManagementEnabled() bool {
	return c != nil && strings.TrimSpace(c.RemoteManagement.SecretKey) != ""
}

// PersistHashedSecret rewrites the config file so that a plaintext
// remote-management.secret-key is replaced by its bcrypt hash. Keys coming
// from the environment are never written back.
func PersistHashedSecret(path string, cfg *Config) error {
	if cfg == nil || cfg.managementPlaintext || path == "" {
		return nil
	}
	secret := strings.TrimSpace(cfg.RemoteManagement.SecretKey)
	if secret == "" || isBcryptHash(secret) {
		return nil
	}
	hashed, err := HashSecret(secret)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s failed: %w", path, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("config: parse %s failed: %w", path, err)
	}
	if !setNestedScalar(&root, hashed, "remote-management", "secret-key") {
		return errors.New("config: remote-management.secret-key not found")
	}
	out, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("config: encode failed: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("config: write %s failed: %w", path, err)
	}
	cfg.RemoteManagement.SecretKey = hashed
	return nil
}

func setNestedScalar(node *yaml.Node, value string, path ...string) bool {
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	for i, key := range path {
		if node.Kind != yaml.MappingNode {
			return false
		}
		found := false
		for j := 0; j+1 < len(node.Content); j += 2 {
			if node.Content[j].Value != key {
				continue
			}
			if i == len(path)-1 {
				node.Content[j+1].SetString(value)
				return true
			}
			node = node.Content[j+1]
			found = true
			break
		}
		if !found {
			return false
		}
	}
	return false
}
