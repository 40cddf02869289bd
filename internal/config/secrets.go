package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/camorch/ipcam-orchestrator/internal/logging"
)

// The symmetric key is derived with a PBKDF-class KDF: 150k iterations,
// 32-byte key.
const (
	pbkdf2Iterations = 150_000
	keyLenBytes      = 32
	saltLenBytes     = 16
)

// SecretStore encrypts and decrypts config_type=password values at rest.
// The symmetric key is derived with PBKDF2-SHA256 from a
// host-stable seed plus a random salt persisted next to the ciphertext; the
// salt and key-derivation material are both kept under owner-only
// permissions. If the KDF cannot be exercised (e.g. the key file cannot be
// written), the store fails closed: it refuses to persist sensitive values
// rather than write them in plaintext, and logs a warning.
type SecretStore struct {
	path   string // config/credentials.enc
	saltPath string
	seed   string
	logger *logging.Logger
}

// NewSecretStore builds a store rooted at dir (conventionally config/).
// seed is a host-stable value (e.g. machine ID, or a configured secret);
// callers MUST supply the same seed across restarts or prior ciphertext
// becomes undecryptable.
func NewSecretStore(dir, seed string) *SecretStore {
	return &SecretStore{
		path:     filepath.Join(dir, "credentials.enc"),
		saltPath: filepath.Join(dir, "credentials.salt"),
		seed:     seed,
		logger:   logging.GetComponentLogger("config.secrets"),
	}
}

type encryptedBlob struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Store encrypts plaintext and writes it to the credentials file, failing
// closed if the salt cannot be established or the file cannot be written
// with owner-only permissions.
func (s *SecretStore) Store(values map[string]string) error {
	salt, err := s.loadOrCreateSalt()
	if err != nil {
		s.logger.WithError(err).Warn("refusing to persist sensitive config values: salt unavailable")
		return fmt.Errorf("secret store fail-closed: %w", err)
	}

	key := pbkdf2.Key([]byte(s.seed), salt, pbkdf2Iterations, keyLenBytes, sha256.New)

	plain, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("build gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plain, nil)

	blob := encryptedBlob{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal blob: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	return s.chmodOwnerOnly(s.path)
}

// Load decrypts and returns the stored values, or (nil, nil) if no
// credentials file exists yet.
func (s *SecretStore) Load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var blob encryptedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("unmarshal blob: %w", err)
	}
	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return nil, fmt.Errorf("load salt: %w", err)
	}
	key := pbkdf2.Key([]byte(s.seed), salt, pbkdf2Iterations, keyLenBytes, sha256.New)

	nonce, err := base64.StdEncoding.DecodeString(blob.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	var values map[string]string
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("unmarshal secrets: %w", err)
	}
	return values, nil
}

func (s *SecretStore) loadOrCreateSalt() ([]byte, error) {
	if data, err := os.ReadFile(s.saltPath); err == nil {
		decoded, derr := hex.DecodeString(string(data))
		if derr == nil && len(decoded) == saltLenBytes {
			return decoded, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.saltPath), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	salt := make([]byte, saltLenBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(s.saltPath, []byte(hex.EncodeToString(salt)), 0o600); err != nil {
		return nil, fmt.Errorf("write salt file: %w", err)
	}
	if err := s.chmodOwnerOnly(s.saltPath); err != nil {
		return nil, err
	}
	return salt, nil
}

// chmodOwnerOnly is implemented per-platform in secrets_unix.go /
// secrets_other.go: the key file and credentials.enc are stored with
// owner-only permissions.
