package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/haasonsaas/nexus/pkg/models"
)

const (
	scryptN      = 1 << 14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
	nonceLen     = 16
)

// fileBackend encrypts secrets into a single JSON envelope on disk,
// for hosts with no reachable OS keychain. Each write picks a fresh
// salt and nonce; the master key never touches disk in plaintext
// unless the operator provides one directly via the key file.
type fileBackend struct {
	namespace   string
	dataDir     string
	secretsFile string
	keyFile     string
	masterKey   []byte
}

func newFileBackend(home, namespace string) (*fileBackend, error) {
	dataDir := filepath.Join(home, ".nexus")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("secrets: create data dir: %w", err)
	}

	b := &fileBackend{
		namespace:   namespace,
		dataDir:     dataDir,
		secretsFile: filepath.Join(dataDir, "secrets.enc.json"),
		keyFile:     filepath.Join(dataDir, "secrets.key"),
	}

	key, err := b.loadMasterKey()
	if err != nil {
		return nil, err
	}
	b.masterKey = key
	return b, nil
}

func (b *fileBackend) BackendName() string { return "encrypted_file" }

// loadMasterKey resolves the master key from NEXUS_SECRETS_MASTER_KEY,
// then an existing 0600 key file, and otherwise mints and persists a
// fresh random key.
func (b *fileBackend) loadMasterKey() ([]byte, error) {
	if env := strings.TrimSpace(os.Getenv("NEXUS_SECRETS_MASTER_KEY")); env != "" {
		return []byte(env), nil
	}

	if raw, err := os.ReadFile(b.keyFile); err == nil {
		trimmed := strings.TrimSpace(string(raw))
		if decoded, err := base64.URLEncoding.DecodeString(trimmed); err == nil {
			return decoded, nil
		}
		return raw, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate master key: %w", err)
	}
	encoded := base64.URLEncoding.EncodeToString(key)
	if err := os.WriteFile(b.keyFile, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("secrets: persist master key: %w", err)
	}
	return key, nil
}

func (b *fileBackend) readData() map[string]string {
	raw, err := os.ReadFile(b.secretsFile)
	if err != nil {
		return map[string]string{}
	}
	var payload models.EncryptedSecretPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]string{}
	}
	data, ok := b.decryptPayload(payload)
	if !ok {
		return map[string]string{}
	}
	return data
}

func (b *fileBackend) writeData(data map[string]string) error {
	payload, err := b.encryptPayload(data)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(b.secretsFile, raw, 0o600); err != nil {
		return err
	}
	return nil
}

func (b *fileBackend) encryptPayload(data map[string]string) (models.EncryptedSecretPayload, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return models.EncryptedSecretPayload{}, err
	}

	salt := make([]byte, saltLen)
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(salt); err != nil {
		return models.EncryptedSecretPayload{}, err
	}
	if _, err := rand.Read(nonce); err != nil {
		return models.EncryptedSecretPayload{}, err
	}

	key, err := scrypt.Key(b.masterKey, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return models.EncryptedSecretPayload{}, fmt.Errorf("secrets: derive key: %w", err)
	}

	ciphertext := xorStream(plaintext, key, nonce)
	tag := authTag(key, nonce, ciphertext)

	return models.EncryptedSecretPayload{
		V:          1,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

func (b *fileBackend) decryptPayload(payload models.EncryptedSecretPayload) (map[string]string, bool) {
	if payload.V != 1 {
		return nil, false
	}
	salt, err := base64.StdEncoding.DecodeString(payload.Salt)
	if err != nil {
		return nil, false
	}
	nonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return nil, false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, false
	}
	tag, err := base64.StdEncoding.DecodeString(payload.Tag)
	if err != nil {
		return nil, false
	}

	key, err := scrypt.Key(b.masterKey, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, false
	}
	expected := authTag(key, nonce, ciphertext)
	if !hmac.Equal(tag, expected) {
		return nil, false
	}

	plaintext := xorStream(ciphertext, key, nonce)
	var data map[string]string
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, false
	}
	return data, true
}

func authTag(key, nonce, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(nonce)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// xorStream implements an HMAC-SHA256-counter-mode stream cipher:
// block i = HMAC(key, nonce || big-endian(i)), XORed against data in
// 32-byte chunks. The same function encrypts and decrypts.
func xorStream(data, key, nonce []byte) []byte {
	out := make([]byte, len(data))
	var counter uint64
	offset := 0
	for offset < len(data) {
		var counterBytes [8]byte
		binary.BigEndian.PutUint64(counterBytes[:], counter)

		mac := hmac.New(sha256.New, key)
		mac.Write(nonce)
		mac.Write(counterBytes[:])
		block := mac.Sum(nil)

		take := len(block)
		if remaining := len(data) - offset; take > remaining {
			take = remaining
		}
		for i := 0; i < take; i++ {
			out[offset+i] = data[offset+i] ^ block[i]
		}
		offset += take
		counter++
	}
	return out
}

func (b *fileBackend) Get(key string) (string, bool) {
	data := b.readData()
	value, ok := data[key]
	return value, ok
}

func (b *fileBackend) Set(key, value string) error {
	data := b.readData()
	data[key] = value
	return b.writeData(data)
}

func (b *fileBackend) Delete(key string) error {
	data := b.readData()
	if _, ok := data[key]; !ok {
		return fmt.Errorf("secrets: key %q not found", key)
	}
	delete(data, key)
	return b.writeData(data)
}

func (b *fileBackend) Has(key string) bool {
	_, ok := b.Get(key)
	return ok
}
