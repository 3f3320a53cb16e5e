package checkpoint

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

const (
	// MasterKeyEnv names the environment variable holding the base64 AES-256 key
	// used to encrypt stored credentials.
	MasterKeyEnv     = "SMS_BACKUP_MASTER_KEY"
	credCipherV1     = byte(1)
	minCipherPayload = 1 + 12 // version + nonce
)

// SaveCredential stores the encrypted credential payload of account.
func (s *State) SaveCredential(account int, payload []byte) error {
	enc, err := sealCredential(account, payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO credentials (account, payload, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(account) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, account, enc)
	return err
}

// LoadCredential returns the decrypted credential payload of account, or nil when none is stored.
func (s *State) LoadCredential(account int) ([]byte, error) {
	var enc []byte
	err := s.db.QueryRow(`SELECT payload FROM credentials WHERE account = ?`, account).Scan(&enc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return openCredential(account, enc)
}

// DeleteCredential removes the stored credential of account.
func (s *State) DeleteCredential(account int) error {
	_, err := s.db.Exec(`DELETE FROM credentials WHERE account = ?`, account)
	return err
}

// GenerateMasterKey returns a random key in the format expected in MasterKeyEnv.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// The account number is bound as additional data so a payload cannot be moved
// to another account row.
func accountAD(account int) []byte {
	return []byte("account:" + strconv.Itoa(account))
}

func sealCredential(account int, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, accountAD(account))
	payload := append([]byte{credCipherV1}, nonce...)
	payload = append(payload, ciphertext...)
	return payload, nil
}

func openCredential(account int, payload []byte) ([]byte, error) {
	if len(payload) < minCipherPayload {
		return nil, errors.New("encrypted credential payload is too short")
	}
	if payload[0] != credCipherV1 {
		return nil, fmt.Errorf("unsupported credential cipher version: %d", payload[0])
	}

	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(payload) < 1+nonceSize {
		return nil, errors.New("encrypted credential payload missing nonce")
	}
	nonce := payload[1 : 1+nonceSize]
	ciphertext := payload[1+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, accountAD(account))
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return plaintext, nil
}

func newGCM() (cipher.AEAD, error) {
	key, err := getMasterKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

func getMasterKey() ([]byte, error) {
	raw := os.Getenv(MasterKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", MasterKeyEnv)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64-encoded: %w", MasterKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes (got %d)", MasterKeyEnv, len(key))
	}
	return key, nil
}
