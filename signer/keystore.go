package signer

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"time"
)

// Encrypted-at-rest persistence for KeySigner. The key material is wrapped
// in AES-GCM under a sha256-derived key, with an integrity hash over the
// inner payload so a wrong secret fails loudly instead of yielding garbage.

type encryptedKeyData struct {
	B64PrivateKey string    `json:"private_key"`
	DateEncrypted time.Time `json:"date_encrypted"`
}

type encryptedKey struct {
	Hash []byte `json:"hash"`
	Data []byte `json:"data"`
}

// Export serializes the signer's key encrypted under secret.
func (s *KeySigner) Export(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, NewError(ErrorSecretRequired)
	}

	x509Encoded, err := x509.MarshalPKCS8PrivateKey(s.key)
	if err != nil {
		return nil, err
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: x509Encoded})

	inner, err := json.Marshal(&encryptedKeyData{
		B64PrivateKey: base64.StdEncoding.EncodeToString(pemKey),
		DateEncrypted: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256(inner)
	wrapped, err := json.Marshal(&encryptedKey{Hash: hash[:], Data: inner})
	if err != nil {
		return nil, err
	}
	return encrypt(secret, wrapped)
}

// KeySignerFromEncrypted restores a signer exported with Export.
func KeySignerFromEncrypted(secret, data []byte) (*KeySigner, error) {
	if len(secret) == 0 {
		return nil, NewError(ErrorSecretRequired)
	}

	plain, err := decrypt(secret, data)
	if err != nil {
		return nil, err
	}

	wrapped := &encryptedKey{}
	if err := json.Unmarshal(plain, wrapped); err != nil {
		return nil, err
	}
	hash := sha256.Sum256(wrapped.Data)
	if !bytes.Equal(hash[:], wrapped.Hash) {
		return nil, NewError(ErrorInvalidHash)
	}

	inner := &encryptedKeyData{}
	if err := json.Unmarshal(wrapped.Data, inner); err != nil {
		return nil, err
	}

	pemKey, err := base64.StdEncoding.DecodeString(inner.B64PrivateKey)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, NewError(ErrorInvalidPrivateKey)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, NewError(ErrorInvalidPrivateKey)
	}
	return &KeySigner{key: key}, nil
}

func encrypt(key, data []byte) ([]byte, error) {
	hash := sha256.Sum256(key)
	blockCipher, err := aes.NewCipher(hash[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func decrypt(key, data []byte) ([]byte, error) {
	hash := sha256.Sum256(key)
	blockCipher, err := aes.NewCipher(hash[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, NewError(ErrorInvalidHash)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
