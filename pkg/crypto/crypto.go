package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/bcrypt"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyPassword verifies a password against a hash
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateKey returns a random AES-128 session key
func GenerateKey() (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	b, err := GenerateRandomBytes(len(key))
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	return key, nil
}

// EncryptFRMPayload encrypts or decrypts (the operation is symmetric) a
// LoRaWAN FRMPayload. Port 0 payloads use the network session key.
func EncryptFRMPayload(key lorawan.AES128Key, uplink bool, devAddr lorawan.DevAddr, fCnt uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	k := len(payload) / 16
	if len(payload)%16 != 0 {
		k++
	}

	a := make([]byte, 16)
	a[0] = 0x01
	if !uplink {
		a[5] = 0x01
	}
	copy(a[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(a[10:14], fCnt)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		a[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], a)
	}

	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ s[i]
	}
	return out, nil
}

// DecryptFRMPayload decrypts LoRaWAN FRM payload
func DecryptFRMPayload(key lorawan.AES128Key, uplink bool, devAddr lorawan.DevAddr, fCnt uint32, payload []byte) ([]byte, error) {
	return EncryptFRMPayload(key, uplink, devAddr, fCnt, payload)
}
