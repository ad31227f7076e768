package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

const (
	configMagic    = "BCC1"
	configVer      = uint16(1)
	configSaltSize = 16
	configIter     = 200_000
)

// SealConfig encrypts a config payload under passphrase with a small header
// carrying the salt and nonce.
func SealConfig(plain, passphrase []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteString(configMagic)
	if err := binary.Write(buf, binary.BigEndian, configVer); err != nil {
		return nil, err
	}
	salt := make([]byte, configSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	buf.Write(salt)
	buf.Write(nonce)
	aead, err := configAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	buf.Write(aead.Seal(nil, nonce, plain, []byte(configMagic)))
	return buf.Bytes(), nil
}

// OpenConfig decrypts a payload produced by SealConfig.
func OpenConfig(sealed, passphrase []byte) ([]byte, error) {
	const headerLen = 4 + 2 + configSaltSize + 12
	if len(sealed) < headerLen {
		return nil, fmt.Errorf("sealed config too short")
	}
	if string(sealed[:4]) != configMagic {
		return nil, fmt.Errorf("invalid sealed config header")
	}
	if ver := binary.BigEndian.Uint16(sealed[4:6]); ver != configVer {
		return nil, fmt.Errorf("unsupported sealed config version %d", ver)
	}
	salt := sealed[6 : 6+configSaltSize]
	nonce := sealed[6+configSaltSize : headerLen]
	aead, err := configAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, sealed[headerLen:], []byte(configMagic))
	if err != nil {
		return nil, fmt.Errorf("wrong passphrase or damaged config: %w", err)
	}
	return plain, nil
}

func configAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt, configIter))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
