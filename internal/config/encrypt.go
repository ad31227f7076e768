package config

import (
	"os"

	"github.com/rowjay/bchain/internal/cryptoutil"
)

// EncryptConfigFile seals a config file with the passphrase held in passphraseFile.
func EncryptConfigFile(inputPath, outputPath, passphraseFile string) error {
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	pass, err := cryptoutil.ReadPassphraseFile(passphraseFile)
	if err != nil {
		return err
	}
	sealed, err := cryptoutil.SealConfig(plain, pass)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, sealed, 0o600)
}
