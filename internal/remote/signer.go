package remote

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"

	"golang.org/x/crypto/ssh"

	"s3tosftp/internal/credentials"
)

// keyLoaders lists the accepted private key algorithms in preference order
var keyLoaders = []struct {
	name    string
	accepts func(key interface{}) bool
}{
	{name: "rsa", accepts: func(key interface{}) bool {
		_, ok := key.(*rsa.PrivateKey)
		return ok
	}},
	{name: "ed25519", accepts: func(key interface{}) bool {
		switch key.(type) {
		case ed25519.PrivateKey, *ed25519.PrivateKey:
			return true
		}
		return false
	}},
	{name: "ecdsa", accepts: func(key interface{}) bool {
		_, ok := key.(*ecdsa.PrivateKey)
		return ok
	}},
}

// authMethod maps a credential to an ssh.AuthMethod
func authMethod(cred credentials.Credential) (ssh.AuthMethod, string, error) {
	switch cred.Kind {
	case credentials.KindPrivateKey:
		signer, name, err := loadSigner(cred.PrivateKey, cred.Passphrase)
		if err != nil {
			return nil, "", err
		}
		return ssh.PublicKeys(signer), name, nil
	case credentials.KindPassword:
		return ssh.Password(cred.Password), "password", nil
	default:
		return nil, "", credentials.ErrCredentialFormat
	}
}

func loadSigner(pemBytes, passphrase []byte) (ssh.Signer, string, error) {
	raw, err := parseRawKey(pemBytes, passphrase)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", credentials.ErrInvalidCredential, err)
	}

	for _, loader := range keyLoaders {
		if !loader.accepts(raw) {
			continue
		}
		signer, err := ssh.NewSignerFromKey(raw)
		if err != nil {
			continue
		}
		return signer, loader.name, nil
	}

	return nil, "", fmt.Errorf("%w: unsupported key type %T", credentials.ErrInvalidCredential, raw)
}

// parseRawKey tolerates a passphrase supplied for an unencrypted key
func parseRawKey(pemBytes, passphrase []byte) (interface{}, error) {
	if len(passphrase) > 0 {
		key, err := ssh.ParseRawPrivateKeyWithPassphrase(pemBytes, passphrase)
		if err == nil {
			return key, nil
		}
		if plain, plainErr := ssh.ParseRawPrivateKey(pemBytes); plainErr == nil {
			return plain, nil
		}
		return nil, err
	}
	return ssh.ParseRawPrivateKey(pemBytes)
}
