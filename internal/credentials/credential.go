// Package credentials resolves the secret used to authenticate against the
// remote file system.
package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCredentialFormat is returned when a secret holds neither a private key nor a password
	ErrCredentialFormat = errors.New("secret must include 'private_key' or 'password'")

	// ErrInvalidCredential is returned when no supported key type can parse the private key
	ErrInvalidCredential = errors.New("invalid private key")
)

// Kind tags the variant held by a Credential
type Kind int

const (
	KindPrivateKey Kind = iota + 1
	KindPassword
)

func (k Kind) String() string {
	switch k {
	case KindPrivateKey:
		return "private_key"
	case KindPassword:
		return "password"
	default:
		return "unknown"
	}
}

// Credential is either a private key with an optional passphrase or a password.
// Only the fields of the tagged Kind are meaningful.
type Credential struct {
	Kind       Kind
	PrivateKey []byte
	Passphrase []byte
	Password   string
}

// PrivateKey builds a key credential
func PrivateKey(key []byte, passphrase string) Credential {
	c := Credential{Kind: KindPrivateKey, PrivateKey: key}
	if passphrase != "" {
		c.Passphrase = []byte(passphrase)
	}
	return c
}

// Password builds a password credential
func Password(password string) Credential {
	return Credential{Kind: KindPassword, Password: password}
}

// String never reveals secret material
func (c Credential) String() string {
	return fmt.Sprintf("credential(%s)", c.Kind)
}

// Resolver fetches a credential by an opaque identifier
type Resolver interface {
	Resolve(ctx context.Context, id string) (Credential, error)
}

type secretDocument struct {
	PrivateKey *string `json:"private_key"`
	Passphrase *string `json:"passphrase"`
	Password   *string `json:"password"`
}

// Decode parses a JSON secret document. A private key wins over a password
// when both are present.
func Decode(data []byte) (Credential, error) {
	var doc secretDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrCredentialFormat, err)
	}

	switch {
	case doc.PrivateKey != nil:
		passphrase := ""
		if doc.Passphrase != nil {
			passphrase = *doc.Passphrase
		}
		return PrivateKey([]byte(*doc.PrivateKey), passphrase), nil
	case doc.Password != nil:
		return Password(*doc.Password), nil
	default:
		return Credential{}, ErrCredentialFormat
	}
}

// DecodeBinary accepts either raw JSON or base64 encoded JSON
func DecodeBinary(data []byte) (Credential, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return Decode([]byte(trimmed))
	}

	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: secret binary is neither JSON nor base64", ErrCredentialFormat)
	}
	return Decode(decoded)
}
