package credentials

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDecode(t *testing.T) {
	cred, err := Decode([]byte(`{"private_key":"-----BEGIN KEY-----","passphrase":"pw"}`))
	require.NoError(t, err)
	assert.Equal(t, KindPrivateKey, cred.Kind)
	assert.Equal(t, []byte("-----BEGIN KEY-----"), cred.PrivateKey)
	assert.Equal(t, []byte("pw"), cred.Passphrase)

	cred, err = Decode([]byte(`{"password":"hunter2"}`))
	require.NoError(t, err)
	assert.Equal(t, KindPassword, cred.Kind)
	assert.Equal(t, "hunter2", cred.Password)

	cred, err = Decode([]byte(`{"private_key":"k","password":"p"}`))
	require.NoError(t, err)
	assert.Equal(t, KindPrivateKey, cred.Kind)
	assert.Nil(t, cred.Passphrase)
}

func TestDecodeRejectsEmptySecret(t *testing.T) {
	_, err := Decode([]byte(`{"username":"bob"}`))
	assert.ErrorIs(t, err, ErrCredentialFormat)

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrCredentialFormat)
}

func TestDecodeBinary(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"password":"pw"}`))

	cred, err := DecodeBinary([]byte(encoded))
	require.NoError(t, err)
	assert.Equal(t, "pw", cred.Password)

	cred, err = DecodeBinary([]byte(`  {"password":"raw"}`))
	require.NoError(t, err)
	assert.Equal(t, "raw", cred.Password)

	_, err = DecodeBinary([]byte("%%%"))
	assert.ErrorIs(t, err, ErrCredentialFormat)
}

func TestCredentialStringHidesSecret(t *testing.T) {
	cred := Password("hunter2")
	assert.Equal(t, "credential(password)", cred.String())
	assert.NotContains(t, cred.String(), "hunter2")
}

type fakeManager struct {
	out *secretsmanager.GetSecretValueOutput
	err error
	ids []string
}

func (f *fakeManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.ids = append(f.ids, aws.ToString(params.SecretId))
	return f.out, f.err
}

func TestSecretsManagerResolver(t *testing.T) {
	api := &fakeManager{out: &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`{"password":"pw"}`),
	}}
	r := NewSecretsManagerResolverWithAPI(api, zap.NewNop())

	cred, err := r.Resolve(context.Background(), "sftp/creds")
	require.NoError(t, err)
	assert.Equal(t, Password("pw"), cred)
	assert.Equal(t, []string{"sftp/creds"}, api.ids)
}

func TestSecretsManagerResolverBinary(t *testing.T) {
	api := &fakeManager{out: &secretsmanager.GetSecretValueOutput{
		SecretBinary: []byte(base64.StdEncoding.EncodeToString([]byte(`{"private_key":"k"}`))),
	}}
	r := NewSecretsManagerResolverWithAPI(api, zap.NewNop())

	cred, err := r.Resolve(context.Background(), "id")
	require.NoError(t, err)
	assert.Equal(t, KindPrivateKey, cred.Kind)
}

func TestSecretsManagerResolverError(t *testing.T) {
	boom := errors.New("AccessDenied")
	r := NewSecretsManagerResolverWithAPI(&fakeManager{err: boom}, zap.NewNop())

	_, err := r.Resolve(context.Background(), "id")
	assert.ErrorIs(t, err, boom)
}

func TestFileResolver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sftp.json"), []byte(`{"password":"pw"}`), 0o600))

	r := &FileResolver{Dir: dir}
	cred, err := r.Resolve(context.Background(), "sftp.json")
	require.NoError(t, err)
	assert.Equal(t, "pw", cred.Password)

	_, err = r.Resolve(context.Background(), "missing.json")
	assert.Error(t, err)
}
