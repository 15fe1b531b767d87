package sshlistener

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	xssh "golang.org/x/crypto/ssh"
)

// LoadOrGenerateHostKey reads an RSA host key from path, generating and
// persisting a new 2048-bit key (PKCS#1 PEM, mode 0600) if none exists
// yet. A file at path that cannot be parsed as a PKCS#1 RSA key is
// overwritten with the newly generated key.
func LoadOrGenerateHostKey(path string) (xssh.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		if signer, err := parseHostKey(data); err == nil {
			return signer, nil
		}
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	der := x509.MarshalPKCS1PrivateKey(priv)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}); err != nil {
		return nil, err
	}

	return xssh.NewSignerFromKey(priv)
}

func parseHostKey(data []byte) (xssh.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errNoPEMBlock
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return xssh.NewSignerFromKey(priv)
}

type sshError string

func (e sshError) Error() string { return string(e) }

const errNoPEMBlock sshError = "sshlistener: no PEM block found in host key file"
