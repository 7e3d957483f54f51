package boxlite

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// boxIdentityFilename is the private key file written into a box's bundle
// directory. Its public half, stored beside it with a ".pub" suffix, is the
// box's agent token; nothing reads the private key back.
const boxIdentityFilename = "identity_ed25519"

// ensureBoxIdentity generates (if missing) an ed25519 keypair for a box and
// returns its public key. The caller puts the key's SSH wire encoding
// (PublicKey.Marshal) into the boot options as the agent token.
func ensureBoxIdentity(dir string) (ssh.PublicKey, error) {
	keyPath := dir + "/" + boxIdentityFilename
	if _, err := os.Stat(keyPath); err == nil {
		return loadBoxPublicKey(keyPath + ".pub")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("boxlite: generate box identity key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("boxlite: convert to ssh public key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(priv, "boxlite box identity")
	if err != nil {
		return nil, fmt.Errorf("boxlite: marshal box identity private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return nil, fmt.Errorf("boxlite: write box identity private key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		return nil, fmt.Errorf("boxlite: write box identity public key: %w", err)
	}

	return sshPub, nil
}

func loadBoxPublicKey(pubPath string) (ssh.PublicKey, error) {
	raw, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("boxlite: read box identity public key: %w", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(raw)
	if err != nil {
		return nil, fmt.Errorf("boxlite: parse box identity public key: %w", err)
	}
	return pub, nil
}
