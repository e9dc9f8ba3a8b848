// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keystore

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/kelpie/claim"
	"github.com/blinklabs-io/kelpie/epoch"
)

const (
	// SigningKeyType is the envelope type of an authority secret key file
	SigningKeyType = "KelpieAuthoritySigningKey_ed25519_vrf"
	// VerificationKeyType is the envelope type of an authority public key file
	VerificationKeyType = "KelpieAuthorityVerificationKey_ed25519_vrf"

	maxKeyFileSize = 1 << 20
)

// keyFileEnvelope is the JSON structure of a key file.
type keyFileEnvelope struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	CborHex     string `json:"cborHex"`
}

type signingKeyRecord struct {
	cbor.StructAsArray
	SigningSeed []byte
	VrfSeed     []byte
}

type verificationKeyRecord struct {
	cbor.StructAsArray
	SigningKey []byte
	VrfKey     []byte
}

// LoadSigningKeyFile loads authority secret keys from path. It returns
// ErrInsecureFileMode if the file has group or other access.
//
// Permissions are checked on the open handle to avoid a race between the
// check and the read.
func LoadSigningKeyFile(path string) (*claim.AuthorityKeys, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key file %q: %w", path, err)
	}
	defer f.Close()

	if err := checkOpenFilePermissions(f); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(f, maxKeyFileSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %q: %w", path, err)
	}
	keys, err := parseSigningKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %q: %w", path, err)
	}
	return keys, nil
}

// LoadVerificationKeyFile loads an authority's public keys. The file holds
// only public data and is not permission checked.
func LoadVerificationKeyFile(path string, weight uint64) (epoch.Authority, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return epoch.Authority{}, fmt.Errorf("failed to read key file %q: %w", path, err)
	}
	var rec verificationKeyRecord
	if err := decodeEnvelope(data, VerificationKeyType, &rec); err != nil {
		return epoch.Authority{}, fmt.Errorf("failed to parse key file %q: %w", path, err)
	}
	return epoch.Authority{
		SigningKey: rec.SigningKey,
		VrfKey:     rec.VrfKey,
		Weight:     weight,
	}, nil
}

func decodeEnvelope(fileBytes []byte, expectedType string, dest any) error {
	var env keyFileEnvelope
	if err := json.Unmarshal(fileBytes, &env); err != nil {
		return fmt.Errorf("could not parse key file envelope: %w", err)
	}
	if env.Type != expectedType {
		return fmt.Errorf("unexpected key type: %s", env.Type)
	}
	cborData, err := hex.DecodeString(env.CborHex)
	if err != nil {
		return fmt.Errorf("could not decode key from hex: %w", err)
	}
	if _, err := cbor.Decode(cborData, dest); err != nil {
		return fmt.Errorf("failed to unmarshal key CBOR: %w", err)
	}
	return nil
}

func parseSigningKey(fileBytes []byte) (*claim.AuthorityKeys, error) {
	var rec signingKeyRecord
	if err := decodeEnvelope(fileBytes, SigningKeyType, &rec); err != nil {
		return nil, err
	}
	// Public keys are always derived from the seeds
	return claim.NewAuthorityKeys(rec.SigningSeed, rec.VrfSeed)
}

func encodeEnvelope(keyType, description string, rec any) ([]byte, error) {
	cborData, err := cbor.Encode(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key CBOR: %w", err)
	}
	data, err := json.MarshalIndent(
		keyFileEnvelope{
			Type:        keyType,
			Description: description,
			CborHex:     hex.EncodeToString(cborData),
		},
		"",
		"    ",
	)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteKeyFiles writes the secret key file (mode 0600) and the public key
// file (mode 0644) for keys. Existing files are not overwritten.
func WriteKeyFiles(keys *claim.AuthorityKeys, skeyPath, vkeyPath string) error {
	skey, err := encodeEnvelope(
		SigningKeyType,
		"Authority Signing Key",
		&signingKeyRecord{
			SigningSeed: keys.SigningSeed(),
			VrfSeed:     keys.VrfSeed(),
		},
	)
	if err != nil {
		return err
	}
	vkey, err := encodeEnvelope(
		VerificationKeyType,
		"Authority Verification Key",
		&verificationKeyRecord{
			SigningKey: bytes.Clone(keys.Public()),
			VrfKey:     keys.VrfPublic(),
		},
	)
	if err != nil {
		return err
	}
	if err := writeNewFile(skeyPath, skey, 0o600); err != nil {
		return err
	}
	return writeNewFile(vkeyPath, vkey, 0o644)
}

func writeNewFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create key file %q: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file %q: %w", path, err)
	}
	// Enforce the mode regardless of umask
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return fmt.Errorf("failed to set mode on key file %q: %w", path, err)
	}
	return f.Close()
}
