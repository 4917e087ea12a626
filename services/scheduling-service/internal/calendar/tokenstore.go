package calendar

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned by a TokenStore that holds no credentials.
var ErrNoToken = errors.New("no stored calendar token")

type TokenStore interface {
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, tok *oauth2.Token) error
	Delete(ctx context.Context) error
}

const sealedPrefix = "enc:v1:"

// tokenCodec serializes tokens, sealing them with NaCl secretbox when a key is set.
type tokenCodec struct {
	key *[32]byte
}

// newTokenCodec accepts a 32 byte key encoded as hex or base64. An empty key
// disables encryption.
func newTokenCodec(rawKey string) (tokenCodec, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return tokenCodec{}, nil
	}
	var decoded []byte
	if b, err := hex.DecodeString(rawKey); err == nil {
		decoded = b
	} else if b, err := base64.StdEncoding.DecodeString(rawKey); err == nil {
		decoded = b
	} else {
		return tokenCodec{}, errors.New("token encryption key must be hex or base64")
	}
	if len(decoded) != 32 {
		return tokenCodec{}, fmt.Errorf("token encryption key must be 32 bytes (got %d)", len(decoded))
	}
	var key [32]byte
	copy(key[:], decoded)
	return tokenCodec{key: &key}, nil
}

func (c tokenCodec) encode(tok *oauth2.Token) ([]byte, error) {
	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}
	if c.key == nil {
		return raw, nil
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nonce[:], raw, &nonce, c.key)
	return []byte(sealedPrefix + base64.StdEncoding.EncodeToString(sealed)), nil
}

func (c tokenCodec) decode(data []byte) (*oauth2.Token, error) {
	raw := data
	if s := string(data); strings.HasPrefix(s, sealedPrefix) {
		if c.key == nil {
			return nil, errors.New("stored token is encrypted but no key is configured")
		}
		box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, sealedPrefix))
		if err != nil || len(box) < 24 {
			return nil, errors.New("stored token is corrupt")
		}
		var nonce [24]byte
		copy(nonce[:], box[:24])
		opened, ok := secretbox.Open(nil, box[24:], &nonce, c.key)
		if !ok {
			return nil, errors.New("stored token could not be decrypted")
		}
		raw = opened
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// FileTokenStore keeps the token in a single JSON file.
type FileTokenStore struct {
	path  string
	codec tokenCodec
}

func NewFileTokenStore(path, encryptionKey string) (*FileTokenStore, error) {
	codec, err := newTokenCodec(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &FileTokenStore{path: path, codec: codec}, nil
}

func (s *FileTokenStore) Load(_ context.Context) (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	return s.codec.decode(data)
}

func (s *FileTokenStore) Save(_ context.Context, tok *oauth2.Token) error {
	data, err := s.codec.encode(tok)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileTokenStore) Delete(_ context.Context) error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
