package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalStore keeps blobs under a directory. Its signed URLs point at the
// server's /blob/ route, which checks them with Verify.
type LocalStore struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocal creates a LocalStore rooted at dir. baseURL is the public server
// URL used in signed links; secret signs them.
func NewLocal(dir, baseURL string, secret []byte) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	return &LocalStore{
		root:    dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *LocalStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating blob parent: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing blob %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("committing blob %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", key, err)
	}
	return f, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting blob %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) PresignPut(_ context.Context, key, _ string, ttl time.Duration) (string, error) {
	return s.sign("PUT", key, ttl)
}

func (s *LocalStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return s.sign("GET", key, ttl)
}

func (s *LocalStore) sign(method, key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	exp := strconv.FormatInt(s.now().Add(ClampTTL(ttl)).Unix(), 10)
	q := url.Values{}
	q.Set("exp", exp)
	q.Set("sig", s.mac(method, key, exp))
	return s.baseURL + "/blob/" + key + "?" + q.Encode(), nil
}

// Verify checks a signed request for key made with method.
func (s *LocalStore) Verify(method, key, exp, sig string) bool {
	n, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || s.now().Unix() > n {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.mac(method, key, exp)))
}

func (s *LocalStore) mac(method, key, exp string) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(method + "\n" + key + "\n" + exp))
	return hex.EncodeToString(m.Sum(nil))
}
