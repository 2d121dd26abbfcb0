// Package media implements the attachment pipeline SPEC_FULL.md §4.4 step
// 6 describes: parsing an `imeta` tag into a MediaReference, fetching the
// encrypted blob over HTTP, decrypting it with MLS-derived keys, and
// writing the plaintext to a per-group temp file — plus the send-side
// mirror used by send_media (encrypt, upload to a Blossom-style server,
// emit an imeta tag).
//
// The HTTP client and Blossom blob-upload protocol are external
// collaborators per SPEC_FULL.md §1 (opaque functions with documented
// signatures); this package owns only the imeta parsing, the at-rest
// encryption format, and the atomic temp-file write, the last of which is
// grounded on the teacher's tmp-then-rename idiom
// (crypto/keystore.go's EncryptedKeyStore.WriteEncrypted).
package media

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrMalformedImeta  = errors.New("media: malformed imeta tag")
	ErrChecksumMismatch = errors.New("media: decrypted blob does not match expected checksum")
	ErrDownloadFailed  = errors.New("media: download failed")
)

// Reference is a MediaReference: the parsed contents of one `imeta` tag.
type Reference struct {
	URL      string
	MimeType string
	Filename string
	SHA256Hex string
	Size     int64
}

// ParseImeta parses the space-separated "key value" pairs of one imeta
// tag's value, per NIP-92-style attachment metadata.
func ParseImeta(value string) (Reference, error) {
	fields := strings.Fields(value)
	if len(fields)%2 != 0 {
		return Reference{}, ErrMalformedImeta
	}
	var ref Reference
	for i := 0; i < len(fields); i += 2 {
		key, val := fields[i], fields[i+1]
		switch key {
		case "url":
			ref.URL = val
		case "m":
			ref.MimeType = val
		case "filename":
			ref.Filename = val
		case "x":
			ref.SHA256Hex = val
		case "size":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return Reference{}, ErrMalformedImeta
			}
			ref.Size = n
		}
	}
	if ref.URL == "" {
		return Reference{}, ErrMalformedImeta
	}
	return ref, nil
}

// BuildImeta serializes a Reference back into an imeta tag value.
func BuildImeta(ref Reference) string {
	var b strings.Builder
	fmt.Fprintf(&b, "url %s", ref.URL)
	if ref.MimeType != "" {
		fmt.Fprintf(&b, " m %s", ref.MimeType)
	}
	if ref.Filename != "" {
		fmt.Fprintf(&b, " filename %s", ref.Filename)
	}
	if ref.SHA256Hex != "" {
		fmt.Fprintf(&b, " x %s", ref.SHA256Hex)
	}
	if ref.Size > 0 {
		fmt.Fprintf(&b, " size %d", ref.Size)
	}
	return b.String()
}

// nonceSize is the length of the random nonce that prefixes every uploaded
// attachment; the rest of the at-rest format is a secretbox-sealed blob.
const nonceSize = 24

// Encrypt seals plaintext under key, producing the bytes actually
// uploaded to a Blossom server.
func Encrypt(key [32]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("media: generate nonce: %w", err)
	}
	out := make([]byte, 0, nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &key)
	return out, nil
}

// Decrypt reverses Encrypt.
func Decrypt(key [32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, errors.New("media: sealed blob shorter than nonce")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	pt, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &key)
	if !ok {
		return nil, errors.New("media: decryption failed")
	}
	return pt, nil
}

// Downloader fetches an encrypted blob from an HTTP(S) URL. Tests supply
// a fake; production wires *http.Client.Get.
type Downloader interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// HTTPDownloader is the production Downloader over a real *http.Client.
type HTTPDownloader struct {
	Client *http.Client
}

func (d HTTPDownloader) Get(ctx context.Context, url string) ([]byte, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// FetchAndDecrypt downloads ref's blob, decrypts it with key, verifies the
// checksum if one was supplied, and writes the plaintext into a file
// under destDir, returning its local path. The write is tmp-then-rename,
// matching the teacher's atomic file-write idiom.
func FetchAndDecrypt(ctx context.Context, dl Downloader, ref Reference, key [32]byte, destDir string) (string, error) {
	sealed, err := dl.Get(ctx, ref.URL)
	if err != nil {
		return "", err
	}
	plaintext, err := Decrypt(key, sealed)
	if err != nil {
		return "", err
	}
	if ref.SHA256Hex != "" {
		sum := sha256.Sum256(plaintext)
		if hex.EncodeToString(sum[:]) != strings.ToLower(ref.SHA256Hex) {
			return "", ErrChecksumMismatch
		}
	}

	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return "", fmt.Errorf("media: create dest dir: %w", err)
	}
	name := ref.Filename
	if name == "" {
		sum := sha256.Sum256(plaintext)
		name = hex.EncodeToString(sum[:8])
	}
	finalPath := filepath.Join(destDir, name)
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, plaintext, 0o600); err != nil {
		return "", fmt.Errorf("media: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("media: rename into place: %w", err)
	}
	return finalPath, nil
}

// Uploader uploads an encrypted blob to a Blossom-style server, returning
// its retrieval URL.
type Uploader interface {
	Put(ctx context.Context, server string, sealed []byte) (url string, err error)
}

// HTTPUploader is the production Uploader, PUTting the blob to
// server+"/upload".
type HTTPUploader struct {
	Client *http.Client
}

func (u HTTPUploader) Put(ctx context.Context, server string, sealed []byte) (string, error) {
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, strings.TrimRight(server, "/")+"/upload", bytes.NewReader(sealed))
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("media: upload failed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// EncryptAndUpload encrypts plaintext under key and uploads it to the
// first of servers that accepts it, returning the resulting Reference.
func EncryptAndUpload(ctx context.Context, up Uploader, servers []string, key [32]byte, plaintext []byte, mimeType, filename string) (Reference, error) {
	sealed, err := Encrypt(key, plaintext)
	if err != nil {
		return Reference{}, err
	}
	sum := sha256.Sum256(plaintext)

	var lastErr error
	for _, server := range servers {
		url, err := up.Put(ctx, server, sealed)
		if err != nil {
			lastErr = err
			continue
		}
		return Reference{
			URL:       url,
			MimeType:  mimeType,
			Filename:  filename,
			SHA256Hex: hex.EncodeToString(sum[:]),
			Size:      int64(len(plaintext)),
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("media: no blossom servers configured")
	}
	return Reference{}, lastErr
}
