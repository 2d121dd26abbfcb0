package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseImetaRoundTrip(t *testing.T) {
	ref, err := ParseImeta("url https://example.com/blob m image/jpeg filename cat.jpg x abc123 size 42")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/blob", ref.URL)
	require.Equal(t, "image/jpeg", ref.MimeType)
	require.Equal(t, "cat.jpg", ref.Filename)
	require.Equal(t, "abc123", ref.SHA256Hex)
	require.EqualValues(t, 42, ref.Size)

	rebuilt := BuildImeta(ref)
	reparsed, err := ParseImeta(rebuilt)
	require.NoError(t, err)
	require.Equal(t, ref, reparsed)
}

func TestParseImetaRejectsMissingURL(t *testing.T) {
	_, err := ParseImeta("m image/jpeg")
	require.ErrorIs(t, err, ErrMalformedImeta)
}

func TestParseImetaRejectsOddFieldCount(t *testing.T) {
	_, err := ParseImeta("url https://example.com/blob m")
	require.ErrorIs(t, err, ErrMalformedImeta)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	plaintext := []byte("hello, pika")

	sealed, err := Encrypt(key, plaintext)
	require.NoError(t, err)

	got, err := Decrypt(key, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptFailsWithWrongKey(t *testing.T) {
	var key, otherKey [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(otherKey[:], []byte("fedcba9876543210fedcba9876543210"))

	sealed, err := Encrypt(key, []byte("secret"))
	require.NoError(t, err)

	_, err = Decrypt(otherKey, sealed)
	require.Error(t, err)
}

type fakeDownloader struct {
	blobs map[string][]byte
}

func (f fakeDownloader) Get(_ context.Context, url string) ([]byte, error) {
	blob, ok := f.blobs[url]
	if !ok {
		return nil, errors.New("fakeDownloader: no such url")
	}
	return blob, nil
}

func TestFetchAndDecryptWritesFileAndVerifiesChecksum(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	plaintext := []byte("a real attachment body")
	sealed, err := Encrypt(key, plaintext)
	require.NoError(t, err)

	sum := sha256.Sum256(plaintext)
	ref := Reference{
		URL:       "https://example.com/blob",
		Filename:  "note.txt",
		SHA256Hex: hex.EncodeToString(sum[:]),
	}
	dl := fakeDownloader{blobs: map[string][]byte{ref.URL: sealed}}

	destDir := t.TempDir()
	path, err := FetchAndDecrypt(context.Background(), dl, ref, key, destDir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(destDir, "note.txt"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestFetchAndDecryptRejectsChecksumMismatch(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	sealed, err := Encrypt(key, []byte("tampered-expectation"))
	require.NoError(t, err)

	ref := Reference{URL: "https://example.com/blob", SHA256Hex: "0000000000000000000000000000000000000000000000000000000000000000"}
	dl := fakeDownloader{blobs: map[string][]byte{ref.URL: sealed}}

	_, err = FetchAndDecrypt(context.Background(), dl, ref, key, t.TempDir())
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

type fakeUploader struct {
	servers map[string]string
	calls   []string
}

func (f *fakeUploader) Put(_ context.Context, server string, _ []byte) (string, error) {
	f.calls = append(f.calls, server)
	url, ok := f.servers[server]
	if !ok {
		return "", errors.New("fakeUploader: server refused upload")
	}
	return url, nil
}

func TestEncryptAndUploadFallsBackToNextServer(t *testing.T) {
	up := &fakeUploader{servers: map[string]string{"https://good.example": "https://good.example/blob/1"}}
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	ref, err := EncryptAndUpload(context.Background(), up, []string{"https://bad.example", "https://good.example"}, key, []byte("payload"), "text/plain", "note.txt")
	require.NoError(t, err)
	require.Equal(t, "https://good.example/blob/1", ref.URL)
	require.Equal(t, []string{"https://bad.example", "https://good.example"}, up.calls)
}

func TestEncryptAndUploadFailsWhenNoServersConfigured(t *testing.T) {
	up := &fakeUploader{servers: map[string]string{}}
	var key [32]byte
	_, err := EncryptAndUpload(context.Background(), up, nil, key, []byte("payload"), "text/plain", "note.txt")
	require.Error(t, err)
}
