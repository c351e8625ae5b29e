package kmsprovider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
)

// CloudProvider calls a remote KMS over an AWS-KMS-shaped HTTP/JSON
// protocol (GenerateDataKey / Decrypt). The returned ciphertext blob
// from GenerateDataKey IS the KekID: unwrapping later just means
// calling Decrypt with that same blob.
type CloudProvider struct {
	keyID    string
	endpoint string
	client   *http.Client

	mu    sync.Mutex
	id    keymaterial.KekID
	plain []byte
}

// NewCloudProvider constructs a provider against endpoint (defaulting
// to the AWS KMS us-east-1 endpoint when empty) using keyID to request
// new data keys.
func NewCloudProvider(keyID, endpoint string) *CloudProvider {
	if endpoint == "" {
		endpoint = "https://kms.us-east-1.amazonaws.com"
	}
	return &CloudProvider{keyID: keyID, endpoint: endpoint, client: &http.Client{Timeout: 10 * time.Second}}
}

type generateDataKeyRequest struct {
	KeyId   string `json:"KeyId"`
	KeySpec string `json:"KeySpec"`
}

type generateDataKeyResponse struct {
	Plaintext      string `json:"Plaintext"`
	CiphertextBlob string `json:"CiphertextBlob"`
}

type decryptRequest struct {
	CiphertextBlob string `json:"CiphertextBlob"`
}

type decryptResponse struct {
	Plaintext string `json:"Plaintext"`
}

func (p *CloudProvider) GetKEK() (keymaterial.KekID, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.plain != nil {
		return p.id, p.plain, nil
	}
	id, plain, err := p.generateDataKey()
	if err != nil {
		return "", nil, err
	}
	p.id, p.plain = id, plain
	return id, plain, nil
}

func (p *CloudProvider) GetKEKByID(id keymaterial.KekID) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id == id && p.plain != nil {
		return p.plain, nil
	}
	return p.decryptDataKey(id)
}

func (p *CloudProvider) generateDataKey() (keymaterial.KekID, []byte, error) {
	reqBody, err := json.Marshal(generateDataKeyRequest{KeyId: p.keyID, KeySpec: "AES_256"})
	if err != nil {
		return "", nil, err
	}
	var resp generateDataKeyResponse
	if err := p.call(context.Background(), "TrentService.GenerateDataKey", reqBody, &resp); err != nil {
		return "", nil, err
	}
	plaintext, err := base64.StdEncoding.DecodeString(resp.Plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("kmsprovider: decoding plaintext data key: %w", err)
	}
	if len(plaintext) != keymaterial.DEKLen {
		return "", nil, fmt.Errorf("kmsprovider: cloud KMS returned %d-byte data key, want %d", len(plaintext), keymaterial.DEKLen)
	}
	return keymaterial.KekID(resp.CiphertextBlob), plaintext, nil
}

func (p *CloudProvider) decryptDataKey(id keymaterial.KekID) ([]byte, error) {
	reqBody, err := json.Marshal(decryptRequest{CiphertextBlob: string(id)})
	if err != nil {
		return nil, err
	}
	var resp decryptResponse
	if err := p.call(context.Background(), "TrentService.Decrypt", reqBody, &resp); err != nil {
		return nil, err
	}
	plaintext, err := base64.StdEncoding.DecodeString(resp.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("kmsprovider: decoding decrypted data key: %w", err)
	}
	if len(plaintext) != keymaterial.DEKLen {
		return nil, fmt.Errorf("kmsprovider: cloud KMS returned %d-byte data key, want %d", len(plaintext), keymaterial.DEKLen)
	}
	return plaintext, nil
}

func (p *CloudProvider) call(ctx context.Context, target string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("X-Amz-Target", target)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("kmsprovider: cloud KMS request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kmsprovider: cloud KMS returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
