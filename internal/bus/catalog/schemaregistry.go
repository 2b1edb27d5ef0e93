package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// SchemaRegistryClient resolves a schema ID for a subject against a
// Confluent-compatible schema registry REST API, caching results
// in-process. No avro/protobuf codec library exists anywhere in the
// retrieval pack this service was built from, so the registry here is
// used purely for the wire framing's schema ID, not for body encoding
// (see bus/codec).
type SchemaRegistryClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	mu    sync.RWMutex
	cache map[string]int32
}

func NewSchemaRegistryClient(baseURL, username, password string, timeout time.Duration) *SchemaRegistryClient {
	return &SchemaRegistryClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
		cache:    make(map[string]int32),
	}
}

type registerSchemaRequest struct {
	Schema string `json:"schema"`
}

type registerSchemaResponse struct {
	ID int32 `json:"id"`
}

// ResolveSchemaID registers (or reuses) a passthrough JSON schema for
// subject and returns its registry ID, satisfying codec.SchemaIDResolver.
func (c *SchemaRegistryClient) ResolveSchemaID(subject string) (int32, error) {
	c.mu.RLock()
	if id, ok := c.cache[subject]; ok {
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	body, err := json.Marshal(registerSchemaRequest{Schema: `{"type":"string"}`})
	if err != nil {
		return 0, fmt.Errorf("marshal schema registration: %w", err)
	}

	endpoint := fmt.Sprintf("%s/subjects/%s/versions", c.baseURL, url.PathEscape(subject))
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build schema registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("register schema: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("register schema: unexpected status %d", resp.StatusCode)
	}

	var out registerSchemaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode schema registration response: %w", err)
	}

	c.mu.Lock()
	c.cache[subject] = out.ID
	c.mu.Unlock()

	return out.ID, nil
}
