// Package dns provides the optional DNS-record capability interface
// (spec.md §9) with a Cloudflare-backed implementation.
package dns

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Record is a single A/AAAA record, independent of any store type so the
// Deployer can pass it without importing the store package.
type Record struct {
	FQDN    string
	Type    string // "A" or "AAAA"
	Address string
}

// Provider is the capability interface the Deployer holds optionally
// (spec.md §9: "absence disables the side effect without code branches").
type Provider interface {
	CreateRecord(rec Record) (providerRecordID string, err error)
	DeleteRecord(providerRecordID string) error
	ListRecords(zoneFilter string) ([]Record, error)
}

// cloudflareProvider talks to the Cloudflare v4 API directly over
// net/http, the same no-SDK calling convention as the teacher's
// cloudflare.go, generalized behind Provider instead of one-off CLI calls.
type cloudflareProvider struct {
	apiToken string
	zoneID   string
	client   *http.Client
}

func NewCloudflareProvider(apiToken, zoneID string) Provider {
	return &cloudflareProvider{apiToken: apiToken, zoneID: zoneID, client: &http.Client{}}
}

type cfResponse struct {
	Success bool              `json:"success"`
	Errors  []json.RawMessage `json:"errors"`
	Result  json.RawMessage   `json:"result"`
}

type cfRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

func (c *cloudflareProvider) do(method, url string, body interface{}) (*cfResponse, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding cloudflare request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building cloudflare request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling cloudflare: %w", err)
	}
	defer resp.Body.Close()

	var cf cfResponse
	if err := json.NewDecoder(resp.Body).Decode(&cf); err != nil {
		return nil, fmt.Errorf("decoding cloudflare response: %w", err)
	}
	if !cf.Success {
		return nil, fmt.Errorf("cloudflare API error: %s", cf.Errors)
	}
	return &cf, nil
}

func (c *cloudflareProvider) CreateRecord(rec Record) (string, error) {
	url := fmt.Sprintf("https://api.cloudflare.com/client/v4/zones/%s/dns_records", c.zoneID)
	cf, err := c.do(http.MethodPost, url, cfRecord{Type: rec.Type, Name: rec.FQDN, Content: rec.Address, TTL: 1})
	if err != nil {
		return "", fmt.Errorf("creating dns record %s: %w", rec.FQDN, err)
	}
	var created cfRecord
	if err := json.Unmarshal(cf.Result, &created); err != nil {
		return "", fmt.Errorf("parsing created dns record %s: %w", rec.FQDN, err)
	}
	return created.ID, nil
}

func (c *cloudflareProvider) DeleteRecord(providerRecordID string) error {
	url := fmt.Sprintf("https://api.cloudflare.com/client/v4/zones/%s/dns_records/%s", c.zoneID, providerRecordID)
	if _, err := c.do(http.MethodDelete, url, nil); err != nil {
		return fmt.Errorf("deleting dns record %s: %w", providerRecordID, err)
	}
	return nil
}

func (c *cloudflareProvider) ListRecords(zoneFilter string) ([]Record, error) {
	url := fmt.Sprintf("https://api.cloudflare.com/client/v4/zones/%s/dns_records", c.zoneID)
	if zoneFilter != "" {
		url += "?name=" + zoneFilter
	}
	cf, err := c.do(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("listing dns records: %w", err)
	}
	var records []cfRecord
	if err := json.Unmarshal(cf.Result, &records); err != nil {
		return nil, fmt.Errorf("parsing dns record list: %w", err)
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, Record{FQDN: r.Name, Type: r.Type, Address: r.Content})
	}
	return out, nil
}
