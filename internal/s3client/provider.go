package s3client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Error kinds returned by Provider operations.
var (
	ErrTransport = errors.New("s3client: transport error")
	ErrAuth      = errors.New("s3client: authentication error")
	ErrNotFound  = errors.New("s3client: not found")
)

// NotOkError is returned when the server responds with an unexpected
// status code outside auth/not-found.
type NotOkError struct {
	Status int
	Body   string
}

func (e *NotOkError) Error() string {
	return fmt.Sprintf("s3client: unexpected status %d: %s", e.Status, e.Body)
}

// Config identifies one (api_key, bucket) the Provider talks to.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Timeout   time.Duration // per-call timeout, default 30s
}

// Provider is the S3 Provider: a signed wire-level client for one vault's
// cloud bucket. It depends on nothing else in this repo.
type Provider struct {
	cfg       Config
	client    *http.Client
	accessKey string
	secretKey string
	region    string
	sigCache  *sigKeyCache
}

// New constructs a Provider for one (api_key, bucket) pair.
func New(cfg Config) *Provider {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Provider{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		region:    cfg.Region,
		sigCache:  &sigKeyCache{},
	}
}

func (p *Provider) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(p.cfg.Endpoint, "/"), p.cfg.Bucket, key)
}

func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	default:
		return &NotOkError{Status: resp.StatusCode, Body: string(body)}
	}
}

// PutObject uploads body as key, whole-object. Ok on HTTP 200.
func (p *Provider) PutObject(key string, body []byte, meta map[string]string) error {
	req, err := http.NewRequest(http.MethodPut, p.objectURL(key), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	for k, v := range meta {
		req.Header.Set("x-amz-meta-"+k, v)
	}
	p.signRequest(req, body, false)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return classifyStatus(resp, respBody)
}

// GetObject downloads key whole-object.
func (p *Provider) GetObject(key string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, p.objectURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	p.signRequest(req, nil, true)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if err := classifyStatus(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}

// DeleteObject removes key. Ok on HTTP 200/204.
func (p *Provider) DeleteObject(key string) error {
	req, err := http.NewRequest(http.MethodDelete, p.objectURL(key), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	p.signRequest(req, nil, true)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return classifyStatus(resp, body)
}

// ObjectHeaders is the result of a HEAD request.
type ObjectHeaders struct {
	ContentLength int64
	Metadata      map[string]string
}

// HeadObject reads metadata for key. A 404 yields (nil, nil), not an error
// A 404 yields (nil, nil): a missing object is an answer, not an error.
func (p *Provider) HeadObject(key string) (*ObjectHeaders, error) {
	req, err := http.NewRequest(http.MethodHead, p.objectURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	p.signRequest(req, nil, true)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &NotOkError{Status: resp.StatusCode}
	}

	meta := make(map[string]string)
	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") {
			meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}
	return &ObjectHeaders{ContentLength: resp.ContentLength, Metadata: meta}, nil
}

// ObjectEntry is one object returned by ListObjects.
type ObjectEntry struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ListObjects drains every page of a list-objects-v2 listing under prefix,
// following <IsTruncated>/<NextContinuationToken> until exhausted.
func (p *Provider) ListObjects(prefix string) ([]ObjectEntry, error) {
	var all []ObjectEntry
	token := ""
	for {
		page, truncated, next, err := p.listObjectsPage(prefix, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if !truncated {
			break
		}
		token = next
	}
	return all, nil
}

func (p *Provider) listObjectsPage(prefix, continuationToken string) (entries []ObjectEntry, truncated bool, nextToken string, err error) {
	params := url.Values{}
	params.Set("list-type", "2")
	if prefix != "" {
		params.Set("prefix", prefix)
	}
	params.Set("max-keys", "1000")
	if continuationToken != "" {
		params.Set("continuation-token", continuationToken)
	}

	reqURL := fmt.Sprintf("%s/%s?%s", strings.TrimRight(p.cfg.Endpoint, "/"), p.cfg.Bucket, params.Encode())
	req, reqErr := http.NewRequest(http.MethodGet, reqURL, nil)
	if reqErr != nil {
		return nil, false, "", fmt.Errorf("%w: %v", ErrTransport, reqErr)
	}
	p.signRequest(req, nil, true)

	resp, doErr := p.client.Do(req)
	if doErr != nil {
		return nil, false, "", fmt.Errorf("%w: %v", ErrTransport, doErr)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if statusErr := classifyStatus(resp, body); statusErr != nil {
		return nil, false, "", statusErr
	}

	content := string(body)
	entries = parseListObjectsXML(content)
	truncated = strings.Contains(content, "<IsTruncated>true</IsTruncated>")
	tokens := extractXMLValues(content, "NextContinuationToken")
	if len(tokens) > 0 {
		nextToken = tokens[0]
	}
	return entries, truncated, nextToken, nil
}

// parseListObjectsXML extracts Contents entries from a ListObjectsV2
// response. Tolerant of UTF-8 path bytes; preserves lexicographic key
// ordering as returned by the server rather than re-sorting locally.
func parseListObjectsXML(xmlBody string) []ObjectEntry {
	var entries []ObjectEntry
	rest := xmlBody
	for {
		start := strings.Index(rest, "<Contents>")
		if start == -1 {
			break
		}
		end := strings.Index(rest[start:], "</Contents>")
		if end == -1 {
			break
		}
		block := rest[start : start+end]
		rest = rest[start+end+len("</Contents>"):]

		entry := ObjectEntry{}
		if keys := extractXMLValues(block, "Key"); len(keys) > 0 {
			entry.Key = keys[0]
		}
		if sizes := extractXMLValues(block, "Size"); len(sizes) > 0 {
			if n, err := strconv.ParseInt(sizes[0], 10, 64); err == nil {
				entry.Size = n
			}
		}
		if etags := extractXMLValues(block, "ETag"); len(etags) > 0 {
			entry.ETag = strings.Trim(etags[0], `"`)
		}
		if mods := extractXMLValues(block, "LastModified"); len(mods) > 0 {
			if t, err := time.Parse(time.RFC3339, mods[0]); err == nil {
				entry.LastModified = t
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// extractXMLValues returns the text content of every occurrence of tag in
// xml, tolerant of malformed or partial documents. Byte-oriented on
// purpose: object keys are raw UTF-8 and ordering is lexicographic by
// path bytes, never locale-dependent.
func extractXMLValues(xml, tag string) []string {
	var values []string
	openTag := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	for {
		start := strings.Index(xml, openTag)
		if start == -1 {
			break
		}
		start += len(openTag)
		end := strings.Index(xml[start:], closeTag)
		if end == -1 {
			break
		}
		values = append(values, xml[start:start+end])
		xml = xml[start+end+len(closeTag):]
	}
	return values
}

// SetObjectContentHash rewrites the `x-amz-meta-content-hash` user metadata
// via self-copy, leaving object bytes unchanged.
func (p *Provider) SetObjectContentHash(key, hashHex string) error {
	return p.selfCopyWithMeta(key, map[string]string{"content-hash": hashHex})
}

// SetObjectEncryptionMetadata rewrites the vh-* encryption metadata via
// self-copy.
func (p *Provider) SetObjectEncryptionMetadata(key, ivB64 string, keyVersion uint32) error {
	return p.selfCopyWithMeta(key, map[string]string{
		"vh-encrypted":   "true",
		"vh-iv":          ivB64,
		"vh-algo":        "aes256gcm",
		"vh-key-version": strconv.FormatUint(uint64(keyVersion), 10),
	})
}

// selfCopyWithMeta issues an x-amz-copy-source PUT onto the same key with
// REPLACE metadata directive, merging newMeta over whatever the object
// already carries.
func (p *Provider) selfCopyWithMeta(key string, newMeta map[string]string) error {
	existing, err := p.HeadObject(key)
	if err != nil {
		return err
	}
	merged := map[string]string{}
	if existing != nil {
		for k, v := range existing.Metadata {
			merged[k] = v
		}
	}
	for k, v := range newMeta {
		merged[k] = v
	}

	req, err := http.NewRequest(http.MethodPut, p.objectURL(key), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("x-amz-copy-source", fmt.Sprintf("/%s/%s", p.cfg.Bucket, key))
	req.Header.Set("x-amz-metadata-directive", "REPLACE")
	for k, v := range merged {
		req.Header.Set("x-amz-meta-"+k, v)
	}
	p.signRequest(req, nil, true)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return classifyStatus(resp, body)
}
