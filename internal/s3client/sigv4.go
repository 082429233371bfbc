// Package s3client is the S3 Provider: a signed-request client for one
// (api_key, bucket), implementing whole-object PUT/GET/DELETE/HEAD, listing
// with continuation, metadata-only rewrite via self-copy, and the
// multipart upload protocol.
//
// Signing is AWS SigV4. The derived signing key depends only on the
// secret, UTC date, region, and service, so it is cached per date and
// reused across requests.
package s3client

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const unsignedPayload = "UNSIGNED-PAYLOAD"

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func deriveKey(secret, datestamp, region, service string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), []byte(datestamp))
	k = hmacSHA256(k, []byte(region))
	k = hmacSHA256(k, []byte(service))
	k = hmacSHA256(k, []byte("aws4_request"))
	return k
}

// sigKeyCache caches the derived signing key per (secret, region), keyed by
// date, recomputing only when the UTC date rolls over — one cache per
// Provider instance rather than a package global, since each Provider owns
// a distinct access key.
type sigKeyCache struct {
	mu        sync.Mutex
	datestamp string
	key       []byte
}

func (c *sigKeyCache) derive(secret, datestamp, region, service string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil && c.datestamp == datestamp {
		return c.key
	}
	k := deriveKey(secret, datestamp, region, service)
	c.datestamp = datestamp
	c.key = k
	return k
}

// signRequest signs req with AWS SigV4. With unsigned set, the payload hash
// is the unsignedPayload marker (the provider sets it for its bodyless
// requests: GET, HEAD, list, DELETE, multipart initiate and abort, and the
// metadata self-copy PUT); otherwise it is the SHA-256 of body.
func (p *Provider) signRequest(req *http.Request, body []byte, unsigned bool) {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)
	req.Header.Set("Host", req.URL.Host)

	payloadHash := unsignedPayload
	if !unsigned {
		payloadHash = sha256Hex(body)
	}
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}
	canonicalQuery := canonicalQueryString(req.URL.Query())

	signedHeaderNames, canonicalHeaders := canonicalHeaders(req)

	canonicalRequest := strings.Join([]string{
		req.Method, canonicalURI, canonicalQuery,
		canonicalHeaders, signedHeaderNames, payloadHash,
	}, "\n")

	scope := fmt.Sprintf("%s/%s/s3/aws4_request", datestamp, p.region)
	stringToSign := fmt.Sprintf("AWS4-HMAC-SHA256\n%s\n%s\n%s",
		amzdate, scope, sha256Hex([]byte(canonicalRequest)))

	sigKey := p.sigCache.derive(p.secretKey, datestamp, p.region, "s3")
	signature := hex.EncodeToString(hmacSHA256(sigKey, []byte(stringToSign)))

	auth := fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		p.accessKey, scope, signedHeaderNames, signature)
	req.Header.Set("Authorization", auth)
}

// canonicalHeaders returns the lowercase, lexicographically sorted
// SignedHeaders list and the corresponding CanonicalHeaders block. Host
// and every x-amz-* header on the request (date, content hash, copy
// source, metadata directive, x-amz-meta-*) participate.
func canonicalHeaders(req *http.Request) (signedHeaderNames, canonicalHeaders string) {
	type kv struct{ k, v string }
	var pairs []kv
	pairs = append(pairs, kv{"host", req.URL.Host})
	pairs = append(pairs, kv{"x-amz-date", req.Header.Get("X-Amz-Date")})
	pairs = append(pairs, kv{"x-amz-content-sha256", req.Header.Get("X-Amz-Content-Sha256")})
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-") && lower != "x-amz-date" && lower != "x-amz-content-sha256" {
			pairs = append(pairs, kv{lower, strings.Join(values, ",")})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	names := make([]string, len(pairs))
	var b strings.Builder
	for i, p := range pairs {
		names[i] = p.k
		b.WriteString(p.k)
		b.WriteByte(':')
		b.WriteString(p.v)
		b.WriteByte('\n')
	}
	return strings.Join(names, ";"), b.String()
}

func canonicalQueryString(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}
