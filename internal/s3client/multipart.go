package s3client

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const (
	minPartNumber  = 1
	maxPartNumber  = 10000
	maxPartSize    = 5 << 30 // 5 GiB S3 protocol ceiling
)

// ErrInvalidPartNumber is returned by UploadPart for out-of-range part
// numbers.
var ErrInvalidPartNumber = fmt.Errorf("s3client: part number must be in [%d, %d]", minPartNumber, maxPartNumber)

// ErrPartTooLarge is returned by UploadPart when a part exceeds the 5 GiB
// cap.
var ErrPartTooLarge = fmt.Errorf("s3client: part exceeds %d bytes", maxPartSize)

// UploadedPart is one completed part in ascending partNumber order.
type UploadedPart struct {
	PartNumber int
	ETag       string
}

// InitiateMultipartUpload starts a new multipart upload for key and returns
// its uploadID.
func (p *Provider) InitiateMultipartUpload(key string, meta map[string]string) (uploadID string, err error) {
	reqURL := fmt.Sprintf("%s?uploads", p.objectURL(key))
	req, err := http.NewRequest(http.MethodPost, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	for k, v := range meta {
		req.Header.Set("x-amz-meta-"+k, v)
	}
	p.signRequest(req, nil, true)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if statusErr := classifyStatus(resp, body); statusErr != nil {
		return "", statusErr
	}

	var result struct {
		UploadID string `xml:"UploadId"`
	}
	if err := xml.Unmarshal(body, &result); err != nil {
		if ids := extractXMLValues(string(body), "UploadId"); len(ids) > 0 {
			return ids[0], nil
		}
		return "", fmt.Errorf("s3client: parse initiate-multipart response: %w", err)
	}
	return result.UploadID, nil
}

// UploadPart uploads one part. Part numbers are 1-based and contiguous; the
// caller is responsible for submitting parts in ascending order, but this
// method does not itself enforce ordering (ordering is a property of the
// Storage Engine's cloud extension driving it, not of the wire operation).
func (p *Provider) UploadPart(key, uploadID string, partNumber int, body []byte) (UploadedPart, error) {
	if partNumber < minPartNumber || partNumber > maxPartNumber {
		return UploadedPart{}, ErrInvalidPartNumber
	}
	if len(body) > maxPartSize {
		return UploadedPart{}, ErrPartTooLarge
	}

	params := url.Values{}
	params.Set("partNumber", strconv.Itoa(partNumber))
	params.Set("uploadId", uploadID)
	reqURL := fmt.Sprintf("%s?%s", p.objectURL(key), params.Encode())

	req, err := http.NewRequest(http.MethodPut, reqURL, bytes.NewReader(body))
	if err != nil {
		return UploadedPart{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	p.signRequest(req, body, false)

	resp, err := p.client.Do(req)
	if err != nil {
		return UploadedPart{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if statusErr := classifyStatus(resp, respBody); statusErr != nil {
		return UploadedPart{}, statusErr
	}

	etag := resp.Header.Get("ETag")
	return UploadedPart{PartNumber: partNumber, ETag: etag}, nil
}

type completeMultipartBody struct {
	XMLName xml.Name                `xml:"CompleteMultipartUpload"`
	Parts   []completeMultipartPart `xml:"Part"`
}

type completeMultipartPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompleteMultipartUpload finalizes the upload. parts MUST be supplied in
// contiguous ascending partNumber order starting at 1 and MUST exactly
// match what was uploaded.
func (p *Provider) CompleteMultipartUpload(key, uploadID string, parts []UploadedPart) error {
	if err := validateAscendingParts(parts); err != nil {
		return err
	}

	body := completeMultipartBody{}
	for _, part := range parts {
		body.Parts = append(body.Parts, completeMultipartPart{PartNumber: part.PartNumber, ETag: part.ETag})
	}
	payload, err := xml.Marshal(body)
	if err != nil {
		return fmt.Errorf("s3client: marshal complete-multipart body: %w", err)
	}

	params := url.Values{}
	params.Set("uploadId", uploadID)
	reqURL := fmt.Sprintf("%s?%s", p.objectURL(key), params.Encode())

	req, err := http.NewRequest(http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	p.signRequest(req, payload, false)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return classifyStatus(resp, respBody)
}

// AbortMultipartUpload aborts an in-progress upload; on any part failure
// the caller MUST invoke this so no durable object remains.
func (p *Provider) AbortMultipartUpload(key, uploadID string) error {
	params := url.Values{}
	params.Set("uploadId", uploadID)
	reqURL := fmt.Sprintf("%s?%s", p.objectURL(key), params.Encode())

	req, err := http.NewRequest(http.MethodDelete, reqURL, nil)
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
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	return classifyStatus(resp, body)
}

func validateAscendingParts(parts []UploadedPart) error {
	for i, part := range parts {
		if part.PartNumber < minPartNumber || part.PartNumber > maxPartNumber {
			return ErrInvalidPartNumber
		}
		if part.PartNumber != minPartNumber+i {
			return fmt.Errorf("s3client: parts must be contiguous and ascending from partNumber %d", minPartNumber)
		}
	}
	return nil
}

// UploadWholeOrMultipart picks whole-object PUT when size < 5 MiB,
// otherwise drives a multipart upload with parts of partSize bytes, per
// the multipart threshold the Storage Engine's cloud extension uses.
func (p *Provider) UploadWholeOrMultipart(key string, data []byte, partSize int64, meta map[string]string) error {
	const wholeObjectThreshold = 5 << 20 // 5 MiB
	if int64(len(data)) < wholeObjectThreshold {
		return p.PutObject(key, data, meta)
	}

	uploadID, err := p.InitiateMultipartUpload(key, meta)
	if err != nil {
		return err
	}

	var parts []UploadedPart
	partNumber := 1
	for offset := int64(0); offset < int64(len(data)); offset += partSize {
		end := offset + partSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		part, err := p.UploadPart(key, uploadID, partNumber, data[offset:end])
		if err != nil {
			_ = p.AbortMultipartUpload(key, uploadID)
			return err
		}
		parts = append(parts, part)
		partNumber++
	}

	if err := p.CompleteMultipartUpload(key, uploadID, parts); err != nil {
		_ = p.AbortMultipartUpload(key, uploadID)
		return err
	}
	return nil
}
