package s3client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{
		Endpoint:  server.URL,
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Bucket:    "vault-bucket",
		Region:    "us-east-1",
	})
}

func TestPutObject_SignsAndSucceeds(t *testing.T) {
	var gotAuth string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})

	if err := p.PutObject("photos/a.jpg", []byte("HelloWorld!"), nil); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/") {
		t.Errorf("expected SigV4 auth header, got %q", gotAuth)
	}
}

func TestHeadObject_NotFoundReturnsNilNotError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	headers, err := p.HeadObject("missing.txt")
	if err != nil {
		t.Fatalf("expected no error on 404, got %v", err)
	}
	if headers != nil {
		t.Errorf("expected nil headers, got %+v", headers)
	}
}

func TestHeadObject_ReturnsMetadata(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-amz-meta-vh-encrypted", "true")
		w.Header().Set("x-amz-meta-content-hash", "abc123")
		w.Header().Set("Content-Length", "38")
		w.WriteHeader(http.StatusOK)
	})

	headers, err := p.HeadObject("photos/a.jpg")
	if err != nil {
		t.Fatalf("HeadObject: %v", err)
	}
	if headers.Metadata["vh-encrypted"] != "true" {
		t.Errorf("expected vh-encrypted=true, got %q", headers.Metadata["vh-encrypted"])
	}
	if headers.Metadata["content-hash"] != "abc123" {
		t.Errorf("expected content-hash=abc123, got %q", headers.Metadata["content-hash"])
	}
}

func TestListObjects_FollowsContinuation(t *testing.T) {
	calls := 0
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("continuation-token") == "" {
			w.Write([]byte(`<ListBucketResult><Contents><Key>a.jpg</Key><Size>10</Size></Contents><IsTruncated>true</IsTruncated><NextContinuationToken>tok1</NextContinuationToken></ListBucketResult>`))
			return
		}
		w.Write([]byte(`<ListBucketResult><Contents><Key>b.jpg</Key><Size>20</Size></Contents><IsTruncated>false</IsTruncated></ListBucketResult>`))
	})

	entries, err := p.ListObjects("")
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 page fetches, got %d", calls)
	}
	if len(entries) != 2 || entries[0].Key != "a.jpg" || entries[1].Key != "b.jpg" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestMultipart_CompleteRequiresAscendingParts(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	err := p.CompleteMultipartUpload("big.bin", "upload-1", []UploadedPart{
		{PartNumber: 2, ETag: "e2"},
		{PartNumber: 1, ETag: "e1"},
	})
	if err == nil {
		t.Error("expected error for out-of-order parts")
	}
}

func TestUploadPart_RejectsInvalidPartNumber(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if _, err := p.UploadPart("big.bin", "upload-1", 0, []byte("x")); err != ErrInvalidPartNumber {
		t.Errorf("expected ErrInvalidPartNumber, got %v", err)
	}
	if _, err := p.UploadPart("big.bin", "upload-1", 10001, []byte("x")); err != ErrInvalidPartNumber {
		t.Errorf("expected ErrInvalidPartNumber, got %v", err)
	}
}

func TestUploadWholeOrMultipart_SmallFileUsesPutObject(t *testing.T) {
	var methodSeen string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		methodSeen = r.Method
		w.WriteHeader(http.StatusOK)
	})

	if err := p.UploadWholeOrMultipart("small.txt", []byte("tiny"), 1<<20, nil); err != nil {
		t.Fatalf("UploadWholeOrMultipart: %v", err)
	}
	if methodSeen != http.MethodPut {
		t.Errorf("expected PUT for small file, got %s", methodSeen)
	}
}

func TestAbortMultipartUpload_Succeeds(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := p.AbortMultipartUpload("big.bin", "upload-1"); err != nil {
		t.Fatalf("AbortMultipartUpload: %v", err)
	}
}
