// Package s3test provides a small in-memory S3-compatible HTTP server for
// exercising object store clients end to end in tests.
//
// Only the calls the gateway makes are implemented: bucket create/head/
// location, PutObject (plain and AWS streaming-chunked payloads), GetObject,
// HeadObject, DeleteObject and ListObjectsV2. Requests are not authenticated.
package s3test

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Op names an S3 API call the server can be told to fail.
type Op string

const (
	OpPutObject    Op = "PutObject"
	OpGetObject    Op = "GetObject"
	OpHeadObject   Op = "HeadObject"
	OpDeleteObject Op = "DeleteObject"
	OpListObjects  Op = "ListObjectsV2"
	OpHeadBucket   Op = "HeadBucket"
	OpCreateBucket Op = "CreateBucket"
)

// Failure is an S3 error response returned for every call of an Op until
// cleared. Use a 4xx status to avoid client retries.
type Failure struct {
	Status  int
	Code    string
	Message string
}

// AccessDenied is a non-retryable failure accepted by every S3 client.
var AccessDenied = Failure{
	Status:  http.StatusForbidden,
	Code:    "AccessDenied",
	Message: "Access Denied.",
}

const lastModifiedLayout = "2006-01-02T15:04:05.000Z"

type object struct {
	data        []byte
	contentType string
	metadata    http.Header
	modifiedAt  time.Time
	etag        string
}

// Server holds buckets and objects in memory.
type Server struct {
	Region string

	mu       sync.Mutex
	buckets  map[string]map[string]*object
	failures map[Op]Failure
	requests map[Op]int
}

// NewServer returns a Server pre-populated with the given buckets.
func NewServer(region string, buckets ...string) *Server {
	if region == "" {
		region = "us-east-1"
	}

	s := &Server{
		Region:   region,
		buckets:  make(map[string]map[string]*object),
		failures: make(map[Op]Failure),
		requests: make(map[Op]int),
	}
	for _, b := range buckets {
		s.CreateBucket(b)
	}
	return s
}

// CreateBucket creates bucket if it does not exist yet.
func (s *Server) CreateBucket(bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]*object)
	}
}

// BucketExists reports whether bucket has been created.
func (s *Server) BucketExists(bucket string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.buckets[bucket]
	return ok
}

// PutObject stores an object directly, bypassing HTTP.
func (s *Server) PutObject(bucket string, key string, data []byte, contentType string, metadata map[string]string) {
	md := make(http.Header)
	for k, v := range metadata {
		md.Set("X-Amz-Meta-"+k, v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		objects = make(map[string]*object)
		s.buckets[bucket] = objects
	}
	objects[key] = newObject(data, contentType, md)
}

// ObjectCount returns the number of objects held in bucket.
func (s *Server) ObjectCount(bucket string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.buckets[bucket])
}

// Fail makes every subsequent call of op return f.
func (s *Server) Fail(op Op, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[op] = f
}

// Clear removes any failure registered for op.
func (s *Server) Clear(op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.failures, op)
}

// Requests returns how many calls of op the server has received.
func (s *Server) Requests(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requests[op]
}

func newObject(data []byte, contentType string, metadata http.Header) *object {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	sum := md5.Sum(data)
	return &object{
		data:        data,
		contentType: contentType,
		metadata:    metadata,
		modifiedAt:  time.Now().UTC().Truncate(time.Second),
		etag:        hex.EncodeToString(sum[:]),
	}
}

// begin records a call of op and writes the registered failure, if any. It
// returns false when the handler should stop.
func (s *Server) begin(w http.ResponseWriter, r *http.Request, op Op) bool {
	s.mu.Lock()
	s.requests[op]++
	f, failing := s.failures[op]
	s.mu.Unlock()

	if failing {
		writeS3Error(w, f.Code, f.Message, r.URL.Path, f.Status)
		return false
	}
	return true
}

// lookupBucket returns the objects of bucket, writing NoSuchBucket when it
// does not exist. The caller must hold s.mu.
func (s *Server) lookupBucket(w http.ResponseWriter, r *http.Request, bucket string) (map[string]*object, bool) {
	objects, ok := s.buckets[bucket]
	if !ok {
		writeNoSuchBucketError(w, r)
		return nil, false
	}
	return objects, true
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

// writeNoSuchBucketError writes a generic S3 NoSuchBucket error response.
func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

// writeNoSuchKeyError writes a generic S3 NoSuchKey error response.
func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

// SlashFix collapses duplicate slashes and drops a trailing slash so that
// "/bucket/" routes the same as "/bucket".
func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns an http.Handler implementing the supported S3 subset with
// path-style addressing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleCreateBucket(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("HEAD /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleHeadBucket(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		bucket := r.PathValue("bucket")
		if r.URL.Query().Has("location") {
			s.handleGetBucketLocation(w, r, bucket)
			return
		}
		s.handleListObjectsV2(w, r, bucket)
	})

	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handlePutObject(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGetObject(w, r, r.PathValue("bucket"), r.PathValue("key"), true)
	})
	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGetObject(w, r, r.PathValue("bucket"), r.PathValue("key"), false)
	})
	mux.HandleFunc("DELETE /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleDeleteObject(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	return SlashFix(mux)
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.begin(w, r, OpCreateBucket) {
		return
	}

	s.mu.Lock()
	_, exists := s.buckets[bucket]
	if !exists {
		s.buckets[bucket] = make(map[string]*object)
	}
	s.mu.Unlock()

	if exists {
		writeS3Error(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.begin(w, r, OpHeadBucket) {
		return
	}

	if !s.BucketExists(bucket) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("X-Amz-Bucket-Region", s.Region)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetBucketLocation(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.BucketExists(bucket) {
		writeNoSuchBucketError(w, r)
		return
	}

	resp := LocationConstraint{XMLNS: s3XMLNamespace, Region: s.Region}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

// handlePutObject implements PUT /bucket/key to store an object.
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !s.begin(w, r, OpPutObject) {
		return
	}
	defer r.Body.Close()

	var (
		data []byte
		err  error
	)

	contentSHA := r.Header.Get("X-Amz-Content-Sha256")
	if strings.HasPrefix(strings.ToUpper(contentSHA), "STREAMING-") {
		data, err = decodeStreamingPayload(r.Body)
	} else {
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		slog.Error("Read object payload", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "IncompleteBody", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}

	metadata := make(http.Header)
	for name, values := range r.Header {
		if len(values) > 0 && strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Amz-Meta-") {
			metadata.Set(name, values[0])
		}
	}

	obj := newObject(data, r.Header.Get("Content-Type"), metadata)

	s.mu.Lock()
	objects, ok := s.lookupBucket(w, r, bucket)
	if ok {
		objects[key] = obj
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	w.Header().Set("ETag", createETag(obj.etag))
	w.WriteHeader(http.StatusOK)
}

// handleGetObject implements GET and HEAD /bucket/key.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket string, key string, withBody bool) {
	op := OpGetObject
	if !withBody {
		op = OpHeadObject
	}
	if !s.begin(w, r, op) {
		return
	}

	s.mu.Lock()
	objects, ok := s.lookupBucket(w, r, bucket)
	var obj *object
	if ok {
		obj = objects[key]
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if obj == nil {
		if withBody {
			writeNoSuchKeyError(w, r)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}

	for name, values := range obj.metadata {
		w.Header()[name] = values
	}
	w.Header().Set("Content-Type", obj.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
	w.Header().Set("Last-Modified", obj.modifiedAt.Format(http.TimeFormat))
	w.Header().Set("ETag", createETag(obj.etag))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)

	if withBody {
		if _, err := w.Write(obj.data); err != nil {
			slog.Error("Stream object", "bucket", bucket, "key", key, "err", err)
		}
	}
}

// handleDeleteObject implements DELETE /bucket/key. Deleting a missing key
// succeeds, as it does on S3.
func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !s.begin(w, r, OpDeleteObject) {
		return
	}

	s.mu.Lock()
	objects, ok := s.lookupBucket(w, r, bucket)
	if ok {
		delete(objects, key)
	}
	s.mu.Unlock()

	if ok {
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleListObjectsV2 implements a flat ListObjectsV2:
// GET /bucket?list-type=2[&prefix=][&max-keys=][&continuation-token=][&start-after=]
func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.begin(w, r, OpListObjects) {
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	continuationToken := q.Get("continuation-token")
	startAfter := ""
	if continuationToken == "" {
		startAfter = q.Get("start-after")
	}

	maxKeys := 1000
	if raw := q.Get("max-keys"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v < maxKeys {
			maxKeys = v
		}
	}

	after := startAfter
	if continuationToken != "" {
		after = continuationToken
	}

	s.mu.Lock()
	objects, ok := s.lookupBucket(w, r, bucket)
	var summaries []ObjectSummary
	if ok {
		keys := make([]string, 0, len(objects))
		for k := range objects {
			if strings.HasPrefix(k, prefix) && k > after {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		for _, k := range keys {
			obj := objects[k]
			summaries = append(summaries, ObjectSummary{
				Key:          k,
				LastModified: obj.modifiedAt.Format(lastModifiedLayout),
				ETag:         createETag(obj.etag),
				Size:         int64(len(obj.data)),
				StorageClass: "STANDARD",
			})
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	isTruncated := false
	nextContinuationToken := ""
	if len(summaries) > maxKeys {
		isTruncated = true
		summaries = summaries[:maxKeys]
		nextContinuationToken = summaries[len(summaries)-1].Key
	}

	resp := ListBucketResultV2{
		XMLNS:                 s3XMLNamespace,
		Name:                  bucket,
		Prefix:                prefix,
		KeyCount:              len(summaries),
		MaxKeys:               maxKeys,
		IsTruncated:           isTruncated,
		ContinuationToken:     continuationToken,
		NextContinuationToken: nextContinuationToken,
		StartAfter:            startAfter,
		Contents:              summaries,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects v2 XML", "bucket", bucket, "err", err)
	}
}

// decodeStreamingPayload decodes an AWS Signature Version 4 streaming
// (aws-chunked) payload, with or without chunk signatures and trailers.
func decodeStreamingPayload(body io.Reader) ([]byte, error) {
	br := bufio.NewReader(body)

	var out bytes.Buffer
	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("unexpected EOF while reading chunk header")
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		sizeHex := strings.TrimSpace(line)
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}

		// The final chunk is followed by optional trailers which carry
		// nothing this server stores.
		if size == 0 {
			break
		}

		n, err := io.CopyN(&out, br, size)
		if err != nil {
			return nil, fmt.Errorf("short read while reading chunk body: expected %d bytes, got %d: %w", size, n, err)
		}

		// Consume the trailing CRLF after the chunk body.
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(br, crlf); err != nil {
			return nil, fmt.Errorf("read CRLF after chunk: %w", err)
		}
		if crlf[0] != '\r' || crlf[1] != '\n' {
			return nil, fmt.Errorf("expected CRLF after chunk, got %q", crlf)
		}
	}

	return out.Bytes(), nil
}
