package handlers

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cubbystore/cubby/internal/auth"
	"github.com/cubbystore/cubby/internal/blob"
	"github.com/cubbystore/cubby/internal/catalog"
	s3err "github.com/cubbystore/cubby/internal/errors"
	"github.com/cubbystore/cubby/internal/xmlutil"
)

// readChunkSize is the buffer size for streaming blob content to clients.
const readChunkSize = 16 << 20

var readBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, readChunkSize)
		return &b
	},
}

// errMalformedChunk marks aws-chunked bodies that cannot be decoded.
var errMalformedChunk = errors.New("malformed aws-chunked body")

// splitKey splits an object key into path segments. The boolean reports a
// trailing slash, which marks a folder key. Interior empty segments are
// preserved so ValidateSegments can reject them.
func splitKey(key string) ([]string, bool) {
	isFolder := strings.HasSuffix(key, "/")
	trimmed := strings.Trim(key, "/")
	if trimmed == "" {
		return nil, isFolder
	}
	return strings.Split(trimmed, "/"), isFolder
}

// detectMimeType picks the stored mime type for an upload: the declared
// Content-Type when present, otherwise a guess from the filename extension,
// otherwise application/octet-stream. Parameters after ";" are stripped.
// The folder marker type is never accepted from the wire.
func detectMimeType(filename, contentType string) string {
	mt := contentType
	if mt == "" {
		mt = mime.TypeByExtension(filepath.Ext(filename))
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	mt = strings.TrimSpace(mt)
	if mt == "" || mt == catalog.MimeFolder {
		return "application/octet-stream"
	}
	return mt
}

// parseCopySource parses the X-Amz-Copy-Source header and returns the source
// bucket and key. The header value is URL-decoded and expected in the format
// "/bucket/key" or "bucket/key".
func parseCopySource(header string) (bucket, key string, ok bool) {
	decoded, err := url.PathUnescape(header)
	if err != nil {
		return "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	idx := strings.IndexByte(decoded, '/')
	if idx <= 0 || idx == len(decoded)-1 {
		return "", "", false
	}
	return decoded[:idx], decoded[idx+1:], true
}

// parseDeleteRequest parses a DeleteObjects XML request body.
func parseDeleteRequest(body io.Reader) (*xmlutil.DeleteRequest, error) {
	var req xmlutil.DeleteRequest
	if err := xml.NewDecoder(body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// parseRange parses a Range header of the form "bytes=<start>-<end?>"
// against the object size. A missing end defaults to the last byte. Suffix
// and multi-range forms are not supported, and any range touching bytes at
// or past the object size is an error the caller answers with 416.
func parseRange(rangeHeader string, size int64) (start, end int64, err error) {
	spec, found := strings.CutPrefix(rangeHeader, "bytes=")
	if !found {
		return 0, 0, fmt.Errorf("invalid range header: missing bytes= prefix")
	}
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("multi-range not supported")
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, fmt.Errorf("invalid range spec: %q", spec)
	}

	start, err = strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start: %q", startStr)
	}

	end = size - 1
	if e := strings.TrimSpace(endStr); e != "" {
		end, err = strconv.ParseInt(e, 10, 64)
		if err != nil || end < 0 {
			return 0, 0, fmt.Errorf("invalid range end: %q", endStr)
		}
	}

	if start >= size || end >= size || start > end {
		return 0, 0, fmt.Errorf("range %d-%d not satisfiable for size %d", start, end, size)
	}
	return start, end, nil
}

// declaredSize returns the request's declared body size: the decoded length
// for aws-chunked bodies, Content-Length otherwise, -1 when unknown.
func declaredSize(r *http.Request) int64 {
	if v := r.Header.Get("x-amz-decoded-content-length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return r.ContentLength
}

// uploadBody returns the request body with aws-chunked framing stripped
// when the client declared a streaming payload.
func uploadBody(r *http.Request) io.Reader {
	if auth.StreamingPayloadDeclared(r) {
		return newAWSChunkDecoder(r.Body)
	}
	return r.Body
}

// awsChunkDecoder strips the aws-chunked transfer framing used with
// STREAMING-AWS4-HMAC-SHA256-PAYLOAD bodies. Chunk signatures ride in the
// framing metadata and are discarded; the request was already
// authenticated by its header signature.
type awsChunkDecoder struct {
	br        *bufio.Reader
	remaining int64
	done      bool
}

func newAWSChunkDecoder(r io.Reader) *awsChunkDecoder {
	return &awsChunkDecoder{br: bufio.NewReader(r)}
}

func (d *awsChunkDecoder) Read(p []byte) (int, error) {
	for !d.done && d.remaining == 0 {
		if err := d.nextChunk(); err != nil {
			return 0, err
		}
	}
	if d.done {
		return 0, io.EOF
	}
	if int64(len(p)) > d.remaining {
		p = p[:d.remaining]
	}
	n, err := d.br.Read(p)
	d.remaining -= int64(n)
	if d.remaining == 0 && err == nil {
		err = d.discardCRLF()
	}
	return n, err
}

// nextChunk consumes a "<hex-size>;chunk-signature=<sig>\r\n" header line.
// The zero-size chunk ends the stream; trailer lines after it are consumed
// up to the blank terminator.
func (d *awsChunkDecoder) nextChunk() error {
	line, err := d.br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("%w: reading chunk header: %v", errMalformedChunk, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: bad chunk size %q", errMalformedChunk, line)
	}
	if size == 0 {
		for {
			tl, err := d.br.ReadString('\n')
			if err != nil || strings.TrimRight(tl, "\r\n") == "" {
				break
			}
		}
		d.done = true
		return nil
	}
	d.remaining = size
	return nil
}

func (d *awsChunkDecoder) discardCRLF() error {
	for {
		b, err := d.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch b {
		case '\r':
			continue
		case '\n':
			return nil
		default:
			return fmt.Errorf("%w: expected CRLF after chunk data", errMalformedChunk)
		}
	}
}

// keyedObject pairs a catalog row with its materialized slash-separated
// key. Folder keys carry a trailing slash.
type keyedObject struct {
	obj catalog.Object
	key string
}

// materializeKeys walks parent chains over a bucket snapshot and returns
// every row with its full key, sorted lexicographically.
func materializeKeys(objects []catalog.Object) []keyedObject {
	byID := make(map[string]*catalog.Object, len(objects))
	for i := range objects {
		byID[objects[i].ID] = &objects[i]
	}

	memo := make(map[string]string, len(objects))
	var pathOf func(o *catalog.Object) string
	pathOf = func(o *catalog.Object) string {
		if p, ok := memo[o.ID]; ok {
			return p
		}
		p := o.Filename
		if o.ParentID != catalog.RootParentID {
			if parent, ok := byID[o.ParentID]; ok {
				p = pathOf(parent) + "/" + o.Filename
			}
		}
		memo[o.ID] = p
		return p
	}

	out := make([]keyedObject, 0, len(objects))
	for i := range objects {
		o := objects[i]
		k := pathOf(&o)
		if o.IsFolder() {
			k += "/"
		}
		out = append(out, keyedObject{obj: o, key: k})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// encodeContinuationToken wraps the last returned key as an opaque V2
// continuation token.
func encodeContinuationToken(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

// decodeContinuationToken recovers the key marker from a V2 token.
func decodeContinuationToken(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("invalid continuation token: %w", err)
	}
	return string(raw), nil
}

// contentDisposition builds an inline disposition carrying the filename,
// quoted and escaped per RFC 2183.
func contentDisposition(filename string) string {
	return mime.FormatMediaType("inline", map[string]string{"filename": filename})
}

// quotedETag renders an object or part identifier as a quoted ETag value.
func quotedETag(id string) string {
	return `"` + id + `"`
}

// serveObjectContent streams a file object to the client: single-range
// support with 416 on unsatisfiable ranges, the standard header set, and
// pooled 16 MiB reads flushed to the wire one at a time. The returned
// error is always nil once the status line has been written; callers
// render it in their surface's dialect (XML or JSON).
func serveObjectContent(w http.ResponseWriter, r *http.Request, blobs *blob.Store, bucket *catalog.Bucket, obj *catalog.Object, withBody bool) *s3err.S3Error {
	size := obj.Size

	start, end := int64(0), size-1
	status := http.StatusOK
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		var err error
		start, end, err = parseRange(rangeHeader, size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			return s3err.ErrInvalidRange
		}
		status = http.StatusPartialContent
	}

	h := w.Header()
	h.Set("Content-Type", obj.MimeType)
	h.Set("Content-Disposition", contentDisposition(obj.Filename))
	h.Set("Accept-Ranges", "bytes")
	h.Set("ETag", quotedETag(obj.ID))
	h.Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.UpdatedAt))
	if status == http.StatusPartialContent {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	} else {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
	}

	if !withBody {
		// The catalog row is only the index; a stale row whose blob is
		// gone must still answer 404.
		if _, err := blobs.Stat(bucket.Name, obj.ID); err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return s3err.ErrNoSuchKey
			}
			return s3err.ErrInternalError
		}
		w.WriteHeader(status)
		return nil
	}

	f, _, err := blobs.Open(bucket.Name, obj.ID)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return s3err.ErrNoSuchKey
		}
		return s3err.ErrInternalError
	}
	defer f.Close()

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return s3err.ErrInternalError
		}
	}

	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	bufp := readBufPool.Get().(*[]byte)
	defer readBufPool.Put(bufp)
	buf := *bufp

	remaining := end - start + 1
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, rerr := f.Read(buf[:n])
		if read > 0 {
			if _, werr := w.Write(buf[:read]); werr != nil {
				// Client went away mid-transfer.
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
			remaining -= int64(read)
		}
		if rerr != nil {
			return nil
		}
	}
	return nil
}
