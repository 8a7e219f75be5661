package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var delim = []byte("\r\n\r\n----\r\n\r\n")

var errMalformed = errors.New("malformed stored response")

// ResponseToBytes converts a response to its stored representation:
// the request line of the request that produced it, a delimiter,
// and the HTTP/1.1 representation of the response.
// The response body is read, and replaced with an equal unread body.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	body, err := bufferBody(res)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}

	if res.Request != nil && res.Request.URL != nil {
		// only the identity of the request is kept, not its headers or body
		req, err := http.NewRequest(res.Request.Method, res.Request.URL.String(), nil)
		if err != nil {
			return nil, err
		}
		if err := req.WriteProxy(buf); err != nil {
			return nil, fmt.Errorf("write request: %w", err)
		}
	}
	buf.Write(delim)

	stored := *res
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.ContentLength = int64(len(body))
	stored.TransferEncoding = nil
	stored.Close = false
	stored.ProtoMajor, stored.ProtoMinor = 1, 1
	if err := stored.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts a stored representation back to a response.
func BytesToResponse(b []byte) (*http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, errMalformed
	}
	var req *http.Request
	if len(reqBytes) > 0 {
		var err error
		req, err = http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
		if err != nil {
			return nil, fmt.Errorf("read request: %w", err)
		}
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return res, nil
}

// Clone returns a copy of the response with its own body.
// The body of the original response is read, and replaced with an equal unread body.
func Clone(res *http.Response) (*http.Response, error) {
	body, err := bufferBody(res)
	if err != nil {
		return nil, err
	}
	clone := *res
	clone.Header = res.Header.Clone()
	clone.Trailer = res.Trailer.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return &clone, nil
}

// bufferBody reads the whole body of the response and sets the body back
// so that it can be read again.
func bufferBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return body, nil
}
