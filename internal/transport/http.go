package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bigxfer/bigxfer/internal/apimodel"
	"github.com/bigxfer/bigxfer/internal/errors"
	"github.com/bigxfer/bigxfer/internal/ratelimit"
)

// DefaultTimeout is the long per-request timeout §5 calls for on
// chunk transfer ("Transport operations impose a long timeout (≥2
// minutes)").
const DefaultTimeout = 2 * time.Minute

// HTTPClient is the reference Transport implementation: it speaks the
// §6 HTTP protocol directly against a bigxfer server.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

var _ Transport = (*HTTPClient)(nil)

// NewHTTPClient builds an HTTPClient. limiter may be nil for no shaping.
func NewHTTPClient(baseURL string, limiter ratelimit.Limiter) *HTTPClient {
	rt := http.DefaultTransport
	if limiter != nil {
		rt = limiter.Transport(rt)
	}
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: DefaultTimeout, Transport: rt},
	}
}

func (c *HTTPClient) Initiate(ctx context.Context, req InitiateRequest) (InitiateResponse, error) {
	body := apimodel.CreateRequest{
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		FileType:     req.FileType,
		LastModified: req.LastModified.UnixMilli(),
	}

	var out apimodel.CreateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/create", nil, body, &out); err != nil {
		return InitiateResponse{}, err
	}
	return InitiateResponse{UploadToken: out.UploadToken, ChunkSize: out.ChunkSize}, nil
}

func (c *HTTPClient) Verify(ctx context.Context, uploadToken, digest string, kind HashKind, chunkIndex *int) (VerifyResponse, error) {
	headers := map[string]string{
		apimodel.HeaderUploadToken:    uploadToken,
		apimodel.HeaderUploadHash:     digest,
		apimodel.HeaderUploadHashType: string(kind),
	}
	if chunkIndex != nil {
		headers[apimodel.HeaderUploadChunkIndex] = strconv.Itoa(*chunkIndex)
	}

	var out apimodel.VerifyResponse
	if err := c.doJSON(ctx, http.MethodPatch, "/verify", headers, nil, &out); err != nil {
		return VerifyResponse{}, err
	}
	return VerifyResponse{HasFile: out.HasFile, Rest: out.Rest, URL: out.URL}, nil
}

func (c *HTTPClient) Merge(ctx context.Context, uploadToken, fileHash string, orderedDigests []string) (string, error) {
	headers := map[string]string{apimodel.HeaderUploadToken: uploadToken}
	body := apimodel.MergeRequest{FileHash: fileHash, Chunks: orderedDigests}

	var out apimodel.MergeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/merge", headers, body, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// progressReader reports cumulative bytes read as a chunk body streams
// out, the hook TransferChunk uses to drive §4.4's onProgress.
type progressReader struct {
	r          io.Reader
	sent       int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.sent)
		}
	}
	return n, err
}

func (c *HTTPClient) TransferChunk(ctx context.Context, uploadToken string, ct ChunkTransfer, onProgress ProgressFunc) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		defer mw.Close()

		fields := []struct{ name, value string }{
			{apimodel.FieldChunkIndex, strconv.Itoa(ct.Index)},
			{apimodel.FieldChunkHash, ct.Digest},
			{apimodel.FieldChunkStart, strconv.FormatInt(ct.Start, 10)},
			{apimodel.FieldChunkEnd, strconv.FormatInt(ct.End, 10)},
		}
		for _, f := range fields {
			if err := mw.WriteField(f.name, f.value); err != nil {
				pw.CloseWithError(err)
				return
			}
		}

		part, err := mw.CreateFormFile(apimodel.FieldChunk, "chunk")
		if err != nil {
			pw.CloseWithError(err)
			return
		}

		tracked := &progressReader{r: ct.Data, onProgress: onProgress}
		if _, err := io.Copy(part, tracked); err != nil {
			pw.CloseWithError(err)
			return
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chunk", pr)
	if err != nil {
		return errors.Wrap(err, "transport: build chunk request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(apimodel.HeaderUploadToken, uploadToken)

	resp, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "transport: chunk transfer failed")
	}
	defer resp.Body.Close()

	var env apimodel.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return classifyStatus(resp.StatusCode, errors.Wrap(err, "transport: decode chunk response"))
	}
	if !env.Success {
		return classifyStatus(resp.StatusCode, errors.Errorf("transport: %s", env.Message))
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "transport: encode request")
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, buf)
	if err != nil {
		return errors.Wrap(err, "transport: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "transport: request failed")
	}
	defer resp.Body.Close()

	var env apimodel.Envelope
	if decErr := json.NewDecoder(resp.Body).Decode(&env); decErr != nil {
		return classifyStatus(resp.StatusCode, errors.Wrap(decErr, "transport: decode response"))
	}
	if !env.Success {
		return classifyStatus(resp.StatusCode, errors.Errorf("transport: %s", env.Message))
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.Wrap(err, "transport: decode data")
		}
	}
	return nil
}

// classifyStatus marks 4xx failures permanent (§7's validation/
// authorization/integrity classes: "surfaced immediately; never retried")
// so the controller's retry loop can tell them apart from 5xx/network
// failures, which §7 calls transient and subject to backoff.
func classifyStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	if status >= 400 && status < 500 {
		return backoff.Permanent(err)
	}
	return err
}
