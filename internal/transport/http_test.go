package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"github.com/bigxfer/bigxfer/internal/apimodel"
)

func writeEnvelope(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env := apimodel.Envelope{Success: true, Data: raw}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
}

func TestHTTPClientRoundTrip(t *testing.T) {
	var gotChunkBytes []byte
	var gotToken string

	mux := http.NewServeMux()
	mux.HandleFunc("/create", func(w http.ResponseWriter, r *http.Request) {
		var req apimodel.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode create: %v", err)
		}
		if req.FileName != "movie.mp4" {
			t.Fatalf("unexpected fileName: %q", req.FileName)
		}
		writeEnvelope(t, w, apimodel.CreateResponse{UploadToken: "tok-1", ChunkSize: 1024})
	})
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(apimodel.HeaderUploadToken)
		if r.Header.Get(apimodel.HeaderUploadHashType) == apimodel.HashTypeFile {
			writeEnvelope(t, w, apimodel.VerifyResponse{HasFile: false, Rest: []string{"abc"}})
			return
		}
		writeEnvelope(t, w, apimodel.VerifyResponse{HasFile: false})
	})
	mux.HandleFunc("/chunk", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		f, _, err := r.FormFile(apimodel.FieldChunk)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		gotChunkBytes, _ = io.ReadAll(f)
		writeEnvelope(t, w, struct{}{})
	})
	mux.HandleFunc("/merge", func(w http.ResponseWriter, r *http.Request) {
		var req apimodel.MergeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode merge: %v", err)
		}
		writeEnvelope(t, w, apimodel.MergeResponse{URL: "/api/upload/file/u/movie.mp4"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil)
	ctx := context.Background()

	init, err := c.Initiate(ctx, InitiateRequest{FileName: "movie.mp4", FileSize: 2048, FileType: "video/mp4"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if init.UploadToken != "tok-1" || init.ChunkSize != 1024 {
		t.Fatalf("unexpected Initiate response: %+v", init)
	}

	vr, err := c.Verify(ctx, init.UploadToken, "deadbeef", HashFile, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if gotToken != init.UploadToken {
		t.Fatalf("Verify did not send the upload token header")
	}
	if vr.HasFile || len(vr.Rest) != 1 {
		t.Fatalf("unexpected Verify response: %+v", vr)
	}

	var progressed int64
	err = c.TransferChunk(ctx, init.UploadToken, ChunkTransfer{
		Index: 0, Digest: "deadbeef", Start: 0, End: 5,
		Data: strings.NewReader("hello"),
	}, func(sent int64) { progressed = sent })
	if err != nil {
		t.Fatalf("TransferChunk: %v", err)
	}
	if string(gotChunkBytes) != "hello" {
		t.Fatalf("server received %q, want %q", gotChunkBytes, "hello")
	}
	if progressed != 5 {
		t.Fatalf("expected progress callback to report 5 bytes, got %d", progressed)
	}

	url, err := c.Merge(ctx, init.UploadToken, "deadbeef", []string{"deadbeef"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if url != "/api/upload/file/u/movie.mp4" {
		t.Fatalf("unexpected Merge url: %s", url)
	}
}

func TestHTTPClientClassifiesClientErrorsAsPermanent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/create", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(apimodel.Envelope{Success: false, Message: "fileName is required"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil)
	_, err := c.Initiate(context.Background(), InitiateRequest{})
	if err == nil {
		t.Fatalf("expected an error")
	}

	var perm *backoff.PermanentError
	if !stderrors.As(err, &perm) {
		t.Fatalf("expected a *backoff.PermanentError, got %T: %v", err, err)
	}
}
