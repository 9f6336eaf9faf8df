package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"discserver/internal/config"
	"discserver/internal/imaging"
	"discserver/internal/logger"
	"discserver/internal/store"
)

func testHandler() *DiscHandler {
	cfg := &config.Config{EncoderType: config.EncoderCLIP, MaxImageSizeMB: 10}
	return NewDiscHandler(nil, cfg, logger.NewNop())
}

func TestHealth(t *testing.T) {
	h := testHandler()

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Health status = %d, want 200", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON body: %v", err)
	}
	if body["status"] != "ok" || body["encoder"] != "clip" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestWriteError_StatusMapping(t *testing.T) {
	h := testHandler()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"oversize", imaging.ErrImageTooLarge, http.StatusRequestEntityTooLarge},
		{"unsupported format", imaging.ErrUnsupportedFormat, http.StatusBadRequest},
		{"undecodable", imaging.ErrUndecodable, http.StatusBadRequest},
		{"invalid status", store.ErrInvalidStatus, http.StatusBadRequest},
		{"invalid transition", store.ErrInvalidTransition, http.StatusConflict},
		{"disc not found", store.ErrDiscNotFound, http.StatusNotFound},
		{"image not found", store.ErrImageNotFound, http.StatusNotFound},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"wrapped not found", errors.Join(errors.New("ctx"), store.ErrDiscNotFound), http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeError(rec, tt.err)
			if rec.Code != tt.want {
				t.Errorf("writeError(%v) status = %d, want %d", tt.err, rec.Code, tt.want)
			}
		})
	}
}

func TestPathID(t *testing.T) {
	h := testHandler()
	mux := http.NewServeMux()
	var got int64
	mux.HandleFunc("GET /discs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r, "id")
		if ok {
			got = id
			w.WriteHeader(http.StatusOK)
		}
	})

	tests := []struct {
		path   string
		status int
		wantID int64
	}{
		{"/discs/42", http.StatusOK, 42},
		{"/discs/0", http.StatusBadRequest, 0},
		{"/discs/-3", http.StatusBadRequest, 0},
		{"/discs/abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got = 0
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.status {
				t.Errorf("Status = %d, want %d", rec.Code, tt.status)
			}
			if got != tt.wantID {
				t.Errorf("Parsed id = %d, want %d", got, tt.wantID)
			}
		})
	}
}
