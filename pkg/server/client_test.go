package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStartInference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		if in["permissionId"] != "123" {
			t.Errorf("unexpected permission id %q", in["permissionId"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "job-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 14800)
	id, err := c.StartInference(context.Background(), "123")
	if err != nil {
		t.Fatalf("StartInference: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected job-1; got %q", id)
	}
}

func TestStartInferenceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 14800)
	if _, err := c.StartInference(context.Background(), "123"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestPollOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["operationId"] != "job-1" {
			t.Errorf("unexpected operation id %v", in["operationId"])
		}
		if int64(in["chainId"].(float64)) != 14800 {
			t.Errorf("unexpected chain id %v", in["chainId"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "succeeded", "result": `{"answer":42}`})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 14800)
	status, result, err := c.PollOperation(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("PollOperation: %v", err)
	}
	if status != JobSucceeded || !status.Terminal() {
		t.Fatalf("expected terminal succeeded; got %q", status)
	}
	if result != `{"answer":42}` {
		t.Fatalf("unexpected result %q", result)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobProcessing.Terminal() || JobPending.Terminal() {
		t.Fatal("processing/pending must not be terminal")
	}
	if !JobFailed.Terminal() {
		t.Fatal("failed must be terminal")
	}
}
