//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("STRATAMEM_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// processRequest is the payload sent to the process endpoint.
type processRequest struct {
	Content   string            `json:"content"`
	InputType string            `json:"input_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// processResponse mirrors the fields the smoke tests assert on.
type processResponse struct {
	Response          string  `json:"response"`
	Confidence        float64 `json:"confidence"`
	ActivatedMemories []struct {
		NodeID string `json:"node_id"`
		Layer  string `json:"layer"`
	} `json:"activated_memories"`
	Degraded bool `json:"degraded"`
}

// process POSTs one input and returns the decoded result.
func process(t *testing.T, content, inputType string, meta map[string]string) processResponse {
	t.Helper()

	body, err := json.Marshal(processRequest{
		Content:   content,
		InputType: inputType,
		Metadata:  meta,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(baseURL+"/api/process", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/process: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	var out processResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
	}
	return out
}

func TestStoreEvent(t *testing.T) {
	out := process(t, "smoke test visited the engine", "EVENT", nil)
	if len(out.ActivatedMemories) == 0 {
		t.Fatal("expected a stored memory id")
	}
	if out.ActivatedMemories[0].Layer == "" {
		t.Error("stored memory carries no layer")
	}
	t.Logf("stored in %s", out.ActivatedMemories[0].Layer)
}

func TestStoreThenQuery(t *testing.T) {
	process(t, "the smoke deploy finished at noon sharp", "EVENT", nil)
	out := process(t, "the smoke deploy finished at noon sharp", "QUERY", nil)
	if !strings.Contains(out.Response, "smoke deploy") {
		t.Errorf("query did not surface the stored memory: %s", out.Response)
	}
	if out.Confidence <= 0 {
		t.Errorf("confidence = %f", out.Confidence)
	}
	t.Logf("response: %.200s (confidence %.2f)", out.Response, out.Confidence)
}

func TestFeedbackStoresFeeling(t *testing.T) {
	out := process(t, "that answer was perfect", "FEEDBACK",
		map[string]string{"valence": "0.9"})
	if len(out.ActivatedMemories) == 0 {
		t.Fatal("expected a stored memory id")
	}
	if out.ActivatedMemories[0].Layer != "emotional" {
		t.Errorf("feedback landed in %s, want emotional", out.ActivatedMemories[0].Layer)
	}
}

func TestLayerStats(t *testing.T) {
	resp, err := http.Get(baseURL + "/api/layers")
	if err != nil {
		t.Fatalf("GET /api/layers: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Layers []struct {
			Layer string `json:"layer"`
			Count int    `json:"count"`
		} `json:"layers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Layers) != 5 {
		t.Errorf("got %d tiers, want 5", len(body.Layers))
	}
}

func TestSweep(t *testing.T) {
	resp, err := http.Post(baseURL+"/api/sweep", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/sweep: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}
