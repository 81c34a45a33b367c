// Test harness for the streaming disconnect-cancel path against a running server.
// Usage: go run ./scripts/test-stream-cancel -addr=localhost:8080
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

var addr = flag.String("addr", "localhost:8080", "API server host:port")
var sessionKey = flag.String("session", "cancel-harness", "Session key to execute under")
var hold = flag.Duration("hold", 3*time.Second, "How long to stream before disconnecting")

// The first statement sets a marker so the follow-up call can prove the
// kernel survived the interrupt instead of being respawned.
const longCode = `marker = 41
import time
for i in range(120):
    print('tick', i, flush=True)
    time.sleep(1)
`

func main() {
	flag.Parse()

	fmt.Printf("Testing stream disconnect cancel against %s\n", *addr)
	fmt.Printf("Session key: %s\n\n", *sessionKey)

	fmt.Println("=== Phase 1: stream, then hang up mid-run ===")

	// 1. Dial the streaming endpoint
	fmt.Println("\n1. Dialing execute stream...")
	wsURL := fmt.Sprintf("ws://%s/api/v1/execute/stream", *addr)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Printf("Failed to dial %s: %v\n", wsURL, err)
		os.Exit(1)
	}
	if resp != nil {
		resp.Body.Close()
	}

	// 2. Send a long-running request
	fmt.Println("\n2. Sending long-running execute request...")
	req := map[string]any{
		"code":        longCode,
		"session_key": *sessionKey,
		"mode":        "session",
	}
	data, _ := json.Marshal(req)
	fmt.Printf(">>> %s\n", truncate(string(data), 120))
	if err := conn.WriteJSON(req); err != nil {
		fmt.Printf("Failed to send request: %v\n", err)
		os.Exit(1)
	}

	// 3. Read frames until the hold elapses
	fmt.Printf("\n3. Streaming output for %s...\n", *hold)
	deadline := time.Now().Add(*hold)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		var frame struct {
			Type   string `json:"type"`
			Stream string `json:"stream"`
			Text   string `json:"text"`
			Error  string `json:"error"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			fmt.Printf("Read ended early: %v\n", err)
			break
		}
		switch frame.Type {
		case "chunk":
			fmt.Printf("<<< [%s] %q\n", frame.Stream, frame.Text)
		case "error":
			fmt.Printf("<<< error: %s\n", frame.Error)
			os.Exit(1)
		case "result":
			fmt.Println("<<< result frame before disconnect; code finished too fast")
			os.Exit(1)
		}
	}

	// 4. Hang up without a close frame, like a crashed client
	fmt.Println("\n4. Dropping the connection...")
	conn.Close()

	fmt.Println("\n=== Phase 2: verify the session survived ===")

	// 5. Poll until the interrupt settles and the session reads idle
	fmt.Println("\n5. Waiting for the session to return to idle...")
	if !waitForIdle(*sessionKey, 10*time.Second) {
		fmt.Println("Session never returned to idle")
		os.Exit(1)
	}

	// 6. Re-execute on the same session and check the marker
	fmt.Println("\n6. Executing follow-up on the same session...")
	out, err := executeHTTP(map[string]any{
		"code":        "print(marker + 1)",
		"session_key": *sessionKey,
		"mode":        "session",
	})
	if err != nil {
		fmt.Printf("Follow-up execute failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("<<< output: %q raw_status: %s\n", out.Output, out.RawStatus)
	if out.RawStatus != "ok" || !bytes.Contains([]byte(out.Output), []byte("42")) {
		fmt.Println("Marker lost; the kernel did not survive the disconnect")
		os.Exit(1)
	}

	fmt.Println("\n=== Stream cancel test complete: session survived the disconnect ===")
}

type executeResult struct {
	Output    string `json:"output"`
	RawStatus string `json:"raw_status"`
	Cancelled bool   `json:"cancelled"`
}

func executeHTTP(req map[string]any) (*executeResult, error) {
	data, _ := json.Marshal(req)
	fmt.Printf(">>> %s\n", string(data))
	url := fmt.Sprintf("http://%s/api/v1/execute", *addr)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	var out executeResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func waitForIdle(key string, timeout time.Duration) bool {
	url := fmt.Sprintf("http://%s/api/v1/sessions", *addr)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err != nil {
			fmt.Printf("Session list failed: %v\n", err)
			return false
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var list struct {
			Sessions []struct {
				SessionKey string `json:"session_key"`
				State      string `json:"state"`
			} `json:"sessions"`
		}
		if err := json.Unmarshal(body, &list); err != nil {
			fmt.Printf("Bad session list %q: %v\n", body, err)
			return false
		}
		for _, s := range list.Sessions {
			if s.SessionKey == key {
				fmt.Printf("<<< session %s state=%s\n", s.SessionKey, s.State)
				if s.State == "idle" {
					return true
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
