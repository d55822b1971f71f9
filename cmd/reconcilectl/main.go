// reconcilectl replays stored gateway notifications through a running
// instance's diagnostics API.
//
// Usage:
//
//	reconcilectl -event 1234567890
//	reconcilectl -object pay_abc123
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
)

func main() {
	addr := flag.String("addr", envOr("APPCHECKIN_ADDR", "http://localhost:8080"), "base URL of the service")
	token := flag.String("token", os.Getenv("OPERATOR_TOKEN"), "operator bearer token")
	eventID := flag.String("event", "", "stored notification event id to replay")
	objectID := flag.String("object", "", "gateway object id whose latest delivery to replay")
	flag.Parse()

	if (*eventID == "") == (*objectID == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -event or -object is required")
		os.Exit(2)
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "operator token missing: set -token or OPERATOR_TOKEN")
		os.Exit(2)
	}

	var (
		url  string
		body io.Reader
	)
	if *eventID != "" {
		url = *addr + "/api/events/" + *eventID + "/replay"
	} else {
		url = *addr + "/api/replay"
		payload, err := json.Marshal(map[string]string{"external_object_id": *objectID})
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
			os.Exit(1)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+*token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay request: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Println(string(raw))

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
