package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/rmiagent/internal/api"
)

const defaultAPI = "http://127.0.0.1:8080"

// cancelBody builds the POST /cancel payload from the command-line selectors.
func cancelBody(sn, criteriaJSON string) (api.CancelRequest, error) {
	var req api.CancelRequest
	switch {
	case sn != "" && criteriaJSON != "":
		return req, fmt.Errorf("use either --sn or --criteria, not both")
	case sn != "":
		req.SN = sn
	case criteriaJSON != "":
		if err := json.Unmarshal([]byte(criteriaJSON), &req.Criteria); err != nil {
			return req, fmt.Errorf("parse --criteria: %w", err)
		}
		if len(req.Criteria) == 0 {
			return req, fmt.Errorf("--criteria must be a non-empty JSON object")
		}
	default:
		return req, fmt.Errorf("one of --sn or --criteria is required")
	}
	return req, nil
}

func runRequestCancel(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiURL := fs.String("api", defaultAPI, "Agent API base URL")
	token := fs.String("token", os.Getenv("RMIAGENT_TOKEN"), "Bearer token (default $RMIAGENT_TOKEN)")
	sn := fs.String("sn", "", "Serial number of the request to cancel")
	criteriaJSON := fs.String("criteria", "", `Criteria as JSON, e.g. '{"field":{"job":{"eq":"build"}}}'`)
	timeout := fs.Duration("timeout", 10*time.Second, "HTTP timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	body, err := cancelBody(*sn, *criteriaJSON)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	payload, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*apiURL, "/")+"/cancel", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			fmt.Fprintf(stderr, "Error: %s (%d)\n", apiErr.Error, resp.StatusCode)
		} else {
			fmt.Fprintf(stderr, "Error: unexpected status %d\n", resp.StatusCode)
		}
		return 1
	}

	var out api.CancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintf(stderr, "Error: decode response: %v\n", err)
		return 1
	}
	if len(out.Cancelled) == 0 {
		fmt.Fprintln(stdout, "No requests cancelled")
		return 0
	}
	for _, s := range out.Cancelled {
		fmt.Fprintln(stdout, s)
	}
	return 0
}
