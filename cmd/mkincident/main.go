// Mkincident posts a synthetic incident to a running argus server.
// Useful for demos and smoke tests.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		server      = flag.String("server", "http://localhost:8080", "base URL of the argus server")
		token       = flag.String("token", "", "source system API token")
		description = flag.String("description", "synthetic incident", "incident description")
		tags        = flag.String("tags", "host=fake01,problem_type=synthetic", "comma-separated key=value tags")
		stateful    = flag.Bool("stateful", true, "create a stateful (open-ended) incident")
		timeout     = flag.Duration("timeout", 10*time.Second, "request timeout")
	)
	flag.Parse()

	if *token == "" {
		return fmt.Errorf("-token is required")
	}

	payload := map[string]any{
		"start_time":         time.Now().UTC(),
		"source_incident_id": ulid.Make().String(),
		"description":        *description,
	}
	if *stateful {
		payload["end_time"] = "infinity"
	}

	var tagList []map[string]string
	for _, t := range strings.Split(*tags, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		tagList = append(tagList, map[string]string{"tag": t})
	}
	payload["tags"] = tagList

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(*server, "/")+"/api/v1/incidents", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+*token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("post incident: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	fmt.Println(string(respBody))
	return nil
}
