// Command healthcheck probes the service's /healthz endpoint for container
// health checks. It exits non-zero unless the probe answers 200.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := probe(ctx, healthURL(os.Getenv("HEALTHCHECK_URL"), os.Getenv("HTTP_ADDR"))); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

// healthURL prefers an explicit URL and otherwise targets the port from HTTP_ADDR on localhost.
func healthURL(explicit, httpAddr string) string {
	if explicit != "" {
		return explicit
	}
	port := "8080"
	if _, p, err := net.SplitHostPort(strings.TrimSpace(httpAddr)); err == nil && p != "" {
		port = p
	}
	return "http://localhost:" + port + "/healthz"
}

func probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}
