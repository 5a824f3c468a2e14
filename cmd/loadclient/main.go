// Command loadclient fires sequential GET requests at a rate-limited
// endpoint and reports the admission outcome of each one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type result struct {
	Status    int
	Remaining string
	Reset     string
	Error     string
}

func main() {
	url := flag.String("url", "http://localhost:3000/api", "endpoint to call")
	total := flag.Int("n", 20, "number of requests")
	apiKey := flag.String("key", "", "optional X-API-Key value")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	client := &http.Client{Timeout: 5 * time.Second}
	allowed, denied := 0, 0
	for i := 1; i <= *total; i++ {
		res, err := call(context.Background(), client, *url, *apiKey)
		if err != nil {
			logger.Error().Int("req", i).Err(err).Msg("failed")
			continue
		}
		if res.Status == http.StatusTooManyRequests {
			denied++
			logger.Warn().Int("req", i).Int("status", res.Status).Str("reset", res.Reset).Msg(res.Error)
			continue
		}
		allowed++
		logger.Info().Int("req", i).Int("status", res.Status).Str("remaining", res.Remaining).Msg(http.StatusText(res.Status))
	}

	logger.Info().Int("allowed", allowed).Int("denied", denied).Msg("done")
}

func call(ctx context.Context, client *http.Client, url, apiKey string) (result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return result{}, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return result{}, err
	}
	defer resp.Body.Close()

	res := result{
		Status:    resp.StatusCode,
		Remaining: resp.Header.Get("X-RateLimit-Remaining"),
		Reset:     resp.Header.Get("X-RateLimit-Reset"),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return res, fmt.Errorf("decode rejection: %w", err)
		}
		res.Error = body.Error
		return res, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return res, nil
}
