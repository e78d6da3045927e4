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
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	do(http.MethodGet, adminURL(*baseURL, "/admin/v1/state"), nil)
}

func notificationsCmd(args []string) {
	fs := flag.NewFlagSet("notifications", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)
	do(http.MethodGet, fmt.Sprintf("%s?limit=%d", adminURL(*baseURL, "/admin/v1/notifications"), *limit), nil)
}

func timeCmd(args []string) {
	fs := flag.NewFlagSet("time", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	worldID := fs.String("world", "OVERWORLD", "world id")
	timeOfDay := fs.Int64("set", 12540, "time of day in ticks")
	_ = fs.Parse(args)
	do(http.MethodPost, adminURL(*baseURL, "/admin/v1/time"), map[string]any{
		"world_id":    *worldID,
		"time_of_day": *timeOfDay,
	})
}

func weatherCmd(args []string) {
	fs := flag.NewFlagSet("weather", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	worldID := fs.String("world", "OVERWORLD", "world id")
	thunder := fs.Bool("thunder", true, "start (true) or stop (false) a thunderstorm")
	duration := fs.Uint64("duration", 0, "storm length in ticks (0: until stopped)")
	_ = fs.Parse(args)
	do(http.MethodPost, adminURL(*baseURL, "/admin/v1/weather"), map[string]any{
		"world_id":       *worldID,
		"thunder":        *thunder,
		"duration_ticks": *duration,
	})
}

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func do(method, url string, body any) {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
