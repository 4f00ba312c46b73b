package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"imagebot/pkg/chat"
)

var prompts = []string{
	"a lighthouse at dusk",
	"a fox in the snow",
	"a city skyline in watercolor",
	"an astronaut riding a bicycle",
	"a bowl of ramen, studio lighting",
}

func main() {
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://api:8080/events"
	}

	ratePerSec := 1
	if v := os.Getenv("RATE_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ratePerSec = n
		}
	}

	concurrency := 1
	if v := os.Getenv("CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}

	// A fraction of events reuse a recent message id to exercise the
	// duplicate-delivery path end to end.
	duplicatePct := 10
	if v := os.Getenv("DUPLICATE_PCT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 100 {
			duplicatePct = n
		}
	}

	for i := 0; i < concurrency; i++ {
		go submitLoop(apiURL, ratePerSec/concurrency, duplicatePct)
	}

	select {} // block forever
}

func submitLoop(apiURL string, rps, duplicatePct int) {
	interval := time.Second
	if rps > 0 {
		interval = time.Second / time.Duration(rps)
	}
	if interval < time.Millisecond {
		interval = time.Millisecond // prevent very tight loop that overwhelms the intake service
	}
	var lastID string
	ticker := time.NewTicker(interval)
	for {
		<-ticker.C
		id := fmt.Sprintf("msg%d", rand.Intn(1_000_000))
		if lastID != "" && rand.Intn(100) < duplicatePct {
			id = lastID
		}
		lastID = id

		ev := chat.Event{
			MessageID: id,
			Channel:   fmt.Sprintf("C%d", rand.Intn(20)),
			Requester: fmt.Sprintf("U%d", rand.Intn(1000)),
			Action:    "generate",
			Prompt:    prompts[rand.Intn(len(prompts))],
		}
		body, _ := json.Marshal(ev)
		resp, err := http.Post(apiURL, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("failed to submit event: %v", err)
			continue
		}
		log.Printf("submitted event: %s, status: %d", ev.MessageID, resp.StatusCode)
		resp.Body.Close()
	}
}
