package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accountFile string
	currency    string
	amount      string
	replayRatio float64
)

// Metrics
var (
	totalRequests uint64
	successNew    uint64 // Completed transfers
	successReplay uint64 // Idempotent replays
	fail409       uint64 // Business rejections (funds, status, in-progress)
	fail429       uint64 // Rate limited
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&accountFile, "accounts", "seeded_accounts.txt", "File of account IDs written by the seeder")
	flag.StringVar(&currency, "currency", "USD", "Transfer currency")
	flag.StringVar(&amount, "amount", "1.00", "Amount per transfer")
	flag.Float64Var(&replayRatio, "replay", 0.05, "Fraction of requests that resend the previous idempotency key")
}

func main() {
	flag.Parse()

	accounts, err := loadAccounts(accountFile)
	if err != nil {
		log.Fatalf("Unable to load accounts: %v", err)
	}
	if len(accounts) < 2 {
		log.Fatalf("Need at least 2 accounts in %s, found %d", accountFile, len(accounts))
	}

	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Accounts: %d", workload, concurrency, duration, len(accounts))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, accounts)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func loadAccounts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, sc.Err()
}

func worker(wg *sync.WaitGroup, start time.Time, accounts []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	var last []byte
	for time.Since(start) < duration {
		// Replays resend the previous body byte for byte so the request hash matches.
		body := last
		if body == nil || rand.Float64() >= replayRatio {
			from, to := pickPair(accounts)
			payload := map[string]any{
				"senderAccountId":    from,
				"recipientAccountId": to,
				"amount":             amount,
				"currency":           currency,
				"description":        "benchmark",
				"idempotencyKey":     "bench-" + uuid.NewString(),
			}
			body, _ = json.Marshal(payload)
		}
		last = body

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/payments/transfer", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == http.StatusOK && resp.Header.Get("Idempotent-Replayed") == "true":
			atomic.AddUint64(&successReplay, 1)
		case resp.StatusCode == http.StatusOK:
			atomic.AddUint64(&successNew, 1)
		case resp.StatusCode == http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case resp.StatusCode == http.StatusTooManyRequests:
			atomic.AddUint64(&fail429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickPair(accounts []string) (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic moves between the first two accounts
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return accounts[0], accounts[1]
			}
			return accounts[1], accounts[0]
		}
	}

	// Uniform Random
	a := rand.IntN(len(accounts))
	b := rand.IntN(len(accounts))
	for a == b {
		b = rand.IntN(len(accounts))
	}
	return accounts[a], accounts[b]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	sNew := atomic.LoadUint64(&successNew)
	sReplay := atomic.LoadUint64(&successReplay)
	f409 := atomic.LoadUint64(&fail409)
	f429 := atomic.LoadUint64(&fail429)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var abortRate float64
	if total > 0 {
		abortRate = float64(f409) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_completed": sNew,
		"success_replay":    sReplay,
		"rejected_conflict": f409,
		"abort_rate_pct":    abortRate,
		"rate_limited":      f429,
		"errors":            fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Unable to write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
