package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/broker-api/internal/auth"
	"github.com/ksred/broker-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders      = 15
	maxOrders      = 100
	numWorkers     = 5
	serverAddress  = "http://localhost:8080"
	initialFunding = 1_000_000.0
	replayRate     = 0.1 // fraction of orders retried with the same key
)

var (
	sides    = []string{"BUY", "SELL"}
	products = []string{"CNC", "CNC", "MIS"} // weighted towards delivery
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
	mu         sync.Mutex
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes min, max, mean, median, p95 and p99 durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// envelope mirrors the API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient handles HTTP communication with the broker API
type simulationClient struct {
	baseURL    string
	userToken  string
	adminToken string
	client     *http.Client
	stats      map[string]*routeStats
}

func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"credit": {name: "Wallet Credit"},
			"place":  {name: "Place Order"},
			"replay": {name: "Replay Order"},
			"wallet": {name: "Get Wallet"},
			"ledger": {name: "Get Ledger"},
		},
	}

	userToken, err := sc.authenticate(auth.TestAPIKey, auth.TestAPISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate user: %w", err)
	}
	sc.userToken = userToken

	adminToken, err := sc.authenticate(auth.TestAdminKey, auth.TestAdminSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate admin: %w", err)
	}
	sc.adminToken = adminToken

	return sc, nil
}

func (sc *simulationClient) authenticate(key, secret string) (string, error) {
	start := time.Now()
	var failed bool
	defer func() {
		sc.stats["auth"].record(time.Since(start), failed)
	}()

	body, err := json.Marshal(auth.Credentials{APIKey: key, APISecret: secret})
	if err != nil {
		failed = true
		return "", err
	}

	var tokenResp auth.TokenResponse
	if err := sc.do("POST", "/api/v1/auth/token", "", "", body, &tokenResp); err != nil {
		failed = true
		return "", err
	}
	return tokenResp.Token, nil
}

// do issues a request and decodes the data field of the envelope into out.
func (sc *simulationClient) do(method, path, token, idempotencyKey string, body []byte, out interface{}) error {
	req, err := http.NewRequest(method, sc.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("bad response (%d): %s", resp.StatusCode, string(raw))
	}
	if env.Error != nil {
		return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (sc *simulationClient) creditWallet(userID string, amount float64) error {
	start := time.Now()
	var failed bool
	defer func() {
		sc.stats["credit"].record(time.Since(start), failed)
	}()

	body, _ := json.Marshal(map[string]interface{}{
		"user_id": userID,
		"amount":  amount,
		"note":    "Simulation funding",
	})
	if err := sc.do("POST", "/api/v1/internal/wallet/credit", sc.adminToken, uuid.New().String(), body, nil); err != nil {
		failed = true
		return err
	}
	return nil
}

func (sc *simulationClient) listInstruments() ([]types.Instrument, error) {
	var instruments []types.Instrument
	if err := sc.do("GET", "/api/v1/market/instruments", sc.userToken, "", nil, &instruments); err != nil {
		return nil, err
	}
	return instruments, nil
}

// placeOrder submits an order and, occasionally, replays it with the same
// key to exercise the idempotency guard.
func (sc *simulationClient) placeOrder(instrument types.Instrument) error {
	payload := map[string]interface{}{
		"instrument_id": instrument.InstrumentID,
		"side":          sides[rand.Intn(len(sides))],
		"qty":           float64(rand.Intn(20) + 1),
		"order_type":    "MARKET",
		"product":       products[rand.Intn(len(products))],
	}
	body, _ := json.Marshal(payload)
	key := uuid.New().String()

	start := time.Now()
	var result types.OrderResult
	err := sc.do("POST", "/api/v1/orders", sc.userToken, key, body, &result)
	sc.stats["place"].record(time.Since(start), err != nil)
	if err != nil {
		return err
	}

	if rand.Float64() < replayRate {
		start = time.Now()
		var replayed types.OrderResult
		rerr := sc.do("POST", "/api/v1/orders", sc.userToken, key, body, &replayed)
		failed := rerr != nil || replayed.Order == nil || replayed.Order.OrderID != result.Order.OrderID
		sc.stats["replay"].record(time.Since(start), failed)
		if failed {
			return fmt.Errorf("replay mismatch for order %s", result.Order.OrderID)
		}
	}

	return nil
}

func (sc *simulationClient) getWallet() (*types.WalletAccount, error) {
	start := time.Now()
	var account types.WalletAccount
	err := sc.do("GET", "/api/v1/wallet", sc.userToken, "", nil, &account)
	sc.stats["wallet"].record(time.Since(start), err != nil)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (sc *simulationClient) getLedger() ([]types.LedgerEntry, error) {
	start := time.Now()
	var entries []types.LedgerEntry
	err := sc.do("GET", "/api/v1/wallet/ledger", sc.userToken, "", nil, &entries)
	sc.stats["ledger"].record(time.Since(start), err != nil)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func main() {
	sc, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize simulation client")
	}

	if err := sc.creditWallet(auth.TestAPIKey, initialFunding); err != nil {
		log.Fatal().Err(err).Msg("failed to fund wallet")
	}

	instruments, err := sc.listInstruments()
	if err != nil || len(instruments) == 0 {
		log.Fatal().Err(err).Msg("failed to list instruments")
	}

	orderCount := rand.Intn(maxOrders-minOrders+1) + minOrders
	log.Info().
		Int("orders", orderCount).
		Int("workers", numWorkers).
		Int("instruments", len(instruments)).
		Msg("starting simulation")

	jobs := make(chan types.Instrument, orderCount)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for instrument := range jobs {
				if err := sc.placeOrder(instrument); err != nil {
					log.Warn().Err(err).Str("symbol", instrument.Symbol).Msg("order rejected")
				}
			}
		}()
	}
	for i := 0; i < orderCount; i++ {
		jobs <- instruments[rand.Intn(len(instruments))]
	}
	close(jobs)
	wg.Wait()

	verifyConservation(sc)
	printStats(sc)
}

// verifyConservation checks that the wallet balance equals the cumulative
// sum of (credit - debit) across the ledger.
func verifyConservation(sc *simulationClient) {
	account, err := sc.getWallet()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to fetch wallet")
	}
	entries, err := sc.getLedger()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to fetch ledger")
	}

	var net float64
	for _, entry := range entries {
		net += entry.Credit - entry.Debit
	}
	net = math.Round(net*100) / 100

	if math.Abs(net-account.Balance) > 0.01 {
		log.Error().
			Float64("balance", account.Balance).
			Float64("ledger_net", net).
			Int("entries", len(entries)).
			Msg("balance conservation check FAILED")
		return
	}

	log.Info().
		Float64("balance", account.Balance).
		Float64("ledger_net", net).
		Int("entries", len(entries)).
		Msg("balance conservation check passed")
}

func printStats(sc *simulationClient) {
	fmt.Println("\n=== Route Statistics ===")
	for _, key := range []string{"auth", "credit", "place", "replay", "wallet", "ledger"} {
		rs := sc.stats[key]
		if rs.totalCalls == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-16s calls=%-4d failures=%-3d min=%-10s max=%-10s mean=%-10s median=%-10s p95=%-10s p99=%s\n",
			rs.name, rs.totalCalls, rs.failures, min, max, mean, median, p95, p99)
	}
}
