package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-lend/internal/auth"
	"github.com/ksred/klear-lend/internal/config"
	"github.com/ksred/klear-lend/internal/custody"
	"github.com/ksred/klear-lend/internal/lending"
	"github.com/ksred/klear-lend/internal/server"
	"github.com/ksred/klear-lend/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numBorrowers       = 8
	opsPerBorrower     = 25
	walletFunding      = 10_000
	loanVaultLiquidity = 1_000_000
	simulationPort     = 18080
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// add records a new measurement for the route
func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (lo, hi, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	lo = rs.durations[0]
	hi = rs.durations[len(rs.durations)-1]

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

// apiError is a non-2xx response from the lending API
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s: %s", e.Status, e.Code, e.Message)
}

// simulationClient handles HTTP communication with the lending API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"open":      {name: "Open Position"},
			"fund":      {name: "Fund Account"},
			"deposit":   {name: "Deposit"},
			"borrow":    {name: "Borrow"},
			"repay":     {name: "Repay"},
			"position":  {name: "Get Position"},
			"list":      {name: "List Positions"},
			"liquidate": {name: "Liquidate"},
		},
	}
}

// call sends a request and decodes the data field of the response envelope
// into out. Every call is timed under the given stats route.
func (sc *simulationClient) call(route, method, path, token string, body, out interface{}) error {
	start := time.Now()
	var err error
	defer func() {
		sc.stats[route].add(time.Since(start), err != nil)
	}()

	var buf bytes.Buffer
	if body != nil {
		if err = json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, sc.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err = json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		apiErr := &apiError{Status: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		err = apiErr
		return err
	}

	if out != nil {
		err = json.Unmarshal(envelope.Data, out)
	}
	return err
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(key, secret string) (string, error) {
	var tok auth.TokenResponse
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{APIKey: key, APISecret: secret}, &tok)
	return tok.Token, err
}

func (sc *simulationClient) fund(adminToken string, account lending.Account, amount uint64) error {
	return sc.call("fund", http.MethodPost, "/api/v1/internal/custody/fund", adminToken,
		custody.FundRequest{Account: string(account), Amount: amount}, nil)
}

func (sc *simulationClient) operate(route, token string, amount uint64) (*types.OperationResponse, error) {
	var op types.OperationResponse
	err := sc.call(route, http.MethodPost, "/api/v1/positions/me/"+route, token, types.AmountRequest{Amount: amount}, &op)
	return &op, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		stats := sc.stats[route]
		lo, hi, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			lo.Round(time.Microsecond),
			hi.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// outcomes counts operation results by error code
type outcomes struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *outcomes) record(op string, err error) {
	code := "OK"
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else if err != nil {
		code = "CLIENT_ERROR"
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[op+" "+code]++
}

// runBorrower drives one participant through random deposit, borrow and repay
// operations. Borrows sometimes exceed the limit on purpose.
func runBorrower(id int, sc *simulationClient, token string, results *outcomes) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	logger := log.With().Int("borrower", id).Logger()

	for i := 0; i < opsPerBorrower; i++ {
		var (
			op   *types.OperationResponse
			err  error
			kind string
		)
		switch roll := rng.Intn(10); {
		case roll < 4:
			kind = "deposit"
			op, err = sc.operate(kind, token, uint64(rng.Intn(500)+1))
		case roll < 8:
			kind = "borrow"
			op, err = sc.operate(kind, token, uint64(rng.Intn(300)+1))
		default:
			kind = "repay"
			op, err = sc.operate(kind, token, uint64(rng.Intn(200)+1))
		}
		results.record(kind, err)

		if err != nil {
			logger.Debug().Err(err).Str("operation", kind).Msg("operation rejected")
			continue
		}
		logger.Info().
			Str("operation", kind).
			Str("operation_id", op.OperationID).
			Uint64("collateral", op.CollateralAfter).
			Uint64("borrowed", op.BorrowedAfter).
			Msg("operation committed")

		time.Sleep(time.Duration(rng.Intn(20)) * time.Millisecond)
	}
}

// sweep lists every position and attempts to liquidate each one. Healthy
// positions are expected to be rejected with NOT_LIQUIDATABLE.
func sweep(sc *simulationClient, adminToken, liquidatorToken string, results *outcomes) error {
	var positions []types.PositionResponse
	if err := sc.call("list", http.MethodGet, "/api/v1/internal/positions", adminToken, nil, &positions); err != nil {
		return err
	}

	for _, pos := range positions {
		if pos.Collateral == 0 {
			continue
		}
		var op types.OperationResponse
		err := sc.call("liquidate", http.MethodPost, "/api/v1/liquidations/"+pos.Owner, liquidatorToken,
			types.AmountRequest{Amount: pos.Collateral}, &op)
		results.record("liquidate", err)
		if err == nil {
			log.Warn().Str("owner", pos.Owner).Uint64("seized", pos.Collateral).Msg("position liquidated")
		}
	}
	return nil
}

// startServer runs the lending API in-process. The returned stop function
// shuts it down and waits for it to exit.
func startServer() (*server.Server, func(), error) {
	cfg, err := config.Load(os.Getenv("KLEAR_CONFIG"))
	if err != nil {
		return nil, nil, err
	}

	dir, err := os.MkdirTemp("", "klear-lend-sim")
	if err != nil {
		return nil, nil, err
	}
	cfg.Env = "simulation"
	cfg.HTTP.Port = simulationPort
	cfg.Database.Path = filepath.Join(dir, "simulation.db")
	cfg.RateLimit.AuthPerMinute = 0
	cfg.RateLimit.OpsPerMinute = 0
	cfg.Monitor.Interval = time.Second

	srv, err := server.New(cfg,
		custody.WithLatency(time.Millisecond, 5*time.Millisecond),
		custody.WithSuccessRate(0.97),
	)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	stop := func() {
		cancel()
		<-done
		srv.Close()
		os.RemoveAll(dir)
	}
	return srv, stop, nil
}

// main runs the lending simulation
// It starts a local API server and simulates multiple concurrent borrowers
// followed by a liquidator sweep
func main() {
	srv, stop, err := startServer()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	defer stop()

	// Wait for server to start
	time.Sleep(500 * time.Millisecond)

	sc := newSimulationClient(fmt.Sprintf("http://localhost:%d", simulationPort))

	adminToken, err := sc.authenticate(auth.TestAdminKey, auth.TestAdminSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate admin")
	}
	liquidatorToken, err := sc.authenticate(auth.TestLiquidatorKey, auth.TestLiquidatorSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate liquidator")
	}

	started := time.Now()
	tokens := make([]string, numBorrowers)
	for i := range tokens {
		owner := fmt.Sprintf("borrower-%d", i)
		secret := uuid.New().String()
		srv.Auth.RegisterAPICredentials(owner, secret, auth.PermissionLend)

		if err := sc.call("open", http.MethodPost, "/api/v1/internal/positions/"+owner, adminToken, nil, nil); err != nil {
			log.Fatal().Err(err).Str("owner", owner).Msg("Failed to open position")
		}
		if err := sc.fund(adminToken, lending.WalletAccount(owner), walletFunding); err != nil {
			log.Fatal().Err(err).Str("owner", owner).Msg("Failed to fund wallet")
		}
		if tokens[i], err = sc.authenticate(owner, secret); err != nil {
			log.Fatal().Err(err).Str("owner", owner).Msg("Failed to authenticate borrower")
		}
	}

	if err := sc.fund(adminToken, lending.Account(srv.Config().Vault.LoanAccount), loanVaultLiquidity); err != nil {
		log.Fatal().Err(err).Msg("Failed to fund loan vault")
	}

	results := &outcomes{counts: make(map[string]int)}
	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		go func(id int, token string) {
			defer wg.Done()
			runBorrower(id, sc, token, results)
		}(i, token)
	}
	wg.Wait()

	if err := sweep(sc, adminToken, liquidatorToken, results); err != nil {
		log.Error().Err(err).Msg("Liquidator sweep failed")
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("LENDING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	keys := make([]string, 0, len(results.counts))
	for k := range results.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-45s %6d\n", k, results.counts[k])
	}

	var positions []types.PositionResponse
	if err := sc.call("list", http.MethodGet, "/api/v1/internal/positions", adminToken, nil, &positions); err == nil {
		fmt.Println("\nFinal positions")
		fmt.Println(strings.Repeat("-", 80))
		for _, p := range positions {
			fmt.Printf("%-15s collateral=%-8d borrowed=%-8d limit=%-8d healthy=%t\n",
				p.Owner, p.Collateral, p.Borrowed, p.BorrowLimit, p.Healthy)
		}
	}

	log.Info().
		Int("borrowers", numBorrowers).
		Dur("duration", time.Since(started)).
		Msg("Simulation completed")

	sc.printPerformanceStats()
}
