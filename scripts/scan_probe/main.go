package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type outcome struct {
	Status   int
	Code     string
	Duration time.Duration
	Err      error
}

func main() {
	var (
		base      string
		sessionID string
		studentID string
		secret    string
		issuer    string
		n         int
		start     bool
		timeout   time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080/api/v1", "API base URL including the prefix")
	flag.StringVar(&sessionID, "session", "", "Session ID to probe")
	flag.StringVar(&studentID, "student", "probe-student", "Student ID used for every scan")
	flag.StringVar(&secret, "jwt-secret", "dev_secret", "Shared JWT secret used to mint probe tokens")
	flag.StringVar(&issuer, "issuer", "", "JWT issuer expected by the server")
	flag.IntVar(&n, "n", 50, "Number of concurrent identical scans")
	flag.BoolVar(&start, "start", false, "Start the session before probing")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	if sessionID == "" || n < 2 {
		flag.Usage()
		os.Exit(2)
	}

	professor, err := mint(secret, issuer, "probe-professor", models.RoleProfessor)
	if err != nil {
		log.Fatalf("mint professor token: %v", err)
	}
	student, err := mint(secret, issuer, studentID, models.RoleStudent)
	if err != nil {
		log.Fatalf("mint student token: %v", err)
	}

	client := &http.Client{Timeout: timeout}
	api := strings.TrimRight(base, "/") + "/sessions/" + sessionID

	if start {
		res := call(client, http.MethodPost, api+"/start", professor, nil)
		if res.Err != nil || res.Status != http.StatusOK {
			log.Fatalf("start session: status=%d code=%s err=%v", res.Status, res.Code, res.Err)
		}
	}

	payload, err := currentCredential(client, api, professor)
	if err != nil {
		log.Fatalf("fetch credential: %v", err)
	}
	body, err := json.Marshal(map[string]json.RawMessage{"credential": payload})
	if err != nil {
		log.Fatalf("encode scan: %v", err)
	}

	results := make([]outcome, n)
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-gate
			results[i] = call(client, http.MethodPost, api+"/scans", student, body)
		}(i)
	}
	close(gate)
	wg.Wait()

	accepted, failures := printReport(results)
	for _, res := range results {
		if res.Status == http.StatusTooManyRequests {
			fmt.Println("hint: scans were rate limited; run the server with SCAN_RATE_LIMIT_BURST above -n")
			break
		}
	}
	if accepted != 1 || failures > 0 {
		fmt.Printf("FAIL: expected exactly one accepted scan, got %d (%d unexpected outcomes)\n", accepted, failures)
		os.Exit(1)
	}
	fmt.Println("PASS: exactly one scan recorded")
}

func mint(secret, issuer, userID string, role models.UserRole) (string, error) {
	now := time.Now()
	claims := models.JWTClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func currentCredential(client *http.Client, api, token string) (json.RawMessage, error) {
	req, err := http.NewRequest(http.MethodGet, api+"/credential", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	var cred struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(env.Data, &cred); err != nil {
		return nil, err
	}
	if cred.Payload == "" {
		return nil, errors.New("empty credential payload")
	}
	return json.RawMessage(cred.Payload), nil
}

func call(client *http.Client, method, url, token string, body []byte) outcome {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return outcome{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return outcome{Err: err, Duration: time.Since(started)}
	}
	defer resp.Body.Close()

	res := outcome{Status: resp.StatusCode, Duration: time.Since(started)}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error != nil {
		res.Code = env.Error.Code
	}
	return res
}

func printReport(results []outcome) (accepted, failures int) {
	counts := make(map[string]int)
	var slowest time.Duration
	for _, res := range results {
		key := fmt.Sprintf("%d %s", res.Status, res.Code)
		switch {
		case res.Err != nil:
			key = "ERROR " + res.Err.Error()
			failures++
		case res.Status == http.StatusCreated:
			accepted++
		case res.Code == string(models.RejectAlreadyRecorded):
		default:
			failures++
		}
		counts[key]++
		if res.Duration > slowest {
			slowest = res.Duration
		}
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println("Scan Probe Report")
	fmt.Println("=================")
	for _, k := range keys {
		fmt.Printf("  %-40s %d\n", k, counts[k])
	}
	fmt.Printf("  slowest response: %s\n", slowest)
	return accepted, failures
}
