package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestParseRecipients(t *testing.T) {
	tests := []struct {
		name      string
		specs     []string
		expectErr bool
		count     int
	}{
		{
			name:  "single recipient",
			specs: []string{"Addr1:100"},
			count: 1,
		},
		{
			name:  "multiple recipients",
			specs: []string{"Addr1:100", "Addr2:250"},
			count: 2,
		},
		{
			name:      "missing amount",
			specs:     []string{"Addr1"},
			expectErr: true,
		},
		{
			name:      "missing address",
			specs:     []string{":100"},
			expectErr: true,
		},
		{
			name:      "trailing colon",
			specs:     []string{"Addr1:"},
			expectErr: true,
		},
		{
			name:      "non-numeric amount",
			specs:     []string{"Addr1:abc"},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipients, err := parseRecipients(tt.specs)
			if tt.expectErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(recipients) != tt.count {
				t.Errorf("expected %d recipients, got %d", tt.count, len(recipients))
			}
		})
	}
}

func TestParseRecipients_Values(t *testing.T) {
	recipients, err := parseRecipients([]string{"Addr1:100", "Addr2:250"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recipients[0].Address != "Addr1" || recipients[0].Amount != 100 {
		t.Errorf("unexpected first recipient: %+v", recipients[0])
	}
	if recipients[1].Address != "Addr2" || recipients[1].Amount != 250 {
		t.Errorf("unexpected second recipient: %+v", recipients[1])
	}
}

// testApp builds a CLI app with the same global flags as main.
func testApp() *cli.App {
	return &cli.App{
		Commands: []*cli.Command{
			paymentCommands(),
			scheduleCommands(),
			balanceCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				EnvVars: []string{"PAYLOCK_SERVER_URL"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
			},
		},
	}
}

func TestPaymentCreateCommand(t *testing.T) {
	os.Unsetenv("PAYLOCK_SERVER_URL")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/v1/payments" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var req struct {
			Sender    string `json:"sender"`
			Receiver  string `json:"receiver"`
			Amount    int64  `json:"amount"`
			TokenType string `json:"token_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Sender != "SenderAddr" || req.Amount != 100 {
			t.Errorf("unexpected request body: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"digest":     "digest-1",
			"sender":     req.Sender,
			"receiver":   req.Receiver,
			"amount":     req.Amount,
			"token_type": req.TokenType,
			"status":     "active",
			"plain_code": "AB12CD",
		})
	}))
	defer server.Close()

	// Capture stdout
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := testApp().Run([]string{
		"test", "--server-url", server.URL,
		"payment", "create",
		"--sender", "SenderAddr",
		"--receiver", "ReceiverAddr",
		"--amount", "100",
	})

	w.Close()
	os.Stdout = oldStdout

	if err != nil {
		t.Fatalf("command failed: %v", err)
	}

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if !bytes.Contains([]byte(output), []byte("digest-1")) {
		t.Errorf("expected digest in output, got: %s", output)
	}
	if !bytes.Contains([]byte(output), []byte("AB12CD")) {
		t.Errorf("expected claim code in output, got: %s", output)
	}
}

func TestPaymentCreateCommand_JSON(t *testing.T) {
	os.Unsetenv("PAYLOCK_SERVER_URL")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"digest": "digest-1",
			"status": "active",
		})
	}))
	defer server.Close()

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := testApp().Run([]string{
		"test", "--server-url", server.URL, "--json",
		"payment", "create",
		"--sender", "SenderAddr",
		"--receiver", "ReceiverAddr",
		"--amount", "100",
	})

	w.Close()
	os.Stdout = oldStdout

	if err != nil {
		t.Fatalf("command failed: %v", err)
	}

	var buf bytes.Buffer
	buf.ReadFrom(r)

	var result map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("expected JSON output, got: %s", buf.String())
	}
	if result["digest"] != "digest-1" {
		t.Errorf("expected digest=digest-1, got: %v", result["digest"])
	}
}

func TestPaymentClaimCommand_Error(t *testing.T) {
	os.Unsetenv("PAYLOCK_SERVER_URL")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "verification code mismatch",
		})
	}))
	defer server.Close()

	err := testApp().Run([]string{
		"test", "--server-url", server.URL,
		"payment", "claim", "digest-1",
		"--address", "ReceiverAddr",
		"--code", "WRONG1",
	})

	if err == nil {
		t.Fatal("expected error for wrong code")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("verification code mismatch")) {
		t.Errorf("expected code mismatch error, got: %v", err)
	}
}

func TestBalanceCommand(t *testing.T) {
	os.Unsetenv("PAYLOCK_SERVER_URL")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/balance/SomeAddr" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"sol": 1000000000, "usdc": 420000})
	}))
	defer server.Close()

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := testApp().Run([]string{
		"test", "--server-url", server.URL,
		"balance", "SomeAddr",
	})

	w.Close()
	os.Stdout = oldStdout

	if err != nil {
		t.Fatalf("command failed: %v", err)
	}

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if !bytes.Contains([]byte(output), []byte("1.000000000")) {
		t.Errorf("expected SOL balance in output, got: %s", output)
	}
	if !bytes.Contains([]byte(output), []byte("0.420000")) {
		t.Errorf("expected USDC balance in output, got: %s", output)
	}
}
