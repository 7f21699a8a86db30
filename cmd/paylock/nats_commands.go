package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/paylock/service/notify"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand subscribes to payment events for an address.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to payment events for an address",
		ArgsUsage: "[address]",
		Description: `Subscribe to real-time payment events published to NATS JetStream.

This command connects to NATS and streams payment events for the specified
address. Events are published to the subject: payments.{address}

Claim code events carry the one-time plaintext code; downstream consumers
deliver it to the recipient out of band.

Example:
  paylock nats subscribe DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --json
  paylock nats subscribe DYw8... --must-jq '.kind == "claim_code"'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "paylock-cli",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}

			address := c.Args().Get(0)
			natsURL := c.String("nats-url")
			durable := c.Bool("durable")
			consumerName := c.String("consumer-name")
			jsonOutput := c.Bool("json")

			// Compile jq filters
			jqFilters := c.StringSlice("must-jq")
			compiledJQFilters := make([]*gojq.Code, len(jqFilters))
			for i, filter := range jqFilters {
				query, err := gojq.Parse(filter)
				if err != nil {
					return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
				}
				compiledJQFilters[i], err = gojq.Compile(query)
				if err != nil {
					return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
				}
			}

			return streamPaymentEvents(address, natsURL, durable, consumerName, jsonOutput, compiledJQFilters)
		},
	}
}

// streamPaymentEvents connects to NATS and streams payment events.
func streamPaymentEvents(address, natsURL string, durable bool, consumerName string, jsonOutput bool, jqFilters []*gojq.Code) error {
	// Connect to NATS
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := fmt.Sprintf("payments.%s", address)

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", subject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if durable {
			fmt.Printf("   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Printf("\nWaiting for payment events... (Ctrl-C to exit)\n\n")
	}

	// Create consumer config
	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}

	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	// Create or update consumer
	cons, err := js.CreateOrUpdateConsumer(context.Background(), notify.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Receive messages
	msgChan := make(chan jetstream.Msg, 10)

	// Start consuming in background
	go func() {
		_, _ = cons.Consume(func(msg jetstream.Msg) {
			msgChan <- msg
		})
	}()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event notify.PaymentEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				}
				msg.Ack()
				continue
			}

			if !matchesJQFilters(msg.Data(), jqFilters) {
				msg.Ack()
				continue
			}

			count++

			if jsonOutput {
				// Output raw JSON
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
			} else {
				printPaymentEvent(count, &event)
			}

			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Printf("\n\n✅ Received %d payment events\n", count)
				fmt.Println("Shutting down...")
			}
			return nil
		}
	}
}

// matchesJQFilters reports whether every compiled jq filter evaluates to a
// truthy value against the raw event JSON.
func matchesJQFilters(data []byte, filters []*gojq.Code) bool {
	if len(filters) == 0 {
		return true
	}

	var eventJSON interface{}
	if err := json.Unmarshal(data, &eventJSON); err != nil {
		return false
	}

	for _, code := range filters {
		iter := code.Run(eventJSON)
		v, ok := iter.Next()
		if !ok {
			// No result means filter failed
			return false
		}
		if _, isErr := v.(error); isErr {
			return false
		}
		if !isTruthy(v) {
			return false
		}
	}
	return true
}

// isTruthy follows jq semantics: null and false are falsy, everything else
// is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	// Everything else (numbers, strings, objects, arrays) is truthy
	return true
}

func printPaymentEvent(count int, event *notify.PaymentEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Payment Event #%d\n", count)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Kind:         %s\n", event.Kind)
	fmt.Printf("Address:      %s\n", event.Address)
	if event.Digest != "" {
		fmt.Printf("Digest:       %s\n", event.Digest)
	}
	if event.Kind == notify.KindClaimCode {
		fmt.Printf("Amount:       %d (%s)\n", event.Amount, event.TokenType)
		fmt.Printf("Claim Code:   %s\n", event.PlainCode)
	}
	if event.Status != "" {
		fmt.Printf("Status:       %s\n", event.Status)
	}
	fmt.Printf("Published:    %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the PAYMENTS JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage
- Stream configuration

Example:
  paylock nats inspect-stream`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
		},
		Action: func(c *cli.Context) error {
			natsURL := c.String("nats-url")
			jsonOutput := c.Bool("json")

			// Connect to NATS
			nc, err := nats.Connect(natsURL)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			// Get stream info
			stream, err := js.Stream(context.Background(), notify.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(info, "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Printf("Stream: %s\n", info.Config.Name)
				fmt.Printf("─────────────────────────────────────────────────────\n")
				fmt.Printf("Description:  %s\n", info.Config.Description)
				fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
				fmt.Printf("Messages:     %d\n", info.State.Msgs)
				fmt.Printf("Bytes:        %d\n", info.State.Bytes)
				fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
				fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
				fmt.Printf("Consumers:    %d\n", info.State.Consumers)
				fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
				fmt.Printf("Storage:      %s\n", info.Config.Storage)
				fmt.Printf("\n")
			}

			return nil
		},
	}
}
