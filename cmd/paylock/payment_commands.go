package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/paylock/client"
	"github.com/urfave/cli/v2"
)

func paymentCommands() *cli.Command {
	return &cli.Command{
		Name:  "payment",
		Usage: "Create, verify, claim, and refund payments",
		Subcommands: []*cli.Command{
			createPaymentCommand(),
			createBulkPaymentCommand(),
			getPaymentCommand(),
			listPaymentsCommand(),
			verifyPaymentCommand(),
			claimPaymentCommand(),
			rejectPaymentCommand(),
			refundPaymentCommand(),
		},
	}
}

// getClient builds the HTTP client from the global server-url flag.
func getClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

func createPaymentCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a payment to a single recipient",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "sender",
				Aliases:  []string{"s"},
				Usage:    "Sender wallet address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "receiver",
				Aliases:  []string{"r"},
				Usage:    "Receiver wallet address",
				Required: true,
			},
			&cli.Int64Flag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Amount in base units (lamports for SOL, micro-units for USDC)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Token type: sol or usdc",
				Value: "usdc",
			},
			&cli.BoolFlag{
				Name:  "direct",
				Usage: "Send directly to the receiver, skipping escrow and claim code",
			},
		},
		Action: func(c *cli.Context) error {
			payment, err := getClient(c).CreatePayment(context.Background(), client.CreatePaymentParams{
				Sender:    c.String("sender"),
				Receiver:  c.String("receiver"),
				Amount:    c.Int64("amount"),
				TokenType: c.String("token"),
				Direct:    c.Bool("direct"),
			})
			if err != nil {
				return fmt.Errorf("failed to create payment: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(payment)
			}

			printPayment(payment)
			if payment.PlainCode != "" {
				fmt.Fprintf(os.Stderr, "\nShare the claim code with the recipient now; it is not retrievable later.\n")
			}
			return nil
		},
	}
}

func createBulkPaymentCommand() *cli.Command {
	return &cli.Command{
		Name:  "create-bulk",
		Usage: "Create a payment split across multiple recipients",
		Description: `Create a bulk payment. Each --recipient flag takes ADDRESS:AMOUNT and
adds one independently claimable slot.

Example:
  paylock payment create-bulk --sender SENDER \
    --recipient Addr1:100 --recipient Addr2:250 --token usdc`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "sender",
				Aliases:  []string{"s"},
				Usage:    "Sender wallet address",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:     "recipient",
				Aliases:  []string{"r"},
				Usage:    "Recipient slot as ADDRESS:AMOUNT (repeatable)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Token type: sol or usdc",
				Value: "usdc",
			},
		},
		Action: func(c *cli.Context) error {
			recipients, err := parseRecipients(c.StringSlice("recipient"))
			if err != nil {
				return err
			}

			payment, err := getClient(c).CreateBulkPayment(context.Background(), client.CreateBulkPaymentParams{
				Sender:     c.String("sender"),
				Recipients: recipients,
				TokenType:  c.String("token"),
			})
			if err != nil {
				return fmt.Errorf("failed to create bulk payment: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(payment)
			}

			printBulkPayment(payment)
			fmt.Fprintf(os.Stderr, "\nShare each claim code with its recipient now; they are not retrievable later.\n")
			return nil
		},
	}
}

func getPaymentCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get payment details by digest",
		ArgsUsage: "<digest>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: payment digest")
			}

			payment, bulk, err := getClient(c).GetPayment(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get payment: %w", err)
			}

			if c.Bool("json") {
				if payment != nil {
					return outputJSON(payment)
				}
				return outputJSON(bulk)
			}

			if payment != nil {
				printPayment(payment)
			} else {
				printBulkPayment(bulk)
			}
			return nil
		},
	}
}

func listPaymentsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List payments where an address is sender or recipient",
		Aliases:   []string{"ls"},
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}

			payments, bulks, err := getClient(c).ListPayments(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to list payments: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"payments":      payments,
					"bulk_payments": bulks,
				})
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DIGEST\tSENDER\tRECEIVER\tAMOUNT\tTOKEN\tSTATUS\tCREATED")
			for _, p := range payments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					p.Digest, p.Sender, p.Receiver, p.Amount, p.TokenType, p.Status,
					p.CreatedAt.Format(time.RFC3339),
				)
			}
			for _, b := range bulks {
				for _, r := range b.Recipients {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						b.Digest, b.Sender, r.Address, r.Amount, b.TokenType, r.Status,
						b.CreatedAt.Format(time.RFC3339),
					)
				}
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d payments, %d bulk payments\n", len(payments), len(bulks))
			return nil
		},
	}
}

func verifyPaymentCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Check a claim code without claiming",
		ArgsUsage: "<digest>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "address",
				Aliases:  []string{"a"},
				Usage:    "Recipient wallet address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "code",
				Aliases:  []string{"c"},
				Usage:    "Claim code to check",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: payment digest")
			}

			matched, err := getClient(c).Verify(context.Background(), c.Args().First(), c.String("address"), c.String("code"))
			if err != nil {
				return fmt.Errorf("failed to verify code: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]bool{"matched": matched})
			}
			if matched {
				fmt.Println("✓ Code matches")
			} else {
				fmt.Println("✗ Code does not match")
			}
			return nil
		},
	}
}

func claimPaymentCommand() *cli.Command {
	return transitionCommand("claim", "Claim an escrowed payment with its code")
}

func rejectPaymentCommand() *cli.Command {
	return transitionCommand("reject", "Reject an escrowed payment with its code")
}

// transitionCommand builds the claim and reject subcommands, which share
// their flag shape.
func transitionCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<digest>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "address",
				Aliases:  []string{"a"},
				Usage:    "Recipient wallet address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "code",
				Aliases:  []string{"c"},
				Usage:    "Claim code",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: payment digest")
			}

			cl := getClient(c)
			digest := c.Args().First()
			address := c.String("address")
			code := c.String("code")

			var (
				slot *client.Slot
				err  error
			)
			if name == "claim" {
				slot, err = cl.Claim(context.Background(), digest, address, code)
			} else {
				slot, err = cl.Reject(context.Background(), digest, address, code)
			}
			if err != nil {
				return fmt.Errorf("failed to %s payment: %w", name, err)
			}

			if c.Bool("json") {
				return outputJSON(slot)
			}
			printSlot(slot)
			return nil
		},
	}
}

func refundPaymentCommand() *cli.Command {
	return &cli.Command{
		Name:      "refund",
		Usage:     "Refund an unclaimed or rejected payment to the sender",
		ArgsUsage: "<digest>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "sender",
				Aliases:  []string{"s"},
				Usage:    "Sender wallet address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "recipient",
				Aliases:  []string{"r"},
				Usage:    "Recipient whose slot to refund",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: payment digest")
			}

			slot, err := getClient(c).Refund(context.Background(), c.Args().First(), c.String("sender"), c.String("recipient"))
			if err != nil {
				return fmt.Errorf("failed to refund payment: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(slot)
			}
			printSlot(slot)
			return nil
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Get on-chain balances for a wallet address",
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}

			balance, err := getClient(c).GetBalance(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(balance)
			}

			fmt.Printf("SOL:  %.9f (%d lamports)\n", float64(balance.SOL)/1e9, balance.SOL)
			fmt.Printf("USDC: %.6f (%d base units)\n", float64(balance.USDC)/1e6, balance.USDC)
			return nil
		},
	}
}

func printPayment(p *client.Payment) {
	fmt.Printf("Digest:     %s\n", p.Digest)
	fmt.Printf("Sender:     %s\n", p.Sender)
	fmt.Printf("Receiver:   %s\n", p.Receiver)
	fmt.Printf("Amount:     %d (%s)\n", p.Amount, p.TokenType)
	fmt.Printf("Status:     %s\n", p.Status)
	if p.PlainCode != "" {
		fmt.Printf("Claim Code: %s\n", p.PlainCode)
	}
	if p.ClaimURL != "" {
		fmt.Printf("Claim URL:  %s\n", p.ClaimURL)
	}
	if p.UpdatedDigest != nil {
		fmt.Printf("Settled:    %s\n", *p.UpdatedDigest)
	}
	fmt.Printf("Created:    %s\n", p.CreatedAt.Format(time.RFC3339))
	for _, warning := range p.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}
}

func printBulkPayment(b *client.BulkPayment) {
	fmt.Printf("Digest:  %s\n", b.Digest)
	fmt.Printf("Sender:  %s\n", b.Sender)
	fmt.Printf("Total:   %d (%s)\n", b.TotalAmount, b.TokenType)
	fmt.Printf("Created: %s\n", b.CreatedAt.Format(time.RFC3339))
	fmt.Printf("\n")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECIPIENT\tAMOUNT\tSTATUS\tCLAIM CODE")
	for _, r := range b.Recipients {
		code := r.PlainCode
		if code == "" {
			code = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.Address, r.Amount, r.Status, code)
	}
	w.Flush()

	for _, warning := range b.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}
}

func printSlot(s *client.Slot) {
	fmt.Printf("Digest:    %s\n", s.Digest)
	fmt.Printf("Sender:    %s\n", s.Sender)
	fmt.Printf("Recipient: %s\n", s.Address)
	fmt.Printf("Amount:    %d (%s)\n", s.Amount, s.TokenType)
	fmt.Printf("Status:    %s\n", s.Status)
	if s.UpdatedDigest != nil {
		fmt.Printf("Settled:   %s\n", *s.UpdatedDigest)
	}
}

// parseRecipients parses ADDRESS:AMOUNT pairs from --recipient flags.
func parseRecipients(specs []string) ([]client.BulkRecipient, error) {
	recipients := make([]client.BulkRecipient, 0, len(specs))
	for _, spec := range specs {
		idx := strings.LastIndex(spec, ":")
		if idx <= 0 || idx == len(spec)-1 {
			return nil, fmt.Errorf("invalid recipient %q: expected ADDRESS:AMOUNT", spec)
		}
		amount, err := strconv.ParseInt(spec[idx+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: bad amount: %w", spec, err)
		}
		recipients = append(recipients, client.BulkRecipient{Address: spec[:idx], Amount: amount})
	}
	return recipients, nil
}

// outputJSON writes indented JSON to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
