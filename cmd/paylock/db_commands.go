package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/paylock/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listPaymentRowsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-payments",
		Usage:   "List payment rows for an address directly from the database",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "address",
				Aliases:  []string{"a"},
				Usage:    "Filter by sender or recipient address",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			address := c.String("address")
			payments, err := store.ListTransactionsByParty(context.Background(), address)
			if err != nil {
				return fmt.Errorf("failed to list payments: %w", err)
			}
			bulks, err := store.ListBulkTransactionsByParty(context.Background(), address)
			if err != nil {
				return fmt.Errorf("failed to list bulk payments: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"payments":      payments,
					"bulk_payments": bulks,
				})
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DIGEST\tSENDER\tRECEIVER\tAMOUNT\tTOKEN\tSTATUS\tSETTLED\tCREATED")
			for _, p := range payments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					p.Digest, p.Sender, p.Receiver, p.Amount, p.TokenType, p.Status,
					formatOptionalDigest(p.UpdatedDigest),
					p.CreatedAt.Format(time.RFC3339),
				)
			}
			for _, b := range bulks {
				for _, r := range b.Recipients {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
						b.Digest, b.Sender, r.Address, r.Amount, b.TokenType, r.Status,
						formatOptionalDigest(r.UpdatedDigest),
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

func getPaymentRowCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-payment",
		Usage:     "Get a payment row directly from the database",
		Aliases:   []string{"get"},
		ArgsUsage: "<digest>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: payment digest")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			digest := c.Args().First()
			payment, err := store.GetTransaction(context.Background(), digest)
			if err == nil {
				if c.Bool("json") {
					return outputJSON(payment)
				}
				fmt.Printf("Digest:    %s\n", payment.Digest)
				fmt.Printf("Sender:    %s\n", payment.Sender)
				fmt.Printf("Receiver:  %s\n", payment.Receiver)
				fmt.Printf("Amount:    %d (%s)\n", payment.Amount, payment.TokenType)
				fmt.Printf("Status:    %s\n", payment.Status)
				fmt.Printf("Code Hash: %s\n", payment.CodeHash)
				fmt.Printf("Settled:   %s\n", formatOptionalDigest(payment.UpdatedDigest))
				fmt.Printf("Created:   %s\n", payment.CreatedAt.Format(time.RFC3339))
				return nil
			}

			// Fall back to the bulk table.
			bulk, err := store.GetBulkTransaction(context.Background(), digest)
			if err != nil {
				return fmt.Errorf("failed to get payment: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(bulk)
			}
			fmt.Printf("Digest:  %s\n", bulk.Digest)
			fmt.Printf("Sender:  %s\n", bulk.Sender)
			fmt.Printf("Total:   %d (%s)\n", bulk.TotalAmount, bulk.TokenType)
			fmt.Printf("Created: %s\n", bulk.CreatedAt.Format(time.RFC3339))
			fmt.Printf("\n")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RECIPIENT\tAMOUNT\tSTATUS\tSETTLED")
			for _, r := range bulk.Recipients {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					r.Address, r.Amount, r.Status, formatOptionalDigest(r.UpdatedDigest))
			}
			w.Flush()
			return nil
		},
	}
}

func listIntentRowsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-schedules",
		Usage: "List pending scheduled intents directly from the database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "sender",
				Aliases:  []string{"s"},
				Usage:    "Filter by sender address",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			intents, err := store.ListIntentsBySender(context.Background(), c.String("sender"))
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(intents)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOTAL\tTOKEN\tRECIPIENTS\tFUNDING DIGEST\tSCHEDULED AT")
			for _, intent := range intents {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n",
					intent.ID, intent.TotalAmount, intent.TokenType, len(intent.Recipients),
					intent.FundingDigest,
					intent.ScheduledAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(intents))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		// Try environment variable directly if flag not found
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to format an optional settlement digest
func formatOptionalDigest(digest *string) string {
	if digest != nil && *digest != "" {
		return *digest
	}
	return "-"
}
