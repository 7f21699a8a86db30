package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/paylock/client"
	"github.com/urfave/cli/v2"
)

func scheduleCommands() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage scheduled payments",
		Subcommands: []*cli.Command{
			createScheduleCommand(),
			activateScheduleCommand(),
			cancelScheduleCommand(),
			listSchedulesCommand(),
			getScheduleCommand(),
		},
	}
}

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Schedule a payment for later activation",
		Description: `Schedule a payment. Funds are held immediately; claim codes are minted
only when the schedule is activated at or after the scheduled time.

Example:
  paylock schedule create --sender SENDER --at 2026-09-01T09:00:00Z \
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
				Usage:    "Recipient as ADDRESS:AMOUNT (repeatable)",
				Required: true,
			},
			&cli.TimestampFlag{
				Name:     "at",
				Usage:    "Scheduled time (RFC3339 format)",
				Layout:   time.RFC3339,
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

			schedule, err := getClient(c).CreateSchedule(context.Background(), client.CreateScheduleParams{
				Sender:      c.String("sender"),
				TokenType:   c.String("token"),
				ScheduledAt: *c.Timestamp("at"),
				Recipients:  recipients,
			})
			if err != nil {
				return fmt.Errorf("failed to create schedule: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(schedule)
			}
			printSchedule(schedule)
			return nil
		},
	}
}

func activateScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "activate",
		Usage:     "Activate a scheduled payment, minting claim codes",
		ArgsUsage: "<schedule-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "sender",
				Aliases:  []string{"s"},
				Usage:    "Sender wallet address",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID")
			}

			payment, bulk, err := getClient(c).ActivateSchedule(context.Background(), c.Args().First(), c.String("sender"))
			if err != nil {
				return fmt.Errorf("failed to activate schedule: %w", err)
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
			fmt.Fprintf(os.Stderr, "\nShare the claim codes with the recipients now; they are not retrievable later.\n")
			return nil
		},
	}
}

func cancelScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a scheduled payment and refund the held funds",
		ArgsUsage: "<schedule-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "sender",
				Aliases:  []string{"s"},
				Usage:    "Sender wallet address",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID")
			}

			refund, err := getClient(c).CancelSchedule(context.Background(), c.Args().First(), c.String("sender"))
			if err != nil {
				return fmt.Errorf("failed to cancel schedule: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{"refund_digest": refund})
			}
			fmt.Printf("Schedule cancelled, refund digest: %s\n", refund)
			return nil
		},
	}
}

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List pending scheduled payments for a sender",
		Aliases:   []string{"ls"},
		ArgsUsage: "<sender-address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: sender address")
			}

			schedules, err := getClient(c).ListSchedules(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(schedules)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOTAL\tTOKEN\tRECIPIENTS\tSCHEDULED AT\tCREATED")
			for _, s := range schedules {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n",
					s.ID, s.TotalAmount, s.TokenType, len(s.Recipients),
					s.ScheduledAt.Format(time.RFC3339),
					s.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(schedules))
			return nil
		},
	}
}

func getScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get scheduled payment details",
		ArgsUsage: "<schedule-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID")
			}

			schedule, err := getClient(c).GetSchedule(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get schedule: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(schedule)
			}
			printSchedule(schedule)
			return nil
		},
	}
}

func printSchedule(s *client.Schedule) {
	fmt.Printf("ID:             %s\n", s.ID)
	fmt.Printf("Sender:         %s\n", s.Sender)
	fmt.Printf("Total:          %d (%s)\n", s.TotalAmount, s.TokenType)
	fmt.Printf("Funding Digest: %s\n", s.FundingDigest)
	fmt.Printf("Scheduled At:   %s\n", s.ScheduledAt.Format(time.RFC3339))
	fmt.Printf("Created:        %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Printf("\n")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECIPIENT\tAMOUNT")
	for _, r := range s.Recipients {
		fmt.Fprintf(w, "%s\t%d\n", r.Address, r.Amount)
	}
	w.Flush()
}
