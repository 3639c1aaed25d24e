package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/unipolo/boleto-service/internal/app"
	"github.com/unipolo/boleto-service/internal/domain"
)

func cpfCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cpf",
		Short: "CPF utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [cpf...]",
		Short: "Check CPF check digits; formatting characters are ignored",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid := 0
			for _, raw := range args {
				normalized := app.NormalizeCPF(raw)
				if app.ValidateCPF(normalized) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tvalid\n", normalized)
					continue
				}
				invalid++
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tinvalid\n", raw)
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d CPFs are invalid", invalid, len(args))
			}
			return nil
		},
	})
	return cmd
}

func filenameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filename",
		Short: "Filename convention utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "parse [filename...]",
		Short: "Parse <cpf>_<number>.pdf filenames and report the failure code ingestion would assign",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			type parseResult struct {
				Filename string              `json:"filename"`
				Parsed   *app.ParsedFilename `json:"parsed,omitempty"`
				Code     domain.FailureCode  `json:"failure_code,omitempty"`
				Error    string              `json:"error,omitempty"`
			}

			results := make([]parseResult, 0, len(args))
			for _, name := range args {
				result := parseResult{Filename: name}
				parsed, err := app.ParseBoletoFilename(name)
				switch {
				case err == nil && !app.ValidateCPF(parsed.CPF):
					result.Parsed = &parsed
					result.Code = domain.FailureInvalidCpf
					result.Error = "CPF fails checksum validation"
				case err == nil:
					result.Parsed = &parsed
				case errors.Is(err, app.ErrInvalidCpfSegment):
					result.Code = domain.FailureInvalidCpf
					result.Error = err.Error()
				default:
					result.Code = domain.FailureMalformedName
					result.Error = err.Error()
				}
				results = append(results, result)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	})
	return cmd
}

func sequenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequence",
		Short: "Print generated boleto numbers and monthly due dates without touching the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			date, _ := cmd.Flags().GetString("date")
			start, _ := cmd.Flags().GetInt("start")
			firstDue, _ := cmd.Flags().GetString("first-due")

			seed := time.Now()
			if date != "" {
				parsed, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
				seed = parsed
			}
			numbers, err := app.GenerateNumbersFrom(seed, start, count)
			if err != nil {
				return err
			}

			var dueDates []time.Time
			if firstDue != "" {
				base, err := time.Parse("2006-01-02", firstDue)
				if err != nil {
					return fmt.Errorf("invalid --first-due: %w", err)
				}
				dueDates = app.GenerateDueDates(base, count)
			}

			for i, number := range numbers {
				if dueDates != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", number, dueDates[i].Format("2006-01-02"))
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), number)
			}
			return nil
		},
	}

	cmd.Flags().IntP("count", "n", 1, "How many numbers to generate")
	cmd.Flags().String("date", "", "Seed date (YYYY-MM-DD, default today)")
	cmd.Flags().Int("start", 1, "First counter value")
	cmd.Flags().String("first-due", "", "First due date (YYYY-MM-DD); prints monthly due dates when set")

	return cmd
}
