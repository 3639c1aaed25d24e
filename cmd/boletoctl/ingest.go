package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/unipolo/boleto-service/internal/app"
	"github.com/unipolo/boleto-service/internal/config"
	"github.com/unipolo/boleto-service/internal/domain"
	"github.com/unipolo/boleto-service/internal/store"
	"github.com/unipolo/boleto-service/pkg/filestore"
	"github.com/unipolo/boleto-service/pkg/lmsclient"
)

func ingestDirCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest-dir [dir]",
		Short: "Ingest every <cpf>_<number>.pdf in a directory as one filename batch",
		Long: `Reads DATABASE_URL, STORAGE_ROOT and the LMS settings the same way the service does,
then runs the directory through the filename batch pipeline and prints the batch result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			header, err := filenameHeaderFromFlags(cmd)
			if err != nil {
				return err
			}
			files, err := uploadsFromDir(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}

			cfg, err := config.LoadConfig(".")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			storage, err := filestore.NewOS(cfg.StorageRoot)
			if err != nil {
				return err
			}
			repo := store.NewPostgresRepository(pool)

			var fetcher app.SnapshotFetcher
			if lms := lmsclient.NewClient(cfg.LMSSyncBaseURL, cfg.LMSSyncAPIKey); lms.Configured() {
				fetcher = lms
			}
			resolver := app.NewEnrollmentResolver(repo, fetcher, nil, nil, app.EnrollmentResolverConfig{
				MaxSyncAge:    cfg.StudentSyncMaxAge,
				ResyncEnabled: cfg.ResyncOnStale,
				ResyncTimeout: cfg.ResyncTimeout,
			})
			svc := app.NewIngestionService(repo, resolver, storage, nil, nil, app.IngestionConfig{
				MaxFileBytes:  cfg.MaxUploadBytes,
				MaxBatchFiles: len(files),
				Workers:       cfg.IngestionWorkers,
			})

			result, err := svc.IngestBatchByFilename(ctx, header, files)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if result.FailureCount > 0 {
				return fmt.Errorf("%d of %d files failed", result.FailureCount, len(result.Items))
			}
			return nil
		},
	}

	cmd.Flags().String("campus", "", "Campus UUID")
	cmd.Flags().String("course", "", "Course UUID")
	cmd.Flags().String("amount", "", "Slip amount, e.g. 350.00")
	cmd.Flags().String("due-date", "", "Due date (YYYY-MM-DD)")
	cmd.Flags().String("description", "", "Slip description")
	cmd.Flags().Bool("pix", false, "Request the campus PIX discount")

	return cmd
}

func filenameHeaderFromFlags(cmd *cobra.Command) (domain.FilenameBatchHeader, error) {
	var header domain.FilenameBatchHeader

	campus, _ := cmd.Flags().GetString("campus")
	course, _ := cmd.Flags().GetString("course")
	amount, _ := cmd.Flags().GetString("amount")
	due, _ := cmd.Flags().GetString("due-date")
	header.Description, _ = cmd.Flags().GetString("description")
	header.PixDiscountEnabled, _ = cmd.Flags().GetBool("pix")

	var err error
	if header.CampusID, err = uuid.Parse(campus); err != nil {
		return header, fmt.Errorf("--campus must be a UUID")
	}
	if header.CourseID, err = uuid.Parse(course); err != nil {
		return header, fmt.Errorf("--course must be a UUID")
	}
	if header.Amount, err = app.ParseAmount(amount); err != nil {
		return header, fmt.Errorf("--amount must be a decimal")
	}
	if header.DueDate, err = time.Parse("2006-01-02", due); err != nil {
		return header, fmt.Errorf("--due-date must use YYYY-MM-DD")
	}
	return header, nil
}

// uploadsFromDir lists the regular files of dir in name order. Every file is submitted so that
// misnamed ones show up in the result instead of being skipped silently.
func uploadsFromDir(fs afero.Fs, dir string) ([]domain.UploadedFile, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var uploads []domain.UploadedFile
	for _, entry := range entries {
		if !entry.Mode().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		uploads = append(uploads, domain.UploadedFile{
			Filename: entry.Name(),
			Size:     entry.Size(),
			Open: func() (io.ReadCloser, error) {
				return fs.Open(full)
			},
		})
	}
	if len(uploads) == 0 {
		return nil, fmt.Errorf("%s contains no files", dir)
	}
	return uploads, nil
}
