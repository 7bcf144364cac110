package recon

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"investchain/crypto"
	"investchain/services/deal-gateway/models"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyConservation = "conservation_mismatch"
	AnomalyBadRecord    = "bad_record"
)

// Ledger is the read surface of the state layer the reconciler audits. The
// vault conservation invariant says the sum of recorded payments for a sale
// and currency equals the balance held by the sale vault.
type Ledger interface {
	SaleHeldBalance(id [32]byte, currency string) (*big.Int, error)
	SalePaidAmount(id [32]byte, addr [20]byte, currency string) (*big.Int, error)
	SaleCurrencyTotal(id [32]byte, currency string) (*big.Int, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type     string
	DealID   *uuid.UUID
	SaleID   string
	Currency string
	Details  string
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	Ledger    Ledger
	OutputDir string
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
}

// Reconciler cross-checks the gateway's deal mirror against the ledger and
// materialises conservation reports.
type Reconciler struct {
	db        *gorm.DB
	ledger    Ledger
	outputDir string
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
}

// ReportRow summarises the conservation check for one (deal, currency) pair.
type ReportRow struct {
	DealID        uuid.UUID
	SaleID        string
	Currency      string
	InvestorCount int
	SumPaid       string
	HeldBalance   string
	NetTotal      string
	Conserved     bool
	CheckedAt     time.Time
}

// Result summarises a reconciliation run.
type Result struct {
	Rows        []ReportRow
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// New constructs a Reconciler from the supplied configuration.
func New(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("recon: database required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("recon: ledger required")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("recon: output directory required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:        cfg.DB,
		ledger:    cfg.Ledger,
		outputDir: cfg.OutputDir,
		now:       now,
		alert:     cfg.Alert,
		logger:    logger,
	}, nil
}

func parseSaleID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return id, err
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("sale id must be 32 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Run reconciles every deal with escrow records and writes the report files.
// Anomalies are alerted as they are found; an alert failure aborts the run.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	var deals []models.Deal
	if err := r.db.WithContext(ctx).Find(&deals).Error; err != nil {
		return nil, fmt.Errorf("recon: load deals: %w", err)
	}

	result := &Result{}
	for _, deal := range deals {
		saleID, err := parseSaleID(deal.SaleID)
		if err != nil {
			if err := r.raise(ctx, result, Anomaly{
				Type:    AnomalyBadRecord,
				DealID:  &deal.ID,
				SaleID:  deal.SaleID,
				Details: err.Error(),
			}); err != nil {
				return nil, err
			}
			continue
		}

		var escrows []models.EscrowRecord
		if err := r.db.WithContext(ctx).Where("deal_id = ?", deal.ID).Find(&escrows).Error; err != nil {
			return nil, fmt.Errorf("recon: load escrows for %s: %w", deal.ID, err)
		}

		byCurrency := make(map[string][][20]byte)
		for _, rec := range escrows {
			addr, err := crypto.DecodeAddress(rec.Investor)
			if err != nil {
				if err := r.raise(ctx, result, Anomaly{
					Type:     AnomalyBadRecord,
					DealID:   &deal.ID,
					SaleID:   deal.SaleID,
					Currency: rec.Currency,
					Details:  fmt.Sprintf("undecodable investor address: %v", err),
				}); err != nil {
					return nil, err
				}
				continue
			}
			var raw [20]byte
			copy(raw[:], addr.Bytes())
			byCurrency[rec.Currency] = append(byCurrency[rec.Currency], raw)
		}

		for currency, investors := range byCurrency {
			row, err := r.checkCurrency(deal, saleID, currency, investors)
			if err != nil {
				return nil, err
			}
			if !row.Conserved {
				if err := r.raise(ctx, result, Anomaly{
					Type:     AnomalyConservation,
					DealID:   &deal.ID,
					SaleID:   deal.SaleID,
					Currency: currency,
					Details:  fmt.Sprintf("sum of paid records %s != held balance %s", row.SumPaid, row.HeldBalance),
				}); err != nil {
					return nil, err
				}
			}
			result.Rows = append(result.Rows, row)
		}
	}

	if err := r.writeReports(result); err != nil {
		return nil, err
	}
	r.logger.Info("reconciliation complete",
		"component", "recon",
		"operation", "run",
	)
	return result, nil
}

func (r *Reconciler) checkCurrency(deal models.Deal, saleID [32]byte, currency string, investors [][20]byte) (ReportRow, error) {
	sum := big.NewInt(0)
	seen := make(map[[20]byte]struct{}, len(investors))
	for _, investor := range investors {
		if _, ok := seen[investor]; ok {
			continue
		}
		seen[investor] = struct{}{}
		paid, err := r.ledger.SalePaidAmount(saleID, investor, currency)
		if err != nil {
			return ReportRow{}, fmt.Errorf("recon: paid amount lookup: %w", err)
		}
		sum.Add(sum, paid)
	}
	held, err := r.ledger.SaleHeldBalance(saleID, currency)
	if err != nil {
		return ReportRow{}, fmt.Errorf("recon: held balance lookup: %w", err)
	}
	total, err := r.ledger.SaleCurrencyTotal(saleID, currency)
	if err != nil {
		return ReportRow{}, fmt.Errorf("recon: currency total lookup: %w", err)
	}
	return ReportRow{
		DealID:        deal.ID,
		SaleID:        deal.SaleID,
		Currency:      currency,
		InvestorCount: len(seen),
		SumPaid:       sum.String(),
		HeldBalance:   held.String(),
		NetTotal:      total.String(),
		Conserved:     sum.Cmp(held) == 0,
		CheckedAt:     r.now(),
	}, nil
}

func (r *Reconciler) raise(ctx context.Context, result *Result, anomaly Anomaly) error {
	result.Anomalies = append(result.Anomalies, anomaly)
	r.logger.Warn("reconciliation anomaly",
		"component", "recon",
		"operation", anomaly.Type,
		"deal_id", anomaly.SaleID,
		"currency", anomaly.Currency,
	)
	if r.alert == nil {
		return nil
	}
	if err := r.alert(ctx, anomaly); err != nil {
		return fmt.Errorf("recon: alert delivery: %w", err)
	}
	return nil
}

func (r *Reconciler) writeReports(result *Result) error {
	if len(result.Rows) == 0 {
		return nil
	}
	runDir := filepath.Join(r.outputDir, r.now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("recon: create report dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "conservation.csv")
	if err := writeCSV(csvPath, result.Rows); err != nil {
		return err
	}
	parquetPath := filepath.Join(runDir, "conservation.parquet")
	if err := writeParquet(parquetPath, result.Rows); err != nil {
		return err
	}
	result.CSVPath = csvPath
	result.ParquetPath = parquetPath
	return nil
}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"deal_id", "sale_id", "currency", "investor_count", "sum_paid", "held_balance", "net_total", "conserved", "checked_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.DealID.String(),
			row.SaleID,
			row.Currency,
			strconv.Itoa(row.InvestorCount),
			row.SumPaid,
			row.HeldBalance,
			row.NetTotal,
			strconv.FormatBool(row.Conserved),
			row.CheckedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

type parquetRow struct {
	DealID        string `parquet:"name=deal_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SaleID        string `parquet:"name=sale_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency      string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	InvestorCount int32  `parquet:"name=investor_count, type=INT32"`
	SumPaid       string `parquet:"name=sum_paid, type=BYTE_ARRAY, convertedtype=UTF8"`
	HeldBalance   string `parquet:"name=held_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	NetTotal      string `parquet:"name=net_total, type=BYTE_ARRAY, convertedtype=UTF8"`
	Conserved     bool   `parquet:"name=conserved, type=BOOLEAN"`
	CheckedAt     string `parquet:"name=checked_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			DealID:        row.DealID.String(),
			SaleID:        row.SaleID,
			Currency:      row.Currency,
			InvestorCount: int32(row.InvestorCount),
			SumPaid:       row.SumPaid,
			HeldBalance:   row.HeldBalance,
			NetTotal:      row.NetTotal,
			Conserved:     row.Conserved,
			CheckedAt:     row.CheckedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
