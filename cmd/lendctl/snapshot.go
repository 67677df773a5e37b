package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"reservebank/native/lending"
	statelending "reservebank/state/lending"
	"reservebank/storage"
)

type snapshotSource interface {
	ListBanks() ([]*lending.Bank, error)
	ListPositions() ([]*lending.UserPosition, error)
}

type bankRow struct {
	Asset                   string `parquet:"name=asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Decimals                int32  `parquet:"name=decimals, type=INT32"`
	TotalDepositShares      string `parquet:"name=total_deposit_shares, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TotalBorrowShares       string `parquet:"name=total_borrow_shares, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TotalDeposits           string `parquet:"name=total_deposits, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TotalBorrows            string `parquet:"name=total_borrows, type=UTF8, encoding=PLAIN_DICTIONARY"`
	DepositIndex            string `parquet:"name=deposit_index, type=UTF8, encoding=PLAIN_DICTIONARY"`
	BorrowIndex             string `parquet:"name=borrow_index, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Reserves                string `parquet:"name=reserves, type=UTF8, encoding=PLAIN_DICTIONARY"`
	MaxLtvBps               int64  `parquet:"name=max_ltv_bps, type=INT64"`
	LiquidationThresholdBps int64  `parquet:"name=liquidation_threshold_bps, type=INT64"`
	LastAccrual             string `parquet:"name=last_accrual, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

type positionRow struct {
	User          string `parquet:"name=user, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Asset         string `parquet:"name=asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	DepositShares string `parquet:"name=deposit_shares, type=UTF8, encoding=PLAIN_DICTIONARY"`
	BorrowShares  string `parquet:"name=borrow_shares, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func runSnapshot(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(snapshotCommand, flag.ContinueOnError)
	dataDir := fs.String("data", "", "LevelDB directory used by lendingd")
	outDir := fs.String("out", ".", "Directory receiving banks.parquet and positions.parquet")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" {
		return fmt.Errorf("-data is required")
	}

	db, err := storage.NewLevelDB(*dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	banks, positions, err := writeSnapshot(*outDir, statelending.NewStore(db))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "Wrote %d banks and %d positions to %s\n", banks, positions, *outDir)
	return err
}

func writeSnapshot(dir string, src snapshotSource) (int, int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, 0, fmt.Errorf("snapshot: create dir: %w", err)
	}
	banks, err := src.ListBanks()
	if err != nil {
		return 0, 0, fmt.Errorf("snapshot: list banks: %w", err)
	}
	positions, err := src.ListPositions()
	if err != nil {
		return 0, 0, fmt.Errorf("snapshot: list positions: %w", err)
	}

	bankRows := make([]interface{}, 0, len(banks))
	for _, bank := range banks {
		bankRows = append(bankRows, &bankRow{
			Asset:                   bank.Asset,
			Decimals:                int32(bank.Params.Decimals),
			TotalDepositShares:      bank.TotalDepositShares.String(),
			TotalBorrowShares:       bank.TotalBorrowShares.String(),
			TotalDeposits:           bank.TotalDeposits().String(),
			TotalBorrows:            bank.TotalBorrows().String(),
			DepositIndex:            bank.DepositIndex.String(),
			BorrowIndex:             bank.BorrowIndex.String(),
			Reserves:                bank.Reserves.String(),
			MaxLtvBps:               int64(bank.Params.MaxLtvBps),
			LiquidationThresholdBps: int64(bank.Params.LiquidationThresholdBps),
			LastAccrual:             bank.LastAccrual.UTC().Format(time.RFC3339Nano),
		})
	}
	if err := writeParquet(filepath.Join(dir, "banks.parquet"), new(bankRow), bankRows); err != nil {
		return 0, 0, err
	}

	positionRows := make([]interface{}, 0, len(positions))
	for _, pos := range positions {
		positionRows = append(positionRows, &positionRow{
			User:          pos.User.String(),
			Asset:         pos.Asset,
			DepositShares: pos.DepositShares.String(),
			BorrowShares:  pos.BorrowShares.String(),
		})
	}
	if err := writeParquet(filepath.Join(dir, "positions.parquet"), new(positionRow), positionRows); err != nil {
		return 0, 0, err
	}
	return len(bankRows), len(positionRows), nil
}

func writeParquet(path string, schema interface{}, rows []interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("snapshot: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("snapshot: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("snapshot: finalize parquet: %w", err)
	}
	return file.Close()
}
