package main

import (
	"encoding/csv"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"royaltystake/native/royalty"
)

const exportName = "royalty_audit"

var csvHeader = []string{
	"asset_id", "positions", "total_staked", "positions_staked", "consistent", "halted",
	"deposited", "undistributed", "credited", "claimed", "outstanding", "accrued", "dust",
}

func exportReports(dir string, reports []*royalty.AuditReport) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("audit: create output dir: %w", err)
	}
	if err := writeCSV(filepath.Join(dir, exportName+".csv"), reports); err != nil {
		return err
	}
	return writeParquet(filepath.Join(dir, exportName+".parquet"), reports)
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeCSV(path string, reports []*royalty.AuditReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, r := range reports {
		record := []string{
			r.AssetID,
			strconv.Itoa(r.Positions),
			amount(r.TotalStaked),
			amount(r.PositionsStaked),
			strconv.FormatBool(r.Consistent),
			strconv.FormatBool(r.Halted),
			amount(r.Deposited),
			amount(r.Undistributed),
			amount(r.Credited),
			amount(r.Claimed),
			amount(r.Outstanding),
			amount(r.Accrued),
			amount(r.Dust),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

// Amounts are decimal strings; 256-bit values do not fit parquet integers.
type parquetRow struct {
	AssetID         string `parquet:"name=asset_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Positions       int32  `parquet:"name=positions, type=INT32"`
	TotalStaked     string `parquet:"name=total_staked, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PositionsStaked string `parquet:"name=positions_staked, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Consistent      bool   `parquet:"name=consistent, type=BOOLEAN"`
	Halted          bool   `parquet:"name=halted, type=BOOLEAN"`
	Deposited       string `parquet:"name=deposited, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Undistributed   string `parquet:"name=undistributed, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Credited        string `parquet:"name=credited, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Claimed         string `parquet:"name=claimed, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Outstanding     string `parquet:"name=outstanding, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Accrued         string `parquet:"name=accrued, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Dust            string `parquet:"name=dust, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func writeParquet(path string, reports []*royalty.AuditReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range reports {
		row := &parquetRow{
			AssetID:         r.AssetID,
			Positions:       int32(r.Positions),
			TotalStaked:     amount(r.TotalStaked),
			PositionsStaked: amount(r.PositionsStaked),
			Consistent:      r.Consistent,
			Halted:          r.Halted,
			Deposited:       amount(r.Deposited),
			Undistributed:   amount(r.Undistributed),
			Credited:        amount(r.Credited),
			Claimed:         amount(r.Claimed),
			Outstanding:     amount(r.Outstanding),
			Accrued:         amount(r.Accrued),
			Dust:            amount(r.Dust),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}
