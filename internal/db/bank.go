package db

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// SaveBank replaces the stored enrollment bank with entries, in order.
func (db *DB) SaveBank(ctx context.Context, entries [][]float64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save bank: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bank_entries`); err != nil {
		return fmt.Errorf("save bank: clear: %w", err)
	}
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bank_entries (position, dim, vector) VALUES (?, ?, ?)`,
			i, len(e), encodeVector(e),
		); err != nil {
			return fmt.Errorf("save bank: entry %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// LoadBank returns the stored entries in enrollment order.
func (db *DB) LoadBank(ctx context.Context) ([][]float64, error) {
	rows, err := db.QueryContext(ctx, `SELECT position, dim, vector FROM bank_entries ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load bank: %w", err)
	}
	defer rows.Close()

	var out [][]float64
	for rows.Next() {
		var (
			pos, dim int
			blob     []byte
		)
		if err := rows.Scan(&pos, &dim, &blob); err != nil {
			return nil, fmt.Errorf("load bank: %w", err)
		}
		v, err := decodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("load bank: entry %d: %w", pos, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Vectors are stored as little-endian float64 so a reload scores exactly
// as before the restart.
func encodeVector(v []float64) []byte {
	out := make([]byte, 0, 8*len(v))
	for _, x := range v {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(x))
	}
	return out
}

func decodeVector(b []byte, dim int) ([]float64, error) {
	if len(b) != 8*dim {
		return nil, fmt.Errorf("vector is %d bytes, want %d", len(b), 8*dim)
	}
	out := make([]float64, dim)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}
