package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"PositionLedger/internal/identity"
)

var ErrRecordNotFound = errors.New("record not found")

// Record is a raw account record as stored: discriminator || canonical bytes.
type Record struct {
	Address identity.Address
	Type    string
	Data    []byte
	Slot    uint64
}

// AccountStore reads the latest encoded records written by the
// persistence worker.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Get returns the record stored at addr. The type is re-derived from the
// blob's discriminator rather than trusted from the row.
func (s *AccountStore) Get(ctx context.Context, addr identity.Address) (*Record, error) {
	var (
		data []byte
		slot int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, slot FROM ledger.accounts WHERE address = $1`, addr[:],
	).Scan(&data, &slot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", addr, err)
	}

	typeName, ok := identity.Classify(data)
	if !ok {
		return nil, fmt.Errorf("record %s: unknown discriminator", addr)
	}
	return &Record{Address: addr, Type: typeName, Data: data, Slot: uint64(slot)}, nil
}

// ListByOwner returns every record owned by owner, user account first.
func (s *AccountStore) ListByOwner(ctx context.Context, owner identity.Owner) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, data, slot FROM ledger.accounts
		WHERE owner = $1
		ORDER BY record_type DESC, slot ASC
	`, owner[:])
	if err != nil {
		return nil, fmt.Errorf("list records for %s: %w", owner, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			addr []byte
			data []byte
			slot int64
		)
		if err := rows.Scan(&addr, &data, &slot); err != nil {
			return nil, err
		}
		typeName, ok := identity.Classify(data)
		if !ok {
			return nil, fmt.Errorf("record %x: unknown discriminator", addr)
		}
		rec := &Record{Type: typeName, Data: data, Slot: uint64(slot)}
		copy(rec.Address[:], addr)
		out = append(out, rec)
	}
	return out, rows.Err()
}
