package ledger

import (
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const partitionLayout = "2006-01-02"

// Entry is one settled sale. Entries are immutable once appended.
type Entry struct {
	ChargeID    string          `json:"charge_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Amount      decimal.Decimal `json:"amount"`
	BuyerID     string          `json:"buyer_id"`
	SettledAt   time.Time       `json:"settled_at"`
}

// Book is an append-only transaction log partitioned into one JSON file per
// calendar day (UTC), named 2006-01-02.json.
type Book struct {
	dir string
	mu  sync.Mutex
}

func Open(dir string) (*Book, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Book{dir: dir}, nil
}

// Append writes the entry to the partition for its settlement date, creating
// the partition if absent. Prior entries in the partition are preserved.
func (b *Book) Append(e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := e.SettledAt.UTC().Format(partitionLayout)
	entries, err := b.readPartition(day)
	if err != nil {
		return err
	}
	entries = append(entries, e)
	return b.writePartition(day, entries)
}

// QueryRange yields every entry whose partition date falls within [from, to],
// oldest partition first. The sequence is lazy: partitions are read one at a
// time as the consumer advances, and ranging again re-reads from disk.
func (b *Book) QueryRange(from, to time.Time) iter.Seq2[Entry, error] {
	start := from.UTC().Truncate(24 * time.Hour)
	end := to.UTC().Truncate(24 * time.Hour)

	return func(yield func(Entry, error) bool) {
		for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
			b.mu.Lock()
			entries, err := b.readPartition(day.Format(partitionLayout))
			b.mu.Unlock()
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// Contains reports whether an entry for the charge exists in any partition
// within [from, to].
func (b *Book) Contains(chargeID string, from, to time.Time) (bool, error) {
	for e, err := range b.QueryRange(from, to) {
		if err != nil {
			return false, err
		}
		if e.ChargeID == chargeID {
			return true, nil
		}
	}
	return false, nil
}

func (b *Book) readPartition(day string) ([]Entry, error) {
	raw, err := os.ReadFile(b.path(day))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger partition %s: %w", day, err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode ledger partition %s: %w", day, err)
	}
	return entries, nil
}

func (b *Book) writePartition(day string, entries []Entry) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger partition %s: %w", day, err)
	}

	tmp, err := os.CreateTemp(b.dir, "."+day+"-*")
	if err != nil {
		return fmt.Errorf("persist ledger partition %s: %w", day, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("persist ledger partition %s: %w", day, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persist ledger partition %s: %w", day, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist ledger partition %s: %w", day, err)
	}
	if err := os.Rename(tmp.Name(), b.path(day)); err != nil {
		return fmt.Errorf("persist ledger partition %s: %w", day, err)
	}
	return nil
}

func (b *Book) path(day string) string {
	return filepath.Join(b.dir, day+".json")
}
