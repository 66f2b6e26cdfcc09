package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Store keeps the product catalog in memory and mirrors every mutation to
// one JSON file per product under dir. Mutations hit disk before the
// in-memory copy is updated, so a failed write never leaves the two diverged.
type Store struct {
	dir string

	mu       sync.RWMutex
	products map[string]Product
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	s := &Store{dir: dir, products: make(map[string]Product)}

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan catalog dir: %w", err)
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read product file %s: %w", f, err)
		}
		var p Product
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("decode product file %s: %w", f, err)
		}
		s.products[p.ID] = p
	}
	return s, nil
}

// List returns all products ordered by id. Numeric ids sort numerically so
// "10" comes after "9".
func (s *Store) List() []Product {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out
}

func (s *Store) Get(id string) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

// Put upserts a product. The file write is flushed before returning.
func (s *Store) Put(p Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(p); err != nil {
		return err
	}
	s.products[p.ID] = p
	return nil
}

// Remove deletes the product record and its file. Removing an unknown id is
// a no-op.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove product %s: %w", id, err)
	}
	delete(s.products, id)
	return nil
}

// AdjustStock applies delta to the product's stock count and persists the
// result. A delta that would take stock below zero fails with
// ErrStockOutOfRange and changes nothing.
func (s *Store) AdjustStock(id string, delta int) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	next := p.Stock + delta
	if next < 0 {
		return Product{}, ErrStockOutOfRange
	}
	p.Stock = next
	if err := s.write(p); err != nil {
		return Product{}, err
	}
	s.products[id] = p
	return p, nil
}

// NextID returns the next free numeric id, one past the largest in use.
func (s *Store) NextID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := 0
	for id := range s.products {
		if n, err := strconv.Atoi(id); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// write persists one product atomically: temp file in the same directory,
// fsync, then rename over the target.
func (s *Store) write(p Product) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode product %s: %w", p.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+p.ID+"-*")
	if err != nil {
		return fmt.Errorf("persist product %s: %w", p.ID, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("persist product %s: %w", p.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persist product %s: %w", p.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist product %s: %w", p.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(p.ID)); err != nil {
		return fmt.Errorf("persist product %s: %w", p.ID, err)
	}
	return nil
}

func lessID(a, b string) bool {
	na, ea := strconv.Atoi(a)
	nb, eb := strconv.Atoi(b)
	if ea == nil && eb == nil {
		return na < nb
	}
	return strings.Compare(a, b) < 0
}
