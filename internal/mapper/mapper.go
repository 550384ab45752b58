// Package mapper translates provider status vocabularies into canonical statuses.
// It is the only place that knows how each provider spells its states.
package mapper

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"fulfillment-sync/internal/models"

	"gopkg.in/yaml.v3"
)

// Table maps a normalized raw status to a canonical status
type Table map[string]models.CanonicalStatus

var providerATable = Table{
	"draft":       models.StatusPending,
	"pending":     models.StatusPending,
	"accepted":    models.StatusConfirmed,
	"confirmed":   models.StatusConfirmed,
	"inprocess":   models.StatusInProduction,
	"in_process":  models.StatusInProduction,
	"printing":    models.StatusInProduction,
	"fulfilled":   models.StatusShipped,
	"shipped":     models.StatusShipped,
	"delivered":   models.StatusDelivered,
	"canceled":    models.StatusCanceled,
	"cancelled":   models.StatusCanceled,
	"failed":      models.StatusFailed,
	"returned":    models.StatusReturned,
	"return_sent": models.StatusReturned,
}

var providerBTable = Table{
	"created":       models.StatusPending,
	"received":      models.StatusPending,
	"accepted":      models.StatusConfirmed,
	"approved":      models.StatusConfirmed,
	"in_production": models.StatusInProduction,
	"printed":       models.StatusInProduction,
	"packed":        models.StatusInProduction,
	"shipped":       models.StatusShipped,
	"in_transit":    models.StatusShipped,
	"delivered":     models.StatusDelivered,
	"cancelled":     models.StatusCanceled,
	"rejected":      models.StatusCanceled,
	"error":         models.StatusFailed,
	"returned":      models.StatusReturned,
}

// Mapper holds one lookup table per provider
type Mapper struct {
	mu     sync.RWMutex
	tables map[models.Provider]Table
}

// New creates a mapper preloaded with the built-in provider tables
func New() *Mapper {
	m := &Mapper{tables: make(map[models.Provider]Table)}
	m.Register(models.ProviderA, providerATable)
	m.Register(models.ProviderB, providerBTable)
	return m
}

// Register merges entries into the table of provider
func (m *Mapper) Register(provider models.Provider, entries Table) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[provider]
	if !ok {
		t = make(Table, len(entries))
		m.tables[provider] = t
	}
	for raw, status := range entries {
		t[normalize(raw)] = status
	}
}

// Map is total: anything unknown yields StatusUnmapped
func (m *Mapper) Map(provider models.Provider, raw string) models.CanonicalStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[provider]
	if !ok {
		return models.StatusUnmapped
	}
	status, ok := t[normalize(raw)]
	if !ok {
		return models.StatusUnmapped
	}
	return status
}

func normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}

var canonical = map[models.CanonicalStatus]bool{
	models.StatusPending:      true,
	models.StatusConfirmed:    true,
	models.StatusInProduction: true,
	models.StatusShipped:      true,
	models.StatusDelivered:    true,
	models.StatusCanceled:     true,
	models.StatusFailed:       true,
	models.StatusReturned:     true,
}

type overrideFile struct {
	Providers map[string]map[string]string `yaml:"providers"`
}

// LoadOverrides merges a YAML file of the form
//
//	providers:
//	  provider_b:
//	    on_hold: confirmed
//
// into the tables. Unknown providers or statuses are rejected.
func (m *Mapper) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read status map file: %w", err)
	}

	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse status map file: %w", err)
	}

	for name, entries := range file.Providers {
		provider := models.Provider(name)
		if !provider.Valid() {
			return fmt.Errorf("unknown provider in status map: %s", name)
		}
		table := make(Table, len(entries))
		for raw, target := range entries {
			status := models.CanonicalStatus(target)
			if !canonical[status] {
				return fmt.Errorf("invalid canonical status %q for %s/%s", target, name, raw)
			}
			table[raw] = status
		}
		m.Register(provider, table)
	}
	return nil
}
