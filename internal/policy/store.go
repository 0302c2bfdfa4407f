// Package policy holds the alert policies, notification channels and API keys
// loaded from the definitions file.
package policy

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"preflight-alerting/internal/models"
)

// Definitions is the on-disk shape of the definitions file.
type Definitions struct {
	Policies []models.AlertPolicy         `yaml:"policies"`
	Channels []models.NotificationChannel `yaml:"channels"`
	APIKeys  []models.APIKey              `yaml:"api_keys"`
}

// LoadResult summarizes a load. Invalid entries are skipped and reported as warnings.
type LoadResult struct {
	Policies int      `json:"policies"`
	Channels int      `json:"channels"`
	APIKeys  int      `json:"api_keys"`
	Warnings []string `json:"warnings,omitempty"`
}

// Snapshot is an immutable view of the loaded definitions.
type Snapshot struct {
	policies []models.AlertPolicy
	channels []models.NotificationChannel
	byPolicy map[string]models.AlertPolicy
	byChan   map[string]models.NotificationChannel
	byKey    map[string]models.APIKey
	LoadedAt time.Time
}

// Build validates defs and indexes the valid entries.
func Build(defs Definitions) (*Snapshot, LoadResult) {
	var res LoadResult
	snap := &Snapshot{
		byPolicy: make(map[string]models.AlertPolicy),
		byChan:   make(map[string]models.NotificationChannel),
		byKey:    make(map[string]models.APIKey),
		LoadedAt: time.Now().UTC(),
	}

	for i, p := range defs.Policies {
		if err := p.Validate(); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("policies[%d]: %v", i, err))
			continue
		}
		if _, dup := snap.byPolicy[p.ID]; dup {
			res.Warnings = append(res.Warnings, fmt.Sprintf("policies[%d]: duplicate policy id %s", i, p.ID))
			continue
		}
		snap.byPolicy[p.ID] = p
		snap.policies = append(snap.policies, p)
	}

	for i, c := range defs.Channels {
		if err := c.Validate(); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("channels[%d]: %v", i, err))
			continue
		}
		if _, dup := snap.byChan[c.ID]; dup {
			res.Warnings = append(res.Warnings, fmt.Sprintf("channels[%d]: duplicate channel id %s", i, c.ID))
			continue
		}
		if len(c.EventTypes) == 0 {
			c.EventTypes = []models.AlertStatus{models.StatusFiring, models.StatusResolved}
		}
		snap.byChan[c.ID] = c
		snap.channels = append(snap.channels, c)
	}

	for i, k := range defs.APIKeys {
		if k.Key == "" || k.Name == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("api_keys[%d]: name and key are required", i))
			continue
		}
		if _, dup := snap.byKey[k.Key]; dup {
			res.Warnings = append(res.Warnings, fmt.Sprintf("api_keys[%d]: duplicate key for %s", i, k.Name))
			continue
		}
		snap.byKey[k.Key] = k
	}

	sort.Slice(snap.policies, func(i, j int) bool { return snap.policies[i].ID < snap.policies[j].ID })
	sort.Slice(snap.channels, func(i, j int) bool { return snap.channels[i].ID < snap.channels[j].ID })

	res.Policies = len(snap.policies)
	res.Channels = len(snap.channels)
	res.APIKeys = len(snap.byKey)
	return snap, res
}

// rawDefinitions keeps every list entry as a node so one malformed entry can
// be skipped without rejecting the rest of the document.
type rawDefinitions struct {
	Policies []yaml.Node `yaml:"policies"`
	Channels []yaml.Node `yaml:"channels"`
	APIKeys  []yaml.Node `yaml:"api_keys"`
}

// Parse decodes a definitions document. ${VAR} references are expanded from
// the environment so secrets can stay out of the file. Entries that fail to
// decode are skipped with a warning; only a malformed document is an error.
func Parse(data []byte) (*Snapshot, LoadResult, error) {
	var raw rawDefinitions
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return nil, LoadResult{}, fmt.Errorf("failed to parse definitions: %w", err)
	}

	var defs Definitions
	var warnings []string
	defs.Policies = decodeEntries[models.AlertPolicy]("policies", raw.Policies, &warnings)
	defs.Channels = decodeEntries[models.NotificationChannel]("channels", raw.Channels, &warnings)
	defs.APIKeys = decodeEntries[models.APIKey]("api_keys", raw.APIKeys, &warnings)

	snap, res := Build(defs)
	res.Warnings = append(warnings, res.Warnings...)
	return snap, res, nil
}

func decodeEntries[T any](section string, nodes []yaml.Node, warnings *[]string) []T {
	out := make([]T, 0, len(nodes))
	for i := range nodes {
		var v T
		if err := nodes[i].Decode(&v); err != nil {
			*warnings = append(*warnings, fmt.Sprintf("%s (line %d): %v", section, nodes[i].Line, err))
			continue
		}
		out = append(out, v)
	}
	return out
}

// Store serves the current snapshot. Reads are lock-free; a reload swaps the
// snapshot atomically.
type Store struct {
	path    string
	logger  *logrus.Logger
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners []func(*Snapshot)
}

// NewStore returns a store bound to path. Call Load before use.
func NewStore(path string, logger *logrus.Logger) *Store {
	s := &Store{path: path, logger: logger}
	s.current.Store(&Snapshot{
		byPolicy: map[string]models.AlertPolicy{},
		byChan:   map[string]models.NotificationChannel{},
		byKey:    map[string]models.APIKey{},
	})
	return s
}

// NewStatic returns a store holding defs and no backing file.
func NewStatic(defs Definitions, logger *logrus.Logger) (*Store, LoadResult) {
	s := NewStore("", logger)
	snap, res := Build(defs)
	s.current.Store(snap)
	return s, res
}

// Load reads the definitions file and swaps in the result. On error the
// previous snapshot stays in place.
func (s *Store) Load() (LoadResult, error) {
	if s.path == "" {
		return LoadResult{}, fmt.Errorf("no definitions path configured")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to read definitions %s: %w", s.path, err)
	}
	snap, res, err := Parse(data)
	if err != nil {
		return LoadResult{}, err
	}
	s.current.Store(snap)

	for _, w := range res.Warnings {
		s.logger.Warnf("Definitions %s: %s", s.path, w)
	}
	s.logger.WithFields(logrus.Fields{
		"policies": res.Policies,
		"channels": res.Channels,
		"api_keys": res.APIKeys,
		"warnings": len(res.Warnings),
	}).Infof("Loaded definitions from %s", s.path)

	s.mu.Lock()
	listeners := append([]func(*Snapshot){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return res, nil
}

// OnReload registers fn to run after every successful load.
func (s *Store) OnReload(fn func(*Snapshot)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

func (s *Store) Policies() []models.AlertPolicy {
	return s.Snapshot().Policies()
}

func (s *Store) EnabledPolicies() []models.AlertPolicy {
	return s.Snapshot().EnabledPolicies()
}

func (s *Store) Policy(id string) (models.AlertPolicy, bool) {
	p, ok := s.Snapshot().byPolicy[id]
	return p, ok
}

func (s *Store) Channels() []models.NotificationChannel {
	return s.Snapshot().Channels()
}

func (s *Store) Channel(id string) (models.NotificationChannel, bool) {
	c, ok := s.Snapshot().byChan[id]
	return c, ok
}

// LookupKey resolves a presented API key.
func (s *Store) LookupKey(key string) (models.APIKey, bool) {
	k, ok := s.Snapshot().byKey[key]
	return k, ok
}

func (sn *Snapshot) Policies() []models.AlertPolicy {
	return append([]models.AlertPolicy(nil), sn.policies...)
}

func (sn *Snapshot) EnabledPolicies() []models.AlertPolicy {
	var out []models.AlertPolicy
	for _, p := range sn.policies {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func (sn *Snapshot) Channels() []models.NotificationChannel {
	return append([]models.NotificationChannel(nil), sn.channels...)
}
