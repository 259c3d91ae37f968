package collection

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/store"
)

const (
	metaPrefix = "$CM/"
	docPrefix  = "$DOC/"
)

// Collection holds the persisted metadata of a single collection.
type Collection struct {
	Name         string `json:"name"`
	NumDocuments uint64 `json:"num_documents"`
	NextSeqID    uint64 `json:"next_seq_id"`
}

// Manager owns the in-memory view of all collections and persists metadata
// and documents through the store facade. Mutations reach it exclusively
// from the apply path's dispatched worker, so a single mutex suffices.
type Manager struct {
	mu          sync.RWMutex
	store       *store.Store
	logger      logger.Logger
	collections map[string]*Collection
}

// NewManager returns a Manager bound to st. Call Load before serving.
func NewManager(st *store.Store, log logger.Logger) *Manager {
	return &Manager{
		store:       st,
		logger:      log.WithComponent("collections"),
		collections: make(map[string]*Collection),
	}
}

func metaKey(name string) string { return metaPrefix + name }

func docKey(coll, id string) string { return docPrefix + coll + "/" + id }

// Load reads all collection metadata from disk, replacing the in-memory
// view. Any failure is fatal at startup.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := make(map[string]*Collection)
	err := m.store.PrefixScan(metaPrefix, func(key string, value []byte) error {
		var c Collection
		if uerr := json.Unmarshal(value, &c); uerr != nil {
			return fmt.Errorf("record %q: %w", key, uerr)
		}
		loaded[c.Name] = &c
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	m.collections = loaded
	m.logger.Infow("Finished loading collections from disk", "count", len(loaded))
	return nil
}

// persist writes a collection's metadata record.
func (m *Manager) persist(c *Collection) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return m.store.Set(metaKey(c.Name), data)
}

// Create parses a collection definition and creates the collection.
func (m *Manager) Create(schema []byte) (*Collection, error) {
	var def struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(schema, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidSchema)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[def.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, def.Name)
	}

	c := &Collection{Name: def.Name}
	if err := m.persist(c); err != nil {
		return nil, err
	}
	m.collections[def.Name] = c

	m.logger.Infow("Collection created", "name", def.Name)
	return c, nil
}

// Drop removes a collection's metadata and all of its documents.
func (m *Manager) Drop(name string) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if _, err := m.store.DeletePrefix(docPrefix + name + "/"); err != nil {
		return nil, err
	}
	if err := m.store.Delete(metaKey(name)); err != nil {
		return nil, err
	}
	delete(m.collections, name)

	m.logger.Infow("Collection dropped", "name", name)
	return c, nil
}

// Get returns a copy of the named collection's metadata.
func (m *Manager) Get(name string) (Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return *c, nil
}

// List returns all collections sorted by name.
func (m *Manager) List() []Collection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Collection, 0, len(m.collections))
	for _, c := range m.collections {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddDocument stores body in the named collection and returns the stored
// document, which carries an "id" field (caller-supplied or sequence-assigned).
func (m *Manager) AddDocument(coll string, body []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[coll]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, coll)
	}

	id, _ := doc["id"].(string)
	if id == "" {
		id = strconv.FormatUint(c.NextSeqID, 10)
		doc["id"] = id
	}
	c.NextSeqID++

	stored, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	_, gerr := m.store.Get(docKey(coll, id))
	isNew := errors.Is(gerr, store.ErrNotFound)

	if err := m.store.Set(docKey(coll, id), stored); err != nil {
		return nil, err
	}
	if isNew {
		c.NumDocuments++
	}
	if err := m.persist(c); err != nil {
		return nil, err
	}
	return stored, nil
}

// UpdateDocument merges patch fields into an existing document.
func (m *Manager) UpdateDocument(coll, id string, patch []byte) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[coll]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, coll)
	}

	current, err := m.store.Get(docKey(coll, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, coll, id)
	}
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(current, &doc); err != nil {
		return nil, err
	}
	for k, v := range fields {
		doc[k] = v
	}
	doc["id"] = id

	stored, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(docKey(coll, id), stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// DeleteDocument removes a document and returns its last stored form.
func (m *Manager) DeleteDocument(coll, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[coll]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, coll)
	}

	current, err := m.store.Get(docKey(coll, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, coll, id)
	}
	if err != nil {
		return nil, err
	}

	if err := m.store.Delete(docKey(coll, id)); err != nil {
		return nil, err
	}
	if c.NumDocuments > 0 {
		c.NumDocuments--
	}
	if err := m.persist(c); err != nil {
		return nil, err
	}
	return current, nil
}

// GetDocument returns the stored form of a document.
func (m *Manager) GetDocument(coll, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.collections[coll]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, coll)
	}

	doc, err := m.store.Get(docKey(coll, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, coll, id)
	}
	return doc, err
}

// ImportResult reports a single line's outcome during a bulk import.
type ImportResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ImportDocuments reads newline-delimited JSON documents from r and adds
// each to the collection. A malformed line fails that line only.
func (m *Manager) ImportDocuments(coll string, r io.Reader) ([]ImportResult, error) {
	if _, err := m.Get(coll); err != nil {
		return nil, err
	}

	var results []ImportResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := m.AddDocument(coll, line); err != nil {
			results = append(results, ImportResult{Success: false, Error: err.Error()})
			continue
		}
		results = append(results, ImportResult{Success: true})
	}
	if err := scanner.Err(); err != nil {
		return results, fmt.Errorf("collection: import read: %w", err)
	}
	return results, nil
}

// ExportDocuments writes every document of the collection to w as
// newline-delimited JSON, in key order.
func (m *Manager) ExportDocuments(coll string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.collections[coll]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, coll)
	}

	return m.store.PrefixScan(docPrefix+coll+"/", func(key string, value []byte) error {
		if _, err := w.Write(value); err != nil {
			return err
		}
		_, err := w.Write([]byte("\n"))
		return err
	})
}
