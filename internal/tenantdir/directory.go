// Package tenantdir resolves messaging-platform account IDs to the tenants
// that own them. An account that is not mapped here can never become mapped
// without external configuration, so unroutable events are dropped upstream
// rather than retried.
package tenantdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/TechVaseegrahHub/instaxbot/internal/dispatch"
)

var ErrInvalidInput = errors.New("invalid input")

const tenantsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["tenants"],
	"properties": {
		"tenants": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tenantId", "accounts"],
				"properties": {
					"tenantId": {"type": "string", "minLength": 1},
					"accounts": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["accountId"],
							"properties": {
								"accountId": {"type": "string", "minLength": 1},
								"accessToken": {"type": "string"}
							}
						}
					}
				}
			}
		}
	}
}`

type tenantsFile struct {
	Tenants []tenantEntry `json:"tenants"`
}

type tenantEntry struct {
	TenantID string         `json:"tenantId"`
	Accounts []accountEntry `json:"accounts"`
}

type accountEntry struct {
	AccountID   string `json:"accountId"`
	AccessToken string `json:"accessToken,omitempty"`
}

type mapping struct {
	key   dispatch.TenantAccountKey
	token string
}

// Logger matches the dispatch logging seam.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// FileDirectory loads tenant-account mappings from a JSON file validated
// against a schema, and hot-reloads on file changes. It doubles as the
// platform client's token source.
type FileDirectory struct {
	path   string
	schema *jsonschema.Schema
	logger Logger

	mu       sync.RWMutex
	accounts map[string]mapping

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	closed    chan struct{}
}

func NewFileDirectory(path string, logger Logger) (*FileDirectory, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = nopLogger{}
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(tenantsSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tenants.schema.json", schemaDoc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("tenants.schema.json")
	if err != nil {
		return nil, err
	}

	d := &FileDirectory{
		path:     path,
		schema:   schema,
		logger:   logger,
		accounts: map[string]mapping{},
		closed:   make(chan struct{}),
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Watch starts hot reloading on file changes. Editors typically replace the
// file, so the parent directory is watched and events filtered by name.
func (d *FileDirectory) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	d.watcher = watcher
	go d.watchLoop()
	return nil
}

func (d *FileDirectory) watchLoop() {
	target := filepath.Clean(d.path)
	for {
		select {
		case <-d.closed:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := d.Reload(); err != nil {
				// Keep serving the previous mapping on a bad edit.
				d.logger.Printf("tenant directory reload failed, keeping previous state: %v", err)
				continue
			}
			d.logger.Printf("tenant directory reloaded from %s", d.path)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("tenant directory watcher error: %v", err)
		}
	}
}

// Reload re-reads and validates the file, swapping the mapping atomically on
// success.
func (d *FileDirectory) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("parse %s: %w", d.path, err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return fmt.Errorf("validate %s: %w", d.path, err)
	}
	var parsed tenantsFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	accounts := map[string]mapping{}
	for _, tenant := range parsed.Tenants {
		for _, account := range tenant.Accounts {
			accounts[account.AccountID] = mapping{
				key: dispatch.TenantAccountKey{
					TenantID:  tenant.TenantID,
					AccountID: account.AccountID,
				},
				token: account.AccessToken,
			}
		}
	}
	d.mu.Lock()
	d.accounts = accounts
	d.mu.Unlock()
	return nil
}

func (d *FileDirectory) Resolve(platformAccountID string) (dispatch.TenantAccountKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.accounts[platformAccountID]
	return m.key, ok
}

// AccessToken implements the platform client's token source.
func (d *FileDirectory) AccessToken(accountID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.accounts[accountID]
	if !ok || m.token == "" {
		return "", false
	}
	return m.token, true
}

func (d *FileDirectory) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		if d.watcher != nil {
			err = d.watcher.Close()
		}
	})
	return err
}
