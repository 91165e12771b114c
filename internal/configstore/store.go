// Package configstore reads connector and connection configuration from the
// file tree the config server maintains under the config root. The scheduler
// only ever reads; writes happen on the API side.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/stanstork/stratum-scheduler/internal/models"
)

type ConfigKind string

const (
	KindSourceConnection      ConfigKind = "SOURCE_CONNECTION"
	KindDestinationConnection ConfigKind = "DESTINATION_CONNECTION"
	KindStandardSync          ConfigKind = "STANDARD_SYNC"
	KindSourceDefinition      ConfigKind = "STANDARD_SOURCE_DEFINITION"
	KindDestinationDefinition ConfigKind = "STANDARD_DESTINATION_DEFINITION"
)

// Repository is the read-through accessor over the config root.
type Repository struct {
	root string
}

func NewRepository(root string) (*Repository, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("config root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config root %s is not a directory", root)
	}
	return &Repository{root: root}, nil
}

func (r *Repository) GetConnection(id string) (*models.Connection, error) {
	var conn models.Connection
	if err := r.read(KindStandardSync, id, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// ListConnections enumerates every connection in the store. Unparseable
// files are reported, not skipped: a corrupt connection should be loud.
func (r *Repository) ListConnections() ([]models.Connection, error) {
	dir := filepath.Join(r.root, string(KindStandardSync))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	var connections []models.Connection
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		conn, err := r.GetConnection(id)
		if err != nil {
			return nil, err
		}
		connections = append(connections, *conn)
	}
	return connections, nil
}

func (r *Repository) GetSourceConnection(id string) (*models.SourceConnection, error) {
	var src models.SourceConnection
	if err := r.read(KindSourceConnection, id, &src); err != nil {
		return nil, err
	}
	return &src, nil
}

func (r *Repository) GetDestinationConnection(id string) (*models.DestinationConnection, error) {
	var dst models.DestinationConnection
	if err := r.read(KindDestinationConnection, id, &dst); err != nil {
		return nil, err
	}
	return &dst, nil
}

func (r *Repository) GetSourceDefinition(id string) (*models.SourceDefinition, error) {
	var def models.SourceDefinition
	if err := r.read(KindSourceDefinition, id, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *Repository) GetDestinationDefinition(id string) (*models.DestinationDefinition, error) {
	var def models.DestinationDefinition
	if err := r.read(KindDestinationDefinition, id, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *Repository) read(kind ConfigKind, id string, out interface{}) error {
	path := filepath.Join(r.root, string(kind), id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return nil
}
