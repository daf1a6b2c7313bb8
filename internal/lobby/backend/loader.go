package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// yamlCatalogFile is the top-level YAML structure for room catalog fixtures.
type yamlCatalogFile struct {
	Catalog yamlCatalog `yaml:"catalog"`
}

// yamlCatalog is the YAML representation of one world partition's rooms.
type yamlCatalog struct {
	WorldID string     `yaml:"world_id"`
	LobbyID string     `yaml:"lobby_id"`
	Rooms   []yamlRoom `yaml:"rooms"`
}

// yamlRoom is the YAML representation of a seeded room.
type yamlRoom struct {
	Name            string            `yaml:"name"`
	Owner           string            `yaml:"owner"`
	PublicSlots     int               `yaml:"public_slots"`
	OpenPublicSlots int               `yaml:"open_public_slots"`
	PrivateSlots    int               `yaml:"private_slots"`
	PingMs          int               `yaml:"ping_ms"`
	Attributes      map[string]string `yaml:"attributes"`
}

// CatalogRoom is one seeded room plus its configured QoS sample.
type CatalogRoom struct {
	Info RoomInfo
	Ping time.Duration
}

// Catalog is a validated room fixture ready to seed a Memory backend.
type Catalog struct {
	World WorldInfo
	Rooms []CatalogRoom
}

// LoadCatalogFromBytes parses and validates a catalog from YAML bytes.
//
// Precondition: data must be valid YAML conforming to the catalog schema.
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadCatalogFromBytes(data []byte) (*Catalog, error) {
	var file yamlCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}

	raw := file.Catalog
	if raw.WorldID == "" || raw.LobbyID == "" {
		return nil, fmt.Errorf("catalog must declare world_id and lobby_id")
	}

	cat := &Catalog{World: WorldInfo{WorldID: raw.WorldID, LobbyID: raw.LobbyID}}
	for i, r := range raw.Rooms {
		if r.Name == "" {
			return nil, fmt.Errorf("room %d: name must not be empty", i)
		}
		if r.PublicSlots < 1 {
			return nil, fmt.Errorf("room %q: public_slots must be >= 1, got %d", r.Name, r.PublicSlots)
		}
		if r.OpenPublicSlots < 0 || r.OpenPublicSlots > r.PublicSlots {
			return nil, fmt.Errorf("room %q: open_public_slots must be 0-%d, got %d", r.Name, r.PublicSlots, r.OpenPublicSlots)
		}
		attrs := make(map[string]string, len(r.Attributes)+1)
		for k, v := range r.Attributes {
			attrs[k] = v
		}
		attrs["name"] = r.Name
		cat.Rooms = append(cat.Rooms, CatalogRoom{
			Info: RoomInfo{
				OwnerID:           r.Owner,
				OpenPublicSlots:   r.OpenPublicSlots,
				OpenPrivateSlots:  r.PrivateSlots,
				TotalPublicSlots:  r.PublicSlots,
				TotalPrivateSlots: r.PrivateSlots,
				Attributes:        attrs,
			},
			Ping: time.Duration(r.PingMs) * time.Millisecond,
		})
	}
	return cat, nil
}

// LoadCatalogFromFile reads and validates a single catalog YAML file.
//
// Precondition: path must point to a valid YAML catalog file.
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadCatalogFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file %s: %w", path, err)
	}
	cat, err := LoadCatalogFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("catalog file %s: %w", path, err)
	}
	return cat, nil
}

// LoadCatalogsFromDir loads every .yaml/.yml file in dir as a catalog.
// Files are parsed concurrently; results are ordered by file name.
//
// Precondition: dir must be a valid directory path.
// Postcondition: Returns all validated catalogs or the first error encountered.
func LoadCatalogsFromDir(dir string) ([]*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading catalog directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)

	var mu sync.Mutex
	byPath := make(map[string]*Catalog, len(paths))
	var g errgroup.Group
	for _, path := range paths {
		path := path
		g.Go(func() error {
			cat, err := LoadCatalogFromFile(path)
			if err != nil {
				return err
			}
			mu.Lock()
			byPath[path] = cat
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	catalogs := make([]*Catalog, 0, len(paths))
	for _, path := range paths {
		catalogs = append(catalogs, byPath[path])
	}
	return catalogs, nil
}

// SeedCatalog loads every room of cat into the backend.
//
// Precondition: cat.World must match the backend's world partition.
// Postcondition: Returns the seeded rooms as they will be reported by searches.
func (m *Memory) SeedCatalog(cat *Catalog) ([]RoomInfo, error) {
	m.mu.Lock()
	world := m.world
	m.mu.Unlock()
	if cat.World != world {
		return nil, fmt.Errorf("catalog world %s/%s does not match backend %s/%s",
			cat.World.WorldID, cat.World.LobbyID, world.WorldID, world.LobbyID)
	}
	seeded := make([]RoomInfo, 0, len(cat.Rooms))
	for _, room := range cat.Rooms {
		info := m.Seed(room.Info)
		if room.Ping > 0 {
			m.SetPing(info.Address, room.Ping)
		}
		seeded = append(seeded, info)
	}
	return seeded, nil
}
