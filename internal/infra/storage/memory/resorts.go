package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	chatsvc "resortchat/internal/app/services/chat"
)

// ResortDirectory keeps resort ownership in memory.
type ResortDirectory struct {
	mu      sync.RWMutex
	resorts map[string]chatsvc.Resort
}

func NewResortDirectory(resorts ...chatsvc.Resort) *ResortDirectory {
	d := &ResortDirectory{resorts: make(map[string]chatsvc.Resort)}
	for _, r := range resorts {
		d.Save(r)
	}
	return d
}

// LoadResortFixtures reads a JSON array of resorts.
func LoadResortFixtures(path string) (*ResortDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memory: read resort fixtures: %w", err)
	}
	var resorts []chatsvc.Resort
	if err := json.Unmarshal(raw, &resorts); err != nil {
		return nil, fmt.Errorf("memory: decode resort fixtures: %w", err)
	}
	return NewResortDirectory(resorts...), nil
}

func (d *ResortDirectory) Save(r chatsvc.Resort) {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resorts[r.ID] = r
}

func (d *ResortDirectory) Resort(ctx context.Context, resortID string) (chatsvc.Resort, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.resorts[strings.TrimSpace(resortID)]
	if !ok {
		return chatsvc.Resort{}, chatsvc.ErrResortNotFound
	}
	return r, nil
}

func (d *ResortDirectory) ResortsByOwner(ctx context.Context, ownerID string) ([]chatsvc.Resort, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []chatsvc.Resort
	for _, r := range d.resorts {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// All returns every resort ordered by id.
func (d *ResortDirectory) All() []chatsvc.Resort {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]chatsvc.Resort, 0, len(d.resorts))
	for _, r := range d.resorts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
