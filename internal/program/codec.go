package program

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
)

// Persister stores the encoded registry. LoadRegistry returns nil data when
// nothing was stored yet.
type Persister interface {
	LoadRegistry(ctx context.Context) ([]byte, error)
	StoreRegistry(ctx context.Context, data []byte) error
}

const snapshotVersion = 1

type storedRecord struct {
	Rule       firewall.Rule  `json:"rule"`
	Expiration uint64         `json:"expiration,omitempty"`
	State      string         `json:"state"`
	Backup     *firewall.Rule `json:"backup,omitempty"`
}

type storedProgram struct {
	ID           identity.ID    `json:"id"`
	Description  string         `json:"description,omitempty"`
	LastActivity time.Time      `json:"last_activity"`
	Rules        []storedRecord `json:"rules,omitempty"`
}

type storedSet struct {
	GUID     uuid.UUID       `json:"guid"`
	Config   Config          `json:"config"`
	Programs []storedProgram `json:"programs"`
}

type snapshot struct {
	Version int         `json:"version"`
	Sets    []storedSet `json:"sets"`
}

// Encode serializes sets, programs and rule mirrors. Connection logs are
// not persisted.
func (r *Registry) Encode() ([]byte, error) {
	snap := snapshot{Version: snapshotVersion}
	for _, s := range r.Sets() {
		ss := storedSet{GUID: s.GUID, Config: s.Config}
		for _, p := range s.Programs() {
			sp := storedProgram{ID: p.ID, Description: p.Description, LastActivity: p.LastActivity}
			for _, rec := range p.Rules() {
				sr := storedRecord{Rule: rec.Rule, Expiration: rec.Expiration, State: rec.state.String()}
				if b, ok := rec.Backup(); ok {
					sr.Backup = &b
				}
				sp.Rules = append(sp.Rules, sr)
			}
			ss.Programs = append(ss.Programs, sp)
		}
		snap.Sets = append(snap.Sets, ss)
	}
	return json.Marshal(snap)
}

// Decode rebuilds a registry from Encode output.
func Decode(data []byte) (*Registry, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("decode registry: unsupported version %d", snap.Version)
	}

	r := NewRegistry()
	for _, ss := range snap.Sets {
		if _, dup := r.sets[ss.GUID]; dup {
			return nil, fmt.Errorf("decode registry: duplicate set %s", ss.GUID)
		}
		set := &Set{GUID: ss.GUID, Config: ss.Config, programs: make(map[identity.ID]*Program)}
		r.sets[set.GUID] = set
		for _, sp := range ss.Programs {
			p, err := r.AddProgram(sp.ID, set.GUID)
			if err != nil {
				return nil, fmt.Errorf("decode registry: %w", err)
			}
			p.Description = sp.Description
			p.LastActivity = sp.LastActivity
			for _, sr := range sp.Rules {
				state, err := ParseState(sr.State)
				if err != nil {
					return nil, fmt.Errorf("decode registry: %w", err)
				}
				rec := &RuleRecord{Rule: sr.Rule, Expiration: sr.Expiration, state: state}
				if state != StateApproved && sr.Backup != nil {
					b := *sr.Backup
					rec.backup = &b
				}
				if err := r.AddRule(p, rec); err != nil {
					return nil, fmt.Errorf("decode registry: %w", err)
				}
			}
		}
		if len(set.programs) == 0 {
			delete(r.sets, set.GUID)
		}
	}
	return r, nil
}

// Load reads the registry from p, returning an empty one if nothing is stored.
func Load(ctx context.Context, p Persister) (*Registry, error) {
	data, err := p.LoadRegistry(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return NewRegistry(), nil
	}
	return Decode(data)
}

// Store writes the registry to p.
func Store(ctx context.Context, p Persister, r *Registry) error {
	data, err := r.Encode()
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	return p.StoreRegistry(ctx, data)
}
