package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/hrygo/wxrelay/internal/bus"
	"github.com/hrygo/wxrelay/internal/model"
)

// Store wraps a Driver with the in-memory caches that serve the hot loops
// named in the spec: the enabled-rule set, the enabled-platform set, and
// the enabled-instance set. Caches are refreshed synchronously on every
// mutating call through Store (so a caller never observes a stale read
// immediately after its own write) and the corresponding reload event is
// published afterward so other components (rule engine, platform registry,
// supervisor, delivery pipeline) can re-hydrate their own derived state.
type Store struct {
	driver Driver
	bus    *bus.Bus
	box    *secretBox

	mu        sync.RWMutex
	instances map[string]*model.Instance
	platforms map[string]*model.Platform
	rules     map[string]*model.Rule
}

// New constructs a Store over driver, publishing reload events on b and
// sealing secret fields with masterKeyHex (empty disables sealing, useful
// for tests).
func New(ctx context.Context, driver Driver, b *bus.Bus, masterKeyHex string) (*Store, error) {
	box, err := newSecretBox(masterKeyHex)
	if err != nil {
		return nil, err
	}
	s := &Store{driver: driver, bus: b, box: box}
	if err := s.warmCaches(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) warmCaches(ctx context.Context) error {
	instances, err := s.driver.ListEnabledInstances(ctx)
	if err != nil {
		return errors.Wrap(err, "warm instance cache")
	}
	platforms, err := s.driver.ListEnabledPlatforms(ctx)
	if err != nil {
		return errors.Wrap(err, "warm platform cache")
	}
	rules, err := s.driver.ListEnabledRules(ctx)
	if err != nil {
		return errors.Wrap(err, "warm rule cache")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = indexByID(instances, func(i *model.Instance) string { return i.ID })
	s.platforms = indexByID(platforms, func(p *model.Platform) string { return p.ID })
	s.rules = indexByID(rules, func(r *model.Rule) string { return r.ID })
	for _, p := range s.platforms {
		unsealPlatformSecrets(s.box, p)
	}
	for _, i := range s.instances {
		unsealInstanceSecret(s.box, i)
	}
	return nil
}

func indexByID[T any](items []T, key func(T) string) map[string]T {
	m := make(map[string]T, len(items))
	for _, it := range items {
		m[key(it)] = it
	}
	return m
}

// Driver exposes the underlying driver, e.g. for Migrate at startup.
func (s *Store) Driver() Driver { return s.driver }

// Bus exposes the reload bus so other components can Subscribe.
func (s *Store) Bus() *bus.Bus { return s.bus }

// EnabledInstances returns a snapshot slice of the cached enabled instances.
func (s *Store) EnabledInstances() []*model.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Instance, 0, len(s.instances))
	for _, i := range s.instances {
		cp := *i
		out = append(out, &cp)
	}
	return out
}

// EnabledPlatforms returns a snapshot slice of the cached enabled platforms.
func (s *Store) EnabledPlatforms() []*model.Platform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Platform, 0, len(s.platforms))
	for _, p := range s.platforms {
		out = append(out, clonePlatform(p))
	}
	return out
}

// GetEnabledPlatform returns the cached enabled platform by id, or false.
func (s *Store) GetEnabledPlatform(id string) (*model.Platform, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.platforms[id]
	if !ok {
		return nil, false
	}
	return clonePlatform(p), true
}

// EnabledRules returns a snapshot slice of the cached enabled rules.
func (s *Store) EnabledRules() []*model.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func clonePlatform(p *model.Platform) *model.Platform {
	cp := *p
	cp.Config = make(map[string]any, len(p.Config))
	for k, v := range p.Config {
		cp.Config[k] = v
	}
	return &cp
}

// --- Mutating operations: write through the driver, refresh the relevant
// cache entry, then publish the reload event. ---

func (s *Store) CreateInstance(ctx context.Context, in *model.Instance) error {
	sealed := *in
	sealedKey, err := s.box.seal(in.APIKey)
	if err != nil {
		return err
	}
	sealed.APIKey = sealedKey
	if err := s.driver.CreateInstance(ctx, &sealed); err != nil {
		return err
	}
	in.ID = sealed.ID
	s.refreshInstanceCache(ctx, in.ID)
	s.bus.Publish(bus.InstanceAdded, in.ID)
	return nil
}

func (s *Store) UpdateInstance(ctx context.Context, in *model.Instance) error {
	sealed := *in
	sealedKey, err := s.box.seal(in.APIKey)
	if err != nil {
		return err
	}
	sealed.APIKey = sealedKey
	if err := s.driver.UpdateInstance(ctx, &sealed); err != nil {
		return err
	}
	s.refreshInstanceCache(ctx, in.ID)
	s.bus.Publish(bus.InstanceUpdated, in.ID)
	return nil
}

func (s *Store) SetInstanceEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.driver.SetInstanceEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.refreshInstanceCache(ctx, id)
	kind := bus.InstanceDisabled
	if enabled {
		kind = bus.InstanceEnabled
	}
	s.bus.Publish(kind, id)
	return nil
}

func (s *Store) refreshInstanceCache(ctx context.Context, id string) {
	in, err := s.driver.GetInstance(ctx, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || in == nil || !in.Enabled {
		delete(s.instances, id)
		return
	}
	unsealInstanceSecret(s.box, in)
	s.instances[id] = in
}

func unsealInstanceSecret(box *secretBox, in *model.Instance) {
	if key, err := box.open(in.APIKey); err == nil {
		in.APIKey = key
	}
}

func (s *Store) CreatePlatform(ctx context.Context, p *model.Platform) error {
	sealed, err := sealPlatform(s.box, p)
	if err != nil {
		return err
	}
	if err := s.driver.CreatePlatform(ctx, sealed); err != nil {
		return err
	}
	p.ID = sealed.ID
	s.refreshPlatformCache(ctx, p.ID)
	s.bus.Publish(bus.PlatformAdded, p.ID)
	return nil
}

func (s *Store) UpdatePlatform(ctx context.Context, p *model.Platform) error {
	sealed, err := sealPlatform(s.box, p)
	if err != nil {
		return err
	}
	if err := s.driver.UpdatePlatform(ctx, sealed); err != nil {
		return err
	}
	s.refreshPlatformCache(ctx, p.ID)
	s.bus.Publish(bus.PlatformUpdated, p.ID)
	return nil
}

func (s *Store) DeletePlatform(ctx context.Context, id string) error {
	if err := s.driver.DeletePlatform(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.platforms, id)
	s.mu.Unlock()
	s.bus.Publish(bus.PlatformRemoved, id)
	return nil
}

func (s *Store) refreshPlatformCache(ctx context.Context, id string) {
	p, err := s.driver.GetPlatform(ctx, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || p == nil || !p.Enabled {
		delete(s.platforms, id)
		return
	}
	unsealPlatformSecrets(s.box, p)
	s.platforms[id] = p
}

func sealPlatform(box *secretBox, p *model.Platform) (*model.Platform, error) {
	cp := clonePlatform(p)
	for k := range cp.Config {
		if !secretConfigKeys[k] {
			continue
		}
		str, ok := cp.Config[k].(string)
		if !ok {
			continue
		}
		sealed, err := box.seal(str)
		if err != nil {
			return nil, err
		}
		cp.Config[k] = sealed
	}
	return cp, nil
}

func unsealPlatformSecrets(box *secretBox, p *model.Platform) {
	for k, v := range p.Config {
		if !secretConfigKeys[k] {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		if opened, err := box.open(str); err == nil {
			p.Config[k] = opened
		}
	}
}

func (s *Store) CreateRule(ctx context.Context, r *model.Rule) error {
	if err := s.driver.CreateRule(ctx, r); err != nil {
		return err
	}
	s.refreshRuleCache(ctx, r.ID)
	s.bus.Publish(bus.RuleAdded, r.ID)
	return nil
}

func (s *Store) UpdateRule(ctx context.Context, r *model.Rule) error {
	if err := s.driver.UpdateRule(ctx, r); err != nil {
		return err
	}
	s.refreshRuleCache(ctx, r.ID)
	s.bus.Publish(bus.RuleUpdated, r.ID)
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	if err := s.driver.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.rules, id)
	s.mu.Unlock()
	s.bus.Publish(bus.RuleRemoved, id)
	return nil
}

func (s *Store) refreshRuleCache(ctx context.Context, id string) {
	r, err := s.driver.GetRule(ctx, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || r == nil || !r.Enabled {
		delete(s.rules, id)
		return
	}
	s.rules[id] = r
}

func (s *Store) UpsertFixedListener(ctx context.Context, f *model.FixedListener) error {
	if err := s.driver.UpsertFixedListener(ctx, f); err != nil {
		return err
	}
	s.bus.Publish(bus.FixedListenerChange, f.ID)
	return nil
}

func (s *Store) DeleteFixedListener(ctx context.Context, id string) error {
	if err := s.driver.DeleteFixedListener(ctx, id); err != nil {
		return err
	}
	s.bus.Publish(bus.FixedListenerChange, id)
	return nil
}

// Close releases the underlying driver's resources.
func (s *Store) Close() error { return s.driver.Close() }
