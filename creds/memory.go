package creds

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// record is the storage-side view of a user; it carries the password
// hash that User deliberately omits.
type record struct {
	user User
	hash []byte
}

// MemoryService is an in-memory Service backed by a single mutex,
// the same single-serialization-point model a write-ahead-logged
// embedded database would use. It exists for tests and for standalone
// deployments that don't need a persistent credential store.
type MemoryService struct {
	mu      sync.Mutex
	users   map[string]*record // keyed by lowercased full address
	domains map[string]bool    // explicitly registered local domains, lowercased
}

// NewMemoryService returns an empty MemoryService with domain marked
// local for every user subsequently created under it.
func NewMemoryService() *MemoryService {
	return &MemoryService{users: make(map[string]*record), domains: make(map[string]bool)}
}

// AddLocalDomain registers domain as locally served even before any
// user exists under it, matching the [smtp] local_domains list.
func (m *MemoryService) AddLocalDomain(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[strings.ToLower(domain)] = true
}

func splitAddress(fullAddress string) (user, domain string) {
	at := strings.LastIndexByte(fullAddress, '@')
	if at < 0 {
		return fullAddress, ""
	}
	return fullAddress[:at], fullAddress[at+1:]
}

func normalize(fullAddress string) string {
	return strings.ToLower(fullAddress)
}

func (m *MemoryService) Authenticate(ctx context.Context, fullAddress, password string) (bool, error) {
	m.mu.Lock()
	rec, ok := m.users[normalize(fullAddress)]
	m.mu.Unlock()
	if !ok || !rec.user.Active {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword(rec.hash, []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryService) GetUser(ctx context.Context, fullAddress string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[normalize(fullAddress)]
	if !ok {
		return nil, ErrNotFound
	}
	u := rec.user
	return &u, nil
}

func (m *MemoryService) CreateUser(ctx context.Context, fullAddress, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	username, domain := splitAddress(fullAddress)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[normalize(fullAddress)] = &record{
		user: User{Username: username, Domain: domain, Active: true},
		hash: hash,
	}
	return nil
}

func (m *MemoryService) ListUsers(ctx context.Context, domain string) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*User
	for _, rec := range m.users {
		if domain != "" && !strings.EqualFold(rec.user.Domain, domain) {
			continue
		}
		u := rec.user
		out = append(out, &u)
	}
	return out, nil
}

func (m *MemoryService) IsLocalDomain(ctx context.Context, domain string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.domains[strings.ToLower(domain)] {
		return true, nil
	}
	for _, rec := range m.users {
		if strings.EqualFold(rec.user.Domain, domain) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryService) ListDomains(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for d := range m.domains {
		seen[d] = true
		out = append(out, d)
	}
	for _, rec := range m.users {
		d := strings.ToLower(rec.user.Domain)
		if !seen[d] {
			seen[d] = true
			out = append(out, rec.user.Domain)
		}
	}
	return out, nil
}

// SetQuota updates a user's quota and used bytes, used by tests that
// exercise quota reporting without a full CreateUser/Deliver round trip.
func (m *MemoryService) SetQuota(fullAddress string, quota, used int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.users[normalize(fullAddress)]; ok {
		rec.user.Quota = quota
		rec.user.Used = used
	}
}

// SetActive toggles a user's active flag, used by tests that exercise
// the disabled-account path.
func (m *MemoryService) SetActive(fullAddress string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.users[normalize(fullAddress)]; ok {
		rec.user.Active = active
	}
}
