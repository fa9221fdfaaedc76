package identity

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

type memoryUser struct {
	User
	usernameNorm string
	emailNorm    string
	passwordHash string
}

// MemoryStore is an in-process Store. Ids start at 1 and increase.
type MemoryStore struct {
	hasher Hasher

	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]*memoryUser
	byName  map[string]*memoryUser
	byEmail map[string]*memoryUser
}

// NewMemoryStore returns an empty store. A nil hasher means DefaultHasher.
func NewMemoryStore(h Hasher) *MemoryStore {
	if h == nil {
		h = DefaultHasher()
	}
	return &MemoryStore{
		hasher:  h,
		byID:    make(map[int64]*memoryUser),
		byName:  make(map[string]*memoryUser),
		byEmail: make(map[string]*memoryUser),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	n, err := in.normalize(op)
	if err != nil {
		return User{}, err
	}
	hash, err := s.hasher.Hash(n.Password)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[n.usernameNorm]; ok {
		return User{}, ConflictError{Op: op, Field: "username"}
	}
	if _, ok := s.byEmail[n.emailNorm]; ok {
		return User{}, ConflictError{Op: op, Field: "email"}
	}

	s.nextID++
	u := &memoryUser{
		User: User{
			ID:        s.nextID,
			Username:  n.Username,
			FirstName: n.FirstName,
			LastName:  n.LastName,
			Email:     n.Email,
			Role:      n.Role,
			CreatedAt: n.Now,
		},
		usernameNorm: n.usernameNorm,
		emailNorm:    n.emailNorm,
		passwordHash: hash,
	}
	s.byID[u.ID] = u
	s.byName[u.usernameNorm] = u
	s.byEmail[u.emailNorm] = u
	return u.User, nil
}

func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byName[NormalizeUsername(username)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByUsername", Resource: "user"}
	}
	return u.User, nil
}

func (s *MemoryStore) UserIDByUsername(ctx context.Context, username string) (int64, error) {
	u, err := s.GetUserByUsername(ctx, username)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

func (s *MemoryStore) GetUsersByID(ctx context.Context, ids []int64) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]User, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if u, ok := s.byID[id]; ok {
			out = append(out, u.User)
		}
	}
	s.mu.RUnlock()

	sortByUsername(out)
	return out, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context, excludeUsername string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	skip := NormalizeUsername(excludeUsername)

	s.mu.RLock()
	out := make([]User, 0, len(s.byID))
	for norm, u := range s.byName {
		if norm == skip {
			continue
		}
		out = append(out, u.User)
	}
	s.mu.RUnlock()

	sortByUsername(out)
	return out, nil
}

func (s *MemoryStore) Authenticate(ctx context.Context, username, plain string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	u, found := s.byName[NormalizeUsername(username)]
	var (
		user User
		hash string
	)
	if found {
		user, hash = u.User, u.passwordHash
	}
	s.mu.RUnlock()

	return checkPassword(s.hasher, "identity.Authenticate", user, hash, found, plain)
}

func sortByUsername(users []User) {
	slices.SortFunc(users, func(a, b User) int {
		if c := cmp.Compare(NormalizeUsername(a.Username), NormalizeUsername(b.Username)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
