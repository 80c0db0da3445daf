package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
	"golang.org/x/crypto/bcrypt"
)

// User is an account known to the InMemoryProvider.
type User struct {
	Identity     Identity
	PasswordHash []byte
	Role         Role
}

// InMemoryProvider implements Provider with local maps. Passwords are kept as
// bcrypt hashes.
type InMemoryProvider struct {
	mu       sync.RWMutex
	users    map[string]*User // by lower-cased e-mail
	byID     map[string]*User
	sessions map[string]Session
	now      func() time.Time
}

// NewInMemoryProvider returns an empty provider.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{
		users:    make(map[string]*User),
		byID:     make(map[string]*User),
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

// userNamespace scopes the name-based user IDs derived by UserID.
var userNamespace = uuid.MustParse("6f1c3a52-2d0e-4b8e-9a57-4c1f0d7e2b90")

// UserID derives a stable user ID from an e-mail address. Lock records store
// this ID, so it must survive restarts.
func UserID(email string) string {
	return uuid.NewSHA1(userNamespace, []byte(strings.ToLower(strings.TrimSpace(email)))).String()
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// AddUser registers a pre-hashed account. An empty ID is derived from the
// e-mail with UserID.
func (p *InMemoryProvider) AddUser(u User) (Identity, error) {
	key := strings.ToLower(u.Identity.Email)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[key]; ok {
		return Identity{}, ErrEmailTaken
	}
	if u.Identity.ID == "" {
		u.Identity.ID = UserID(u.Identity.Email)
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	stored := u
	p.users[key] = &stored
	p.byID[u.Identity.ID] = &stored
	return u.Identity, nil
}

// SignUp implements Provider.SignUp. New accounts get RoleUser.
func (p *InMemoryProvider) SignUp(ctx context.Context, email, password, displayName string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Identity{}, err
	}
	return p.AddUser(User{
		Identity:     Identity{Email: email, DisplayName: displayName},
		PasswordHash: hash,
		Role:         RoleUser,
	})
}

// SignIn implements Provider.SignIn.
func (p *InMemoryProvider) SignIn(ctx context.Context, email, password string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	p.mu.RLock()
	u, ok := p.users[strings.ToLower(email)]
	p.mu.RUnlock()
	if !ok {
		return Session{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	token, err := hcuuid.GenerateUUID()
	if err != nil {
		return Session{}, err
	}
	s := Session{Token: token, Identity: u.Identity, CreatedAt: p.now()}
	p.mu.Lock()
	p.sessions[token] = s
	p.mu.Unlock()
	return s, nil
}

// SignOut implements Provider.SignOut. Unknown tokens are ignored.
func (p *InMemoryProvider) SignOut(ctx context.Context, token string) error {
	p.mu.Lock()
	delete(p.sessions, token)
	p.mu.Unlock()
	return nil
}

// Current implements Provider.Current.
func (p *InMemoryProvider) Current(ctx context.Context, token string) (Session, error) {
	p.mu.RLock()
	s, ok := p.sessions[token]
	p.mu.RUnlock()
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return s, nil
}

// Role implements Provider.Role. Unknown users are plain users.
func (p *InMemoryProvider) Role(ctx context.Context, userID string) (Role, error) {
	p.mu.RLock()
	u, ok := p.byID[userID]
	p.mu.RUnlock()
	if !ok {
		return RoleUser, nil
	}
	return u.Role, nil
}
