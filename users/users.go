// Package users is the directory of helpdesk accounts: argon2id password
// hashes, roles and an optional TOTP second factor sealed at rest.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pquerna/otp/totp"

	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/internal/util"
	"github.com/jmcleod/ironguard/internal/uuid"
	"github.com/jmcleod/ironguard/storage"
)

const (
	// Namespace is the storage namespace owned by the directory.
	Namespace = "__users"

	userRecordType    = "USER"
	usernameIndexType = "USERNAME"
	totpAADPrefix     = "ironguard:totp:v1:"
	totpIssuer        = "IronGuard"

	RoleAdmin = "admin"
	RoleAgent = "agent"

	minPasswordLen = 8
)

var (
	// ErrInvalidCredentials is returned for a wrong password and for an
	// unknown username alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("username already taken")
	ErrInvalidUser        = errors.New("invalid user")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidTOTP        = errors.New("invalid second factor code")
	ErrTOTPNotEnabled     = errors.New("second factor not enabled")
)

// User is a directory entry.
type User struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	DisplayName  string            `json:"display_name,omitempty"`
	Roles        []string          `json:"roles"`
	PasswordHash string            `json:"password_hash"`
	TOTP         *storage.Envelope `json:"totp,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// HasRole reports whether u holds role.
func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// TOTPEnabled reports whether a second factor is enrolled.
func (u *User) TOTPEnabled() bool {
	return u.TOTP != nil
}

func (u *User) snapshot() audit.UserSnapshot {
	return audit.UserSnapshot{Username: u.Username, Roles: u.Roles}
}

// NewUser is the input to Create.
type NewUser struct {
	Username    string
	DisplayName string
	Password    string
	Roles       []string
}

// Directory stores users in the audit log's repository.
type Directory struct {
	log       *audit.Log
	repo      storage.Repository
	params    util.Argon2idParams
	sealKey   *memguard.Enclave
	dummyHash string
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithArgon2Params sets the password hashing cost.
func WithArgon2Params(p util.Argon2idParams) Option {
	return func(d *Directory) { d.params = p }
}

// WithSealingKey sets the 32-byte key that seals TOTP secrets. The slice is
// wiped once moved into protected memory.
func WithSealingKey(key []byte) Option {
	return func(d *Directory) {
		if len(key) == 32 {
			d.sealKey = memguard.NewEnclave(key)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) { d.logger = logger }
}

// NewDirectory returns a Directory. Without a sealing key an ephemeral one
// is generated and TOTP enrolments do not survive a restart.
func NewDirectory(log *audit.Log, opts ...Option) (*Directory, error) {
	d := &Directory{
		log:    log,
		repo:   log.Repository(),
		params: util.DefaultArgon2idParams(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "users")
	if err := util.ValidateArgon2idParams(d.params); err != nil {
		return nil, err
	}
	if d.sealKey == nil {
		key, err := util.NewAESKey()
		if err != nil {
			return nil, err
		}
		d.sealKey = memguard.NewEnclave(key)
		d.logger.Warn("no TOTP sealing key configured; using an ephemeral key")
	}
	dummy, err := util.HashPassword("ironguard-timing-equaliser", d.params)
	if err != nil {
		return nil, fmt.Errorf("preparing dummy hash: %w", err)
	}
	d.dummyHash = dummy
	return d, nil
}

// Create adds a user and records user.create in the same transaction.
func (d *Directory) Create(ctx context.Context, nu NewUser, actorID string, client audit.Client) (*User, error) {
	username := util.NormalizeIdentifier(nu.Username)
	if username == "" || strings.ContainsAny(username, " \t\r\n") {
		return nil, fmt.Errorf("%w: username %q", ErrInvalidUser, nu.Username)
	}
	if len(nu.Password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidUser, minPasswordLen)
	}
	hash, err := util.HashPassword(nu.Password, d.params)
	if err != nil {
		return nil, err
	}
	roles := nu.Roles
	if len(roles) == 0 {
		roles = []string{RoleAgent}
	}
	u := &User{
		ID:           uuid.New(),
		Username:     username,
		DisplayName:  nu.DisplayName,
		Roles:        roles,
		PasswordHash: hash,
		CreatedAt:    d.now(),
	}

	err = d.log.Transact(ctx, func(tx *audit.Tx) error {
		idx, err := storage.PlainRecord(u.ID, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(Namespace, usernameIndexType, username, 0, idx); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return ErrUserExists
			}
			return err
		}
		if err := putUser(tx, u); err != nil {
			return err
		}
		_, err = tx.Append(audit.Event{
			ActorID:  actorID,
			Action:   audit.ActionUserCreate,
			Entity:   audit.EntityUser,
			EntityID: u.ID,
			After:    u.snapshot(),
			Client:   client,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Get returns the user with the given ID.
func (d *Directory) Get(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return getUser(d.repo, id)
}

// GetByUsername looks a user up by normalized username.
func (d *Directory) GetByUsername(ctx context.Context, username string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := d.repo.Get(Namespace, usernameIndexType, util.NormalizeIdentifier(username))
	if err != nil {
		if isMissing(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	var id string
	if err := storage.DecodePlain(env, &id); err != nil {
		return nil, err
	}
	return getUser(d.repo, id)
}

// Authenticate checks username and password. Unknown usernames cost the
// same argon2id work as known ones and yield the same error.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := d.GetByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		_, _ = util.VerifyPassword(password, d.dummyHash)
		return nil, ErrInvalidCredentials
	}
	ok, err := util.VerifyPassword(password, u.PasswordHash)
	if err != nil {
		d.logger.Error("stored password hash unreadable", "user_id", u.ID, "error", err)
		return nil, ErrInvalidCredentials
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// EnableTOTP enrols a fresh TOTP secret for the user and returns it along
// with its otpauth:// URL for the enrolment UI.
func (d *Directory) EnableTOTP(ctx context.Context, userID string, client audit.Client) (secret, url string, err error) {
	u, err := d.Get(ctx, userID)
	if err != nil {
		return "", "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: u.Username,
	})
	if err != nil {
		return "", "", fmt.Errorf("generating TOTP key: %w", err)
	}
	sealed, err := d.seal(u.ID, key.Secret())
	if err != nil {
		return "", "", err
	}

	err = d.log.Transact(ctx, func(tx *audit.Tx) error {
		current, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		current.TOTP = sealed
		if err := putUser(tx, current); err != nil {
			return err
		}
		_, err = tx.Append(audit.Event{
			ActorID:  userID,
			Action:   audit.ActionUserMFAEnable,
			Entity:   audit.EntityUser,
			EntityID: userID,
			After:    audit.FieldsSnapshot{"mfa": "totp"},
			Client:   client,
		})
		return err
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// VerifyTOTP checks code against the user's enrolled secret.
func (d *Directory) VerifyTOTP(u *User, code string) error {
	if !u.TOTPEnabled() {
		return ErrTOTPNotEnabled
	}
	secret, err := d.open(u.ID, u.TOTP)
	if err != nil {
		d.logger.Error("TOTP secret unreadable", "user_id", u.ID, "error", err)
		return ErrInvalidTOTP
	}
	if !totp.Validate(strings.TrimSpace(code), secret) {
		return ErrInvalidTOTP
	}
	return nil
}

// Count returns the number of users.
func (d *Directory) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ids, err := d.repo.List(Namespace, userRecordType)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Bootstrap creates an admin account when the directory is empty. It
// returns the created user, or nil if users already exist.
func (d *Directory) Bootstrap(ctx context.Context, username, password string) (*User, error) {
	n, err := d.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}
	u, err := d.Create(ctx, NewUser{
		Username:    username,
		DisplayName: "Administrator",
		Password:    password,
		Roles:       []string{RoleAdmin, RoleAgent},
	}, "", audit.Client{Agent: "bootstrap"})
	if err != nil {
		return nil, err
	}
	d.logger.Info("bootstrap admin created", "username", u.Username)
	return u, nil
}

func (d *Directory) seal(userID, secret string) (*storage.Envelope, error) {
	buf, err := d.sealKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening sealing key: %w", err)
	}
	defer buf.Destroy()
	return storage.SealRecord(buf.Bytes(), []byte(secret), []byte(totpAADPrefix+userID))
}

func (d *Directory) open(userID string, env *storage.Envelope) (string, error) {
	buf, err := d.sealKey.Open()
	if err != nil {
		return "", fmt.Errorf("opening sealing key: %w", err)
	}
	defer buf.Destroy()
	plain, err := storage.OpenRecord(buf.Bytes(), env, []byte(totpAADPrefix+userID))
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(plain)
	return string(plain), nil
}

type reader interface {
	Get(namespace, recordType, recordID string) (*storage.Envelope, error)
}

func getUser(r reader, id string) (*User, error) {
	env, err := r.Get(Namespace, userRecordType, id)
	if err != nil {
		if isMissing(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	var u User
	if err := storage.DecodePlain(env, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func putUser(tx storage.BatchTx, u *User) error {
	env, err := storage.PlainRecord(u, 1)
	if err != nil {
		return err
	}
	return tx.Put(Namespace, userRecordType, u.ID, env)
}

func isMissing(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound)
}
