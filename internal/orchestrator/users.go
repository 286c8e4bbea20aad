package orchestrator

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/activetigger/activetigger/internal/domain"
)

// RoleRoot is the server-wide role of the bootstrap account. Root passes
// every check of the matrix, including MANAGE_SERVER.
const RoleRoot = "root"

const minPasswordLen = 6

// argon2id parameters, PHC-encoded alongside each hash so they can be
// raised later without invalidating stored credentials.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonSaltLen = 16
	argonKeyLen  = 32
)

// HashPassword derives an argon2id hash in PHC string format.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("op=orchestrator.HashPassword: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks a password against a PHC argon2id string.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("op=orchestrator.VerifyPassword: malformed hash: %w", domain.ErrInternal)
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("op=orchestrator.VerifyPassword: %v: %w", err, domain.ErrInternal)
	}
	var mem, iter uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &par); err != nil {
		return false, fmt.Errorf("op=orchestrator.VerifyPassword: %v: %w", err, domain.ErrInternal)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("op=orchestrator.VerifyPassword: %v: %w", err, domain.ErrInternal)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("op=orchestrator.VerifyPassword: %v: %w", err, domain.ErrInternal)
	}
	got := argon2.IDKey([]byte(password), salt, iter, mem, par, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Users manages accounts and the per-project authorization matrix.
type Users struct {
	Users domain.UserRepo
	Auth  domain.AuthRepo
	Log   *slog.Logger
}

// Create registers a new account. Passwords shorter than six characters
// are rejected.
func (u *Users) Create(ctx context.Context, name, password, role, mail, createdBy string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("op=users.Create: empty name: %w", domain.ErrInvalid)
	}
	if len(password) < minPasswordLen {
		return fmt.Errorf("op=users.Create: password under %d chars: %w", minPasswordLen, domain.ErrInvalid)
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return err
	}
	user := domain.User{
		Name:       name,
		HashedPass: hashed,
		Role:       role,
		Mail:       mail,
		CreatedBy:  createdBy,
	}
	if err := u.Users.Add(ctx, user); err != nil {
		return fmt.Errorf("op=users.Create: %w", err)
	}
	u.Log.Info("user created", slog.String("user", name), slog.String("by", createdBy))
	return nil
}

// Authenticate verifies credentials. A deactivated account or a bad
// password is ErrForbidden; the caller cannot tell the two apart.
func (u *Users) Authenticate(ctx context.Context, name, password string) (domain.User, error) {
	user, err := u.Users.Get(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, fmt.Errorf("op=users.Authenticate: %w", domain.ErrForbidden)
		}
		return domain.User{}, err
	}
	if user.DeactivatedAt != nil {
		return domain.User{}, fmt.Errorf("op=users.Authenticate: account deactivated: %w", domain.ErrForbidden)
	}
	ok, err := VerifyPassword(password, user.HashedPass)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, fmt.Errorf("op=users.Authenticate: %w", domain.ErrForbidden)
	}
	return user, nil
}

// ChangePassword rehashes and stores a new password.
func (u *Users) ChangePassword(ctx context.Context, name, password string) error {
	if len(password) < minPasswordLen {
		return fmt.Errorf("op=users.ChangePassword: password under %d chars: %w", minPasswordLen, domain.ErrInvalid)
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return err
	}
	return u.Users.SetPassword(ctx, name, hashed)
}

// Deactivate disables an account. Root cannot be deactivated.
func (u *Users) Deactivate(ctx context.Context, name string) error {
	if name == RoleRoot {
		return fmt.Errorf("op=users.Deactivate: root account: %w", domain.ErrForbidden)
	}
	return u.Users.Deactivate(ctx, name)
}

// SetAuth grants a project role to a user.
func (u *Users) SetAuth(ctx context.Context, project, name string, role domain.Role) error {
	switch role {
	case domain.RoleManager, domain.RoleAnnotator:
	default:
		return fmt.Errorf("op=users.SetAuth: role %q: %w", role, domain.ErrInvalid)
	}
	return u.Auth.Set(ctx, project, name, role)
}

// DeleteAuth revokes a user's project role. The root grant is immutable.
func (u *Users) DeleteAuth(ctx context.Context, project, name string) error {
	if name == RoleRoot {
		return fmt.Errorf("op=users.DeleteAuth: root account: %w", domain.ErrForbidden)
	}
	return u.Auth.Delete(ctx, project, name)
}

// Allowed checks the role matrix: root passes everything, MANAGE_SERVER
// needs the root role, project managers act freely, annotators read and
// annotate. A missing auth row denies without error.
func (u *Users) Allowed(ctx context.Context, user domain.User, project string, action domain.Action) (bool, error) {
	if user.Role == RoleRoot {
		return true, nil
	}
	if action == domain.ActionManageServer {
		return false, nil
	}
	role, err := u.Auth.Get(ctx, project, user.Name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	switch role {
	case domain.RoleManager:
		return true, nil
	case domain.RoleAnnotator:
		return action == domain.ActionGet || action == domain.ActionAdd, nil
	}
	return false, nil
}

// EnsureRoot seeds the root account on first boot. An existing root
// account is left untouched.
func (u *Users) EnsureRoot(ctx context.Context, password string) error {
	_, err := u.Users.Get(ctx, RoleRoot)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if len(password) < minPasswordLen {
		return fmt.Errorf("op=users.EnsureRoot: password under %d chars: %w", minPasswordLen, domain.ErrInvalid)
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := u.Users.Add(ctx, domain.User{Name: RoleRoot, HashedPass: hashed, Role: RoleRoot, CreatedBy: "system"}); err != nil {
		return fmt.Errorf("op=users.EnsureRoot: %w", err)
	}
	u.Log.Info("root account created")
	return nil
}
