package auth

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lumenhr/lumenhr/internal/shared"
	_ "github.com/lumenhr/lumenhr/testing"
)

type stubRepo struct {
	user     *User
	sessions map[string]int64
}

func (s *stubRepo) FindByEmail(_ context.Context, email string) (*User, error) {
	if s.user == nil || s.user.Email != email {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(_ context.Context, id string, userID int64, _ time.Time, _, _ string) error {
	if s.sessions == nil {
		s.sessions = make(map[string]int64)
	}
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(_ context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

func newStubRepo(t *testing.T, password string, active bool) *stubRepo {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return &stubRepo{user: &User{
		ID:           1,
		Email:        "hana@example.com",
		PasswordHash: string(hash),
		IsActive:     active,
	}}
}

func TestAuthenticate(t *testing.T) {
	svc := NewService(newStubRepo(t, "s3cret", true))

	user, err := svc.Authenticate(context.Background(), "hana@example.com", "s3cret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.ID != 1 {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	svc := NewService(newStubRepo(t, "s3cret", true))
	if _, err := svc.Authenticate(context.Background(), "hana@example.com", "nope"); err != shared.ErrInvalidCredentials {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateUnknownEmail(t *testing.T) {
	svc := NewService(newStubRepo(t, "s3cret", true))
	if _, err := svc.Authenticate(context.Background(), "ghost@example.com", "s3cret"); err != shared.ErrInvalidCredentials {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateInactive(t *testing.T) {
	svc := NewService(newStubRepo(t, "s3cret", false))
	if _, err := svc.Authenticate(context.Background(), "hana@example.com", "s3cret"); err != shared.ErrInvalidCredentials {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	repo := newStubRepo(t, "s3cret", true)
	svc := NewService(repo)
	ctx := context.Background()

	if err := svc.RegisterSession(ctx, "sess-1", 1, time.Now().Add(time.Hour), "127.0.0.1", "go-test"); err != nil {
		t.Fatalf("register session: %v", err)
	}
	if repo.sessions["sess-1"] != 1 {
		t.Fatal("session not stored")
	}
	if err := svc.RemoveSession(ctx, "sess-1"); err != nil {
		t.Fatalf("remove session: %v", err)
	}
	if _, ok := repo.sessions["sess-1"]; ok {
		t.Fatal("session not removed")
	}
}
