// Package identity issues and resolves session principals: anonymous
// identities, password and Google credentials, session tokens, and the
// per-session client that reports auth-state changes.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"todo-api/domain"
)

// Store persists identities and the credentials bound to them.
type Store interface {
	CreateIdentity(ctx context.Context, rec domain.IdentityRecord) error
	GetIdentity(ctx context.Context, id string) (domain.IdentityRecord, error)
	SaveIdentity(ctx context.Context, rec domain.IdentityRecord) error
	DeleteIdentity(ctx context.Context, id string) error
	GetCredential(ctx context.Context, provider, subject string) (domain.CredentialRecord, error)
	AddCredential(ctx context.Context, rec domain.CredentialRecord) error
	DeleteCredential(ctx context.Context, provider, subject string) error
}

// FederatedVerifier validates a federated ID token.
type FederatedVerifier interface {
	Verify(idToken string) (subject, email string, err error)
}

const minPasswordLength = 6

// Service is the identity provider.
type Service struct {
	store  Store
	google FederatedVerifier
	tokens *Tokens
	logger *log.Logger
	now    func() time.Time
	cost   int
}

// NewService creates a Service. google may be nil, which disables Google
// sign-in.
func NewService(store Store, tokens *Tokens, google FederatedVerifier, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		store:  store,
		google: google,
		tokens: tokens,
		logger: logger,
		now:    time.Now,
		cost:   bcrypt.DefaultCost,
	}
}

// CreateAnonymous creates a fresh anonymous identity.
func (s *Service) CreateAnonymous(ctx context.Context) (domain.Identity, error) {
	rec := domain.IdentityRecord{
		Identity:  domain.Identity{ID: uuid.NewString(), Anonymous: true},
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateIdentity(ctx, rec); err != nil {
		return domain.Identity{}, fmt.Errorf("create anonymous identity: %w", err)
	}
	s.logger.WithField("identity", rec.ID).Debug("anonymous identity created")
	return rec.Identity, nil
}

// resolved is a credential after verification.
type resolved struct {
	key      domain.CredentialKey
	password string
}

func (s *Service) resolve(cred domain.Credential) (resolved, error) {
	switch cred.Provider {
	case domain.ProviderPassword:
		email := cred.NormalizedEmail()
		if email == "" || len(cred.Password) < minPasswordLength {
			return resolved{}, domain.ErrInvalidCredential
		}
		return resolved{key: domain.CredentialKey{Provider: cred.Provider, Subject: email}, password: cred.Password}, nil
	case domain.ProviderGoogle:
		if s.google == nil {
			return resolved{}, domain.ErrUnsupportedProvider
		}
		sub, _, err := s.google.Verify(cred.IDToken)
		if err != nil {
			return resolved{}, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
		}
		return resolved{key: domain.CredentialKey{Provider: cred.Provider, Subject: sub}}, nil
	default:
		return resolved{}, domain.ErrUnsupportedProvider
	}
}

func (s *Service) checkPassword(rec domain.CredentialRecord, r resolved) error {
	if rec.Provider != domain.ProviderPassword {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(r.password)); err != nil {
		return domain.ErrInvalidCredential
	}
	return nil
}

func (s *Service) newCredentialRecord(r resolved, identityID string) (domain.CredentialRecord, error) {
	rec := domain.CredentialRecord{Provider: r.key.Provider, Subject: r.key.Subject, IdentityID: identityID}
	if r.key.Provider == domain.ProviderPassword {
		hash, err := bcrypt.GenerateFromPassword([]byte(r.password), s.cost)
		if err != nil {
			return domain.CredentialRecord{}, err
		}
		rec.PasswordHash = string(hash)
	}
	return rec, nil
}

// SignIn resolves a permanent credential to its identity. A credential seen
// for the first time creates a new permanent identity and created is true.
func (s *Service) SignIn(ctx context.Context, cred domain.Credential) (id domain.Identity, created bool, err error) {
	r, err := s.resolve(cred)
	if err != nil {
		return domain.Identity{}, false, err
	}
	existing, err := s.store.GetCredential(ctx, r.key.Provider, r.key.Subject)
	switch {
	case err == nil:
		if err := s.checkPassword(existing, r); err != nil {
			return domain.Identity{}, false, err
		}
		rec, err := s.store.GetIdentity(ctx, existing.IdentityID)
		if err != nil {
			return domain.Identity{}, false, err
		}
		return rec.Identity, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Identity{}, false, err
	}

	rec := domain.IdentityRecord{
		Identity:    domain.Identity{ID: uuid.NewString(), Providers: []string{r.key.Provider}},
		CreatedAt:   s.now().UTC(),
		Credentials: []domain.CredentialKey{r.key},
	}
	credRec, err := s.newCredentialRecord(r, rec.ID)
	if err != nil {
		return domain.Identity{}, false, err
	}
	if err := s.store.AddCredential(ctx, credRec); err != nil {
		if errors.Is(err, domain.ErrCredentialTaken) {
			// Lost a race with another first sign-in; use the winner.
			return s.SignIn(ctx, cred)
		}
		return domain.Identity{}, false, err
	}
	if err := s.store.CreateIdentity(ctx, rec); err != nil {
		_ = s.store.DeleteCredential(context.WithoutCancel(ctx), r.key.Provider, r.key.Subject)
		return domain.Identity{}, false, fmt.Errorf("create identity: %w", err)
	}
	s.logger.WithFields(log.Fields{"identity": rec.ID, "provider": r.key.Provider}).Info("identity created")
	return rec.Identity, true, nil
}

// Link attaches a permanent credential to identity id. When the credential
// already belongs to another identity a *domain.MergeConflictError is
// returned and nothing changes.
func (s *Service) Link(ctx context.Context, id string, cred domain.Credential) (domain.Identity, error) {
	r, err := s.resolve(cred)
	if err != nil {
		return domain.Identity{}, err
	}
	rec, err := s.store.GetIdentity(ctx, id)
	if err != nil {
		return domain.Identity{}, err
	}
	existing, err := s.store.GetCredential(ctx, r.key.Provider, r.key.Subject)
	switch {
	case err == nil && existing.IdentityID == id:
		return rec.Identity, nil
	case err == nil:
		return domain.Identity{}, &domain.MergeConflictError{Credential: cred, ExistingID: existing.IdentityID}
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Identity{}, err
	}

	credRec, err := s.newCredentialRecord(r, id)
	if err != nil {
		return domain.Identity{}, err
	}
	if err := s.store.AddCredential(ctx, credRec); err != nil {
		if errors.Is(err, domain.ErrCredentialTaken) {
			winner, gerr := s.store.GetCredential(ctx, r.key.Provider, r.key.Subject)
			if gerr != nil {
				return domain.Identity{}, gerr
			}
			return domain.Identity{}, &domain.MergeConflictError{Credential: cred, ExistingID: winner.IdentityID}
		}
		return domain.Identity{}, err
	}
	rec.Anonymous = false
	if !slices.Contains(rec.Providers, r.key.Provider) {
		rec.Providers = append(rec.Providers, r.key.Provider)
	}
	rec.Credentials = append(rec.Credentials, r.key)
	if err := s.store.SaveIdentity(ctx, rec); err != nil {
		_ = s.store.DeleteCredential(context.WithoutCancel(ctx), r.key.Provider, r.key.Subject)
		return domain.Identity{}, fmt.Errorf("save identity: %w", err)
	}
	s.logger.WithFields(log.Fields{"identity": id, "provider": r.key.Provider}).Info("credential linked")
	return rec.Identity, nil
}

// Get loads an identity.
func (s *Service) Get(ctx context.Context, id string) (domain.Identity, error) {
	rec, err := s.store.GetIdentity(ctx, id)
	if err != nil {
		return domain.Identity{}, err
	}
	return rec.Identity, nil
}

// Resume verifies a session token and loads the identity it names.
func (s *Service) Resume(ctx context.Context, token string) (domain.Identity, error) {
	sub, err := s.tokens.Verify(token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	return s.Get(ctx, sub)
}

// Delete removes an identity and every credential bound to it. Deleting a
// missing identity succeeds.
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.store.GetIdentity(ctx, id)
	if errors.Is(err, domain.ErrIdentityNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, k := range rec.Credentials {
		if err := s.store.DeleteCredential(ctx, k.Provider, k.Subject); err != nil {
			return fmt.Errorf("delete credential: %w", err)
		}
	}
	if err := s.store.DeleteIdentity(ctx, id); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	s.logger.WithField("identity", id).Info("identity deleted")
	return nil
}

// Token issues a session token for id.
func (s *Service) Token(id domain.Identity) (string, error) {
	return s.tokens.Issue(id)
}
