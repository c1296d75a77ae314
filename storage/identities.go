package storage

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"todo-api/domain"
)

// CreateIdentity inserts a new identity row.
func (s *Storage) CreateIdentity(ctx context.Context, rec domain.IdentityRecord) error {
	ent, err := newIdentityEntity(rec)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.identityTable.AddEntity(ctx, payload, nil)
	return mapError(err)
}

// GetIdentity reads an identity. Missing identities yield domain.ErrIdentityNotFound.
func (s *Storage) GetIdentity(ctx context.Context, id string) (domain.IdentityRecord, error) {
	resp, err := s.identityTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.IdentityRecord{}, domain.ErrIdentityNotFound
		}
		return domain.IdentityRecord{}, err
	}
	var ent identityEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.IdentityRecord{}, err
	}
	return ent.record()
}

// SaveIdentity replaces an existing identity row.
func (s *Storage) SaveIdentity(ctx context.Context, rec domain.IdentityRecord) error {
	ent, err := newIdentityEntity(rec)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.identityTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	if isNotFound(err) {
		return domain.ErrIdentityNotFound
	}
	return err
}

// DeleteIdentity removes an identity row. Deleting a missing identity succeeds.
func (s *Storage) DeleteIdentity(ctx context.Context, id string) error {
	return s.deleteEntity(ctx, s.identityTable, id, id)
}

// GetCredential looks a credential up. Missing credentials yield domain.ErrNotFound.
func (s *Storage) GetCredential(ctx context.Context, provider, subject string) (domain.CredentialRecord, error) {
	resp, err := s.credentialTable.GetEntity(ctx, provider, credentialRowKey(subject), nil)
	if err != nil {
		return domain.CredentialRecord{}, mapError(err)
	}
	var ent credentialEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.CredentialRecord{}, err
	}
	return ent.record(), nil
}

// AddCredential claims a credential for an identity. A credential that is
// already claimed yields domain.ErrCredentialTaken.
func (s *Storage) AddCredential(ctx context.Context, rec domain.CredentialRecord) error {
	payload, err := sonic.Marshal(newCredentialEntity(rec))
	if err != nil {
		return err
	}
	_, err = s.credentialTable.AddEntity(ctx, payload, nil)
	if statusCode(err) == 409 {
		return domain.ErrCredentialTaken
	}
	return err
}

// DeleteCredential removes a credential. Deleting a missing credential succeeds.
func (s *Storage) DeleteCredential(ctx context.Context, provider, subject string) error {
	return s.deleteEntity(ctx, s.credentialTable, provider, credentialRowKey(subject))
}
