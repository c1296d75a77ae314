package storage

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"todo-api/domain"
)

// entityKeys holds the table keys every entity carries.
type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

const (
	edmInt32 = "Edm.Int32"
	edmInt64 = "Edm.Int64"
)

// taskEntity is a task row. PartitionKey is the owner, RowKey the task id.
type taskEntity struct {
	entityKeys
	ETag      string `json:"odata.etag,omitempty"`
	Title     string `json:"Title"`
	Completed bool   `json:"Completed"`
	Order     int    `json:"Order"`
	OrderType string `json:"Order@odata.type,omitempty"`
}

// taskUpdate carries the merge payload of a task update.
type taskUpdate struct {
	entityKeys
	Completed *bool   `json:"Completed,omitempty"`
	Order     *int    `json:"Order,omitempty"`
	OrderType *string `json:"Order@odata.type,omitempty"`
}

func (e taskEntity) task() domain.Task {
	return domain.Task{
		ID:        e.RowKey,
		Title:     e.Title,
		Completed: e.Completed,
		Order:     e.Order,
		OwnerID:   e.PartitionKey,
		Version:   e.ETag,
	}
}

func newTaskEntity(owner string, t domain.Task) taskEntity {
	return taskEntity{
		entityKeys: entityKeys{PartitionKey: owner, RowKey: t.ID},
		Title:      t.Title,
		Completed:  t.Completed,
		Order:      t.Order,
		OrderType:  edmInt32,
	}
}

func newTaskUpdate(owner, id string, p domain.TaskPatch) taskUpdate {
	u := taskUpdate{
		entityKeys: entityKeys{PartitionKey: owner, RowKey: id},
		Completed:  p.Completed,
		Order:      p.Order,
	}
	if p.Order != nil {
		t := edmInt32
		u.OrderType = &t
	}
	return u
}

// preferenceEntity is keyed by the identity id in both keys.
type preferenceEntity struct {
	entityKeys
	DarkMode bool `json:"DarkMode"`
}

type preferenceUpdate struct {
	entityKeys
	DarkMode *bool `json:"DarkMode,omitempty"`
}

type identityEntity struct {
	entityKeys
	Anonymous     bool   `json:"Anonymous"`
	Providers     string `json:"Providers"`
	Credentials   string `json:"Credentials"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

func newIdentityEntity(rec domain.IdentityRecord) (identityEntity, error) {
	creds, err := sonic.MarshalString(rec.Credentials)
	if err != nil {
		return identityEntity{}, err
	}
	return identityEntity{
		entityKeys:    entityKeys{PartitionKey: rec.ID, RowKey: rec.ID},
		Anonymous:     rec.Anonymous,
		Providers:     strings.Join(rec.Providers, ","),
		Credentials:   creds,
		CreatedAt:     rec.CreatedAt.UnixMilli(),
		CreatedAtType: edmInt64,
	}, nil
}

func (e identityEntity) record() (domain.IdentityRecord, error) {
	var providers []string
	if e.Providers != "" {
		providers = strings.Split(e.Providers, ",")
	}
	var creds []domain.CredentialKey
	if e.Credentials != "" && e.Credentials != "null" {
		if err := sonic.UnmarshalString(e.Credentials, &creds); err != nil {
			return domain.IdentityRecord{}, err
		}
	}
	return domain.IdentityRecord{
		Identity: domain.Identity{
			ID:        e.RowKey,
			Anonymous: e.Anonymous,
			Providers: providers,
		},
		CreatedAt:   time.UnixMilli(e.CreatedAt).UTC(),
		Credentials: creds,
	}, nil
}

// credentialEntity is partitioned by provider. Subjects may contain
// characters that are not allowed in a RowKey, so the key is encoded and the
// raw subject kept as a property.
type credentialEntity struct {
	entityKeys
	Subject      string `json:"Subject"`
	IdentityID   string `json:"IdentityID"`
	PasswordHash string `json:"PasswordHash,omitempty"`
}

func credentialRowKey(subject string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(subject))
}

func newCredentialEntity(rec domain.CredentialRecord) credentialEntity {
	return credentialEntity{
		entityKeys:   entityKeys{PartitionKey: rec.Provider, RowKey: credentialRowKey(rec.Subject)},
		Subject:      rec.Subject,
		IdentityID:   rec.IdentityID,
		PasswordHash: rec.PasswordHash,
	}
}

func (e credentialEntity) record() domain.CredentialRecord {
	return domain.CredentialRecord{
		Provider:     e.PartitionKey,
		Subject:      e.Subject,
		IdentityID:   e.IdentityID,
		PasswordHash: e.PasswordHash,
	}
}
