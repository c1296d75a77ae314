package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"todo-api/domain"
)

// Tables names the tables the service keeps its documents in.
type Tables struct {
	Tasks       string
	Preferences string
	Identities  string
	Credentials string
}

// Storage is the Azure Table Storage document store.
type Storage struct {
	taskTable       *aztables.Client
	preferenceTable *aztables.Client
	identityTable   *aztables.Client
	credentialTable *aztables.Client
}

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:       svc.NewClient(tables.Tasks),
		preferenceTable: svc.NewClient(tables.Preferences),
		identityTable:   svc.NewClient(tables.Identities),
		credentialTable: svc.NewClient(tables.Credentials),
	}, nil
}

func partitionFilter(pk string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(pk, "'", "''") + "'"
}

// ListTasks retrieves all tasks of owner sorted by order.
func (s *Storage) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	filter := partitionFilter(owner)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := sonic.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.task())
		}
	}
	domain.SortByOrder(tasks)
	return tasks, nil
}

// GetTask reads one task. A missing task yields domain.ErrNotFound.
func (s *Storage) GetTask(ctx context.Context, owner, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, owner, id, nil)
	if err != nil {
		return domain.Task{}, mapError(err)
	}
	var ent taskEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, err
	}
	t := ent.task()
	t.Version = string(resp.ETag)
	return t, nil
}

// CommitTasks submits ops as one entity group transaction: either every op
// is applied or none is.
func (s *Storage) CommitTasks(ctx context.Context, owner string, ops []domain.TaskOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > domain.MaxBatchOps {
		return domain.ErrBatchTooLarge
	}
	actions := make([]aztables.TransactionAction, 0, len(ops))
	for _, op := range ops {
		action, err := taskAction(owner, op)
		if err != nil {
			return err
		}
		actions = append(actions, action)
	}
	if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
		return mapError(err)
	}
	return nil
}

func taskAction(owner string, op domain.TaskOp) (aztables.TransactionAction, error) {
	var (
		payload []byte
		err     error
		action  aztables.TransactionAction
	)
	switch op.Kind {
	case domain.OpInsert:
		t := op.Task
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		payload, err = sonic.Marshal(newTaskEntity(owner, t))
		action.ActionType = aztables.TransactionTypeAdd
	case domain.OpUpdate:
		payload, err = sonic.Marshal(newTaskUpdate(owner, op.Task.ID, op.Patch))
		action.ActionType = aztables.TransactionTypeUpdateMerge
		action.IfMatch = ifMatch(op.Task.Version)
	case domain.OpDelete:
		payload, err = sonic.Marshal(entityKeys{PartitionKey: owner, RowKey: op.Task.ID})
		action.ActionType = aztables.TransactionTypeDelete
		action.IfMatch = ifMatch(op.Task.Version)
	default:
		return action, fmt.Errorf("unknown task op %d", op.Kind)
	}
	if err != nil {
		return action, err
	}
	action.Entity = payload
	return action, nil
}

func ifMatch(version string) *azcore.ETag {
	et := azcore.ETagAny
	if version != "" {
		et = azcore.ETag(version)
	}
	return &et
}

// GetPreference reads the preference document of owner. ok is false when
// none was written yet.
func (s *Storage) GetPreference(ctx context.Context, owner string) (pref domain.Preference, ok bool, err error) {
	resp, err := s.preferenceTable.GetEntity(ctx, owner, owner, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Preference{}, false, nil
		}
		return domain.Preference{}, false, err
	}
	var ent preferenceEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Preference{}, false, err
	}
	return domain.Preference{DarkMode: ent.DarkMode}, true, nil
}

// MergePreference creates the preference document or merges patch into it.
func (s *Storage) MergePreference(ctx context.Context, owner string, patch domain.PreferencePatch) error {
	payload, err := sonic.Marshal(preferenceUpdate{
		entityKeys: entityKeys{PartitionKey: owner, RowKey: owner},
		DarkMode:   patch.DarkMode,
	})
	if err == nil {
		_, err = s.preferenceTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge})
	}
	return mapError(err)
}

// DeletePreference removes the preference document. Deleting a missing
// document succeeds.
func (s *Storage) DeletePreference(ctx context.Context, owner string) error {
	return s.deleteEntity(ctx, s.preferenceTable, owner, owner)
}

func (s *Storage) deleteEntity(ctx context.Context, table *aztables.Client, pk, rk string) error {
	match := azcore.ETagAny
	_, err := table.DeleteEntity(ctx, pk, rk, &aztables.DeleteEntityOptions{IfMatch: &match})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// batchFailureLine matches the status line of the failed operation inside a
// $batch response.
var batchFailureLine = regexp.MustCompile(`(?m)^HTTP/1\.1 ([45]\d\d) `)

// errorCodeStatus maps table service error codes to the status they are
// reported with outside a batch.
var errorCodeStatus = map[string]int{
	"ResourceNotFound":            http.StatusNotFound,
	"EntityNotFound":              http.StatusNotFound,
	"EntityAlreadyExists":         http.StatusConflict,
	"UpdateConditionNotSatisfied": http.StatusPreconditionFailed,
}

// statusCode returns the status of the failed operation. A failed
// transaction arrives as the outer 202 of the $batch call, so its status is
// taken from the inner response instead.
func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return 0
	}
	if respErr.StatusCode != http.StatusAccepted {
		return respErr.StatusCode
	}
	if code, ok := errorCodeStatus[respErr.ErrorCode]; ok {
		return code
	}
	if respErr.RawResponse != nil {
		if body, perr := runtime.Payload(respErr.RawResponse); perr == nil {
			if m := batchFailureLine.FindSubmatch(body); m != nil {
				code, _ := strconv.Atoi(string(m[1]))
				return code
			}
		}
	}
	return respErr.StatusCode
}

func isNotFound(err error) bool {
	return statusCode(err) == 404
}

// mapError translates table status codes to domain sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch statusCode(err) {
	case 404:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case 409, 412:
		return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
	}
	return err
}
