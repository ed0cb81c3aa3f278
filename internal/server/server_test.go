package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/config"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/handler"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/health"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/middleware"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/service"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/store"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/util"
)

// In-memory stores backing the full router. They mirror the semantics the
// SQL and Redis stores provide: the compare-and-set on the current pointer,
// the success audit row written with the version, lease expiry, and keyset
// pagination. Mocks cannot express the CAS race, and the concurrency tests
// below depend on it.

type memObjectStore struct {
	mu       sync.Mutex
	objects  map[string]*model.StateObject
	versions map[string]map[int64]*model.StateVersion
	audits   *memAuditStore
}

func newMemObjectStore(audits *memAuditStore) *memObjectStore {
	return &memObjectStore{
		objects:  make(map[string]*model.StateObject),
		versions: make(map[string]map[int64]*model.StateVersion),
		audits:   audits,
	}
}

func (s *memObjectStore) PutVersion(ctx context.Context, ref model.StateRef, payload []byte, checksum string, expectedVersion int64, operation model.Operation, actor string) (*model.StateVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateID := ref.ID()
	now := time.Now().UTC()
	obj := s.objects[stateID]

	if expectedVersion == 0 {
		if obj != nil {
			return nil, &store.VersionConflictError{StateID: stateID, Expected: expectedVersion, Current: obj.CurrentVersion}
		}
		obj = &model.StateObject{
			ID:          stateID,
			Tenant:      ref.Tenant,
			Environment: ref.Environment,
			Workspace:   ref.Workspace,
			Name:        ref.Name,
			CreatedAt:   now,
		}
		s.objects[stateID] = obj
	} else {
		if obj == nil {
			return nil, store.ErrNotFound
		}
		if obj.CurrentVersion != expectedVersion {
			return nil, &store.VersionConflictError{StateID: stateID, Expected: expectedVersion, Current: obj.CurrentVersion}
		}
	}

	newVersion := expectedVersion + 1
	obj.CurrentVersion = newVersion
	obj.Checksum = checksum
	obj.Size = int64(len(payload))
	obj.Deleted = operation == model.OperationDelete
	obj.UpdatedAt = now
	obj.UpdatedBy = actor

	v := &model.StateVersion{
		StateID:   stateID,
		Version:   newVersion,
		Payload:   payload,
		Checksum:  checksum,
		Size:      int64(len(payload)),
		Operation: operation,
		CreatedAt: now,
		CreatedBy: actor,
	}
	if s.versions[stateID] == nil {
		s.versions[stateID] = make(map[int64]*model.StateVersion)
	}
	s.versions[stateID][newVersion] = v

	s.audits.append(&model.AuditEntry{
		StateID:    stateID,
		Operation:  string(operation),
		Actor:      actor,
		Result:     model.AuditResultSuccess,
		Version:    newVersion,
		OccurredAt: now,
	})

	out := *v
	return &out, nil
}

func (s *memObjectStore) GetObject(ctx context.Context, stateID string) (*model.StateObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[stateID]
	if obj == nil {
		return nil, store.ErrNotFound
	}
	out := *obj
	return &out, nil
}

func (s *memObjectStore) ListObjects(ctx context.Context, filter model.ObjectFilter, limit int, afterID string) ([]*model.StateObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*model.StateObject, 0)
	for _, obj := range s.objects {
		if obj.ID <= afterID {
			continue
		}
		if filter.Tenant != "" && obj.Tenant != filter.Tenant {
			continue
		}
		if filter.Environment != "" && obj.Environment != filter.Environment {
			continue
		}
		if filter.Workspace != "" && obj.Workspace != filter.Workspace {
			continue
		}
		if obj.Deleted && !filter.IncludeDeleted {
			continue
		}
		out := *obj
		matched = append(matched, &out)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *memObjectStore) GetCurrentVersion(ctx context.Context, stateID string) (*model.StateVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[stateID]
	if obj == nil || obj.Deleted {
		return nil, store.ErrNotFound
	}
	v := s.versions[stateID][obj.CurrentVersion]
	if v == nil {
		return nil, store.ErrNotFound
	}
	out := *v
	return &out, nil
}

func (s *memObjectStore) GetVersion(ctx context.Context, stateID string, version int64) (*model.StateVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.versions[stateID][version]
	if v == nil {
		return nil, store.ErrNotFound
	}
	out := *v
	return &out, nil
}

func (s *memObjectStore) ListVersions(ctx context.Context, stateID string, limit int, beforeVersion int64) ([]model.VersionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]model.VersionInfo, 0)
	for _, v := range s.versions[stateID] {
		if beforeVersion > 0 && v.Version >= beforeVersion {
			continue
		}
		infos = append(infos, v.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Version > infos[j].Version })
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

func (s *memObjectStore) PruneVersions(ctx context.Context, stateID string, keepNewest int, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (s *memObjectStore) Ping(ctx context.Context) error { return nil }

type memLockStore struct {
	mu     sync.Mutex
	leases map[string]*model.LockRecord
}

func newMemLockStore() *memLockStore {
	return &memLockStore{leases: make(map[string]*model.LockRecord)}
}

func (s *memLockStore) TryAcquire(ctx context.Context, record *model.LockRecord, ttl time.Duration) (bool, *model.LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.leases[record.StateID]; current != nil && !current.Expired(time.Now()) {
		holder := *current
		return false, &holder, nil
	}
	lease := *record
	s.leases[record.StateID] = &lease
	return true, nil, nil
}

func (s *memLockStore) Renew(ctx context.Context, stateID, lockID string, expiresAt time.Time, ttl time.Duration) (*model.LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease := s.leases[stateID]
	if lease == nil || lease.Expired(time.Now()) {
		return nil, store.ErrNotFound
	}
	if lease.LockID != lockID {
		return nil, store.ErrLockMismatch
	}
	lease.ExpiresAt = expiresAt
	lease.RenewCount++
	out := *lease
	return &out, nil
}

func (s *memLockStore) Release(ctx context.Context, stateID, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease := s.leases[stateID]
	if lease == nil || lease.Expired(time.Now()) {
		return store.ErrNotFound
	}
	if lease.LockID != lockID {
		return store.ErrLockMismatch
	}
	delete(s.leases, stateID)
	return nil
}

func (s *memLockStore) Get(ctx context.Context, stateID string) (*model.LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease := s.leases[stateID]
	if lease == nil || lease.Expired(time.Now()) {
		return nil, store.ErrNotFound
	}
	out := *lease
	return &out, nil
}

func (s *memLockStore) Ping(ctx context.Context) error { return nil }

func (s *memLockStore) Close() error { return nil }

type memBackupStore struct {
	mu      sync.Mutex
	records map[string]*model.BackupRecord
}

func newMemBackupStore() *memBackupStore {
	return &memBackupStore{records: make(map[string]*model.BackupRecord)}
}

func (s *memBackupStore) Create(ctx context.Context, record *model.BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *record
	s.records[record.BackupID] = &out
	return nil
}

func (s *memBackupStore) Get(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.records[backupID]
	if record == nil {
		return nil, store.ErrNotFound
	}
	out := *record
	return &out, nil
}

func (s *memBackupStore) List(ctx context.Context, stateID string, filter model.BackupFilter, limit int, createdBefore time.Time, beforeID string) ([]*model.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*model.BackupRecord, 0)
	for _, record := range s.records {
		if record.StateID != stateID {
			continue
		}
		if filter.Type != "" && record.Type != filter.Type {
			continue
		}
		if filter.VerifiedOnly && !record.Verified() {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !record.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		if !createdBefore.IsZero() {
			if record.CreatedAt.After(createdBefore) {
				continue
			}
			if record.CreatedAt.Equal(createdBefore) && record.BackupID >= beforeID {
				continue
			}
		}
		out := *record
		matched = append(matched, &out)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].BackupID > matched[j].BackupID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *memBackupStore) MarkVerified(ctx context.Context, backupID string, verifiedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.records[backupID]
	if record == nil {
		return store.ErrNotFound
	}
	record.VerifiedAt = &verifiedAt
	return nil
}

func (s *memBackupStore) MarkArchived(ctx context.Context, backupID string, archivedAt time.Time, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.records[backupID]
	if record == nil {
		return store.ErrNotFound
	}
	record.ArchivedAt = &archivedAt
	record.ArchiveLocation = location
	return nil
}

func (s *memBackupStore) Delete(ctx context.Context, backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, backupID)
	return nil
}

func (s *memBackupStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]*model.BackupRecord, 0)
	for _, record := range s.records {
		if !record.ExpiredAt(now) {
			continue
		}
		out := *record
		matched = append(matched, &out)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (s *memBackupStore) CountOthers(ctx context.Context, stateID, excludeBackupID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, record := range s.records {
		if record.StateID == stateID && record.BackupID != excludeBackupID {
			count++
		}
	}
	return count, nil
}

type memAuditStore struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
	nextID  int64
}

func newMemAuditStore() *memAuditStore {
	return &memAuditStore{}
}

func (s *memAuditStore) append(entry *model.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	out := *entry
	out.ID = s.nextID
	s.entries = append(s.entries, &out)
}

func (s *memAuditStore) Append(ctx context.Context, entry *model.AuditEntry) error {
	s.append(entry)
	return nil
}

func (s *memAuditStore) List(ctx context.Context, stateID string, afterID int64, limit int) ([]*model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]*model.AuditEntry, 0)
	for _, entry := range s.entries {
		if stateID != "" && entry.StateID != stateID {
			continue
		}
		if entry.ID <= afterID {
			continue
		}
		out := *entry
		matched = append(matched, &out)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

type fixture struct {
	server  *Server
	objects *memObjectStore
	locks   *memLockStore
	backups *memBackupStore
	audits  *memAuditStore
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	audits := newMemAuditStore()
	objects := newMemObjectStore(audits)
	locks := newMemLockStore()
	backups := newMemBackupStore()

	objectSvc := service.NewObjectService(objects, audits, 1<<20, logger)
	lockSvc := service.NewLockService(locks, 30*time.Second, 2*time.Second, util.Backoff{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond}, logger)
	backupSvc := service.NewBackupService(backups, objectSvc, lockSvc, audits, nil, config.BackupConfig{
		ManualRetention: 720 * time.Hour,
		SafetyRetention: 168 * time.Hour,
	}, logger)
	coordinator := service.NewCoordinatorService(objectSvc, lockSvc, backupSvc, audits, nil, logger)

	hc := health.NewHealthCheck(map[string]health.Pinger{
		"postgres": health.PingerFunc(func(ctx context.Context) error { return nil }),
		"redis":    health.PingerFunc(func(ctx context.Context) error { return nil }),
	}, nil, logger)
	t.Cleanup(hc.Stop)

	srv := NewServer(config.DefaultConfig(), coordinator, hc, nil, logger)
	srv.SetupRoutes()

	return &fixture{server: srv, objects: objects, locks: locks, backups: backups, audits: audits}
}

func (f *fixture) do(method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	f.server.GetHandler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) write(path string, payload []byte) *httptest.ResponseRecorder {
	return f.do(http.MethodPut, path, payload, map[string]string{handler.HeaderActorID: "agent-1"})
}

func decodeInfo(t *testing.T, rec *httptest.ResponseRecorder) model.VersionInfo {
	t.Helper()
	var info model.VersionInfo
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	return info
}

func decodeRecord(t *testing.T, rec *httptest.ResponseRecorder) model.BackupRecord {
	t.Helper()
	var record model.BackupRecord
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	return record
}

type errorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

const vpcPath = "/api/v1/states/acme/prod/networking/vpc"

func TestServer_WriteState_CreateReadCycle(t *testing.T) {
	fx := newTestServer(t)
	payload := []byte(`{"resources": {"aws_vpc.main": {"cidr": "10.0.0.0/16"}}}`)

	rec := fx.write(vpcPath, payload)
	assert.Equal(t, http.StatusCreated, rec.Code)
	info := decodeInfo(t, rec)
	assert.Equal(t, "acme/prod/networking/vpc", info.StateID)
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, util.ComputeChecksum(payload), info.Checksum)
	assert.Equal(t, model.OperationWrite, info.Operation)
	assert.Equal(t, "agent-1", info.CreatedBy)

	rec = fx.do(http.MethodGet, vpcPath, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get(handler.HeaderStateVersion))
	assert.Equal(t, util.ComputeChecksum(payload), rec.Header().Get(handler.HeaderStateChecksum))
	assert.Equal(t, fmt.Sprintf("%d", len(payload)), rec.Header().Get(handler.HeaderStateSize))
	assert.Equal(t, payload, rec.Body.Bytes())

	rec = fx.write(vpcPath, []byte(`{"resources": {}}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decodeInfo(t, rec).Version)
}

func TestServer_WriteState_StaleVersionRejected(t *testing.T) {
	fx := newTestServer(t)
	fx.write(vpcPath, []byte("v1"))
	fx.write(vpcPath, []byte("v2"))

	rec := fx.do(http.MethodPut, vpcPath, []byte("stale"), map[string]string{
		handler.HeaderActorID:         "agent-2",
		handler.HeaderExpectedVersion: "1",
		middleware.HeaderRequestID:    "req-42",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	resp := decodeError(t, rec)
	assert.Equal(t, "VERSION_CONFLICT", resp.Error.Code)
	assert.Equal(t, float64(1), resp.Error.Details["expected_version"])
	assert.Equal(t, float64(2), resp.Error.Details["current_version"])
	assert.Equal(t, "req-42", resp.RequestID)

	rec = fx.do(http.MethodGet, vpcPath, nil, nil)
	assert.Equal(t, []byte("v2"), rec.Body.Bytes())
}

func TestServer_WriteState_Validation(t *testing.T) {
	fx := newTestServer(t)

	t.Run("missing actor header", func(t *testing.T) {
		rec := fx.do(http.MethodPut, vpcPath, []byte("x"), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, "INVALID_ARGUMENT", resp.Error.Code)
		assert.Contains(t, resp.Error.Message, handler.HeaderActorID)
	})

	t.Run("malformed expected version", func(t *testing.T) {
		rec := fx.do(http.MethodPut, vpcPath, []byte("x"), map[string]string{
			handler.HeaderActorID:         "agent-1",
			handler.HeaderExpectedVersion: "abc",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec).Error.Message, handler.HeaderExpectedVersion)
	})

	t.Run("negative expected version", func(t *testing.T) {
		rec := fx.do(http.MethodPut, vpcPath, []byte("x"), map[string]string{
			handler.HeaderActorID:         "agent-1",
			handler.HeaderExpectedVersion: "-3",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid ref component", func(t *testing.T) {
		rec := fx.do(http.MethodPut, "/api/v1/states/bad%20tenant/prod/networking/vpc", []byte("x"), map[string]string{
			handler.HeaderActorID: "agent-1",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec).Error.Message, "tenant")
	})
}

func TestServer_WriteState_ConcurrentWritersSingleWinner(t *testing.T) {
	fx := newTestServer(t)
	fx.write(vpcPath, []byte(`{"serial": 1}`))

	const writers = 8
	statuses := make([]int, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := fx.do(http.MethodPut, vpcPath, []byte(fmt.Sprintf(`{"writer": %d}`, i)), map[string]string{
				handler.HeaderActorID:         fmt.Sprintf("agent-%d", i),
				handler.HeaderExpectedVersion: "1",
			})
			statuses[i] = rec.Code
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, code := range statuses {
		switch code {
		case http.StatusOK:
			wins++
		case http.StatusConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	rec := fx.do(http.MethodGet, vpcPath, nil, nil)
	assert.Equal(t, "2", rec.Header().Get(handler.HeaderStateVersion))
}

func TestServer_ReadState_NotFound(t *testing.T) {
	fx := newTestServer(t)

	rec := fx.do(http.MethodGet, vpcPath, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get(middleware.HeaderRequestID))
}

func TestServer_DeleteThenRestore_RoundTrip(t *testing.T) {
	fx := newTestServer(t)
	payload := []byte(`{"resources": {"aws_vpc.main": {}}}`)
	fx.write(vpcPath, payload)

	rec := fx.do(http.MethodPost, vpcPath+"/backups", []byte(`{"type": "manual", "description": "before teardown"}`), map[string]string{
		handler.HeaderActorID: "agent-1",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	backup := decodeRecord(t, rec)
	assert.NotEmpty(t, backup.BackupID)
	assert.Equal(t, int64(1), backup.Version)
	assert.Equal(t, model.BackupTypeManual, backup.Type)
	assert.NotNil(t, backup.ExpiresAt)

	rec = fx.do(http.MethodDelete, vpcPath, nil, map[string]string{handler.HeaderActorID: "agent-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	tombstone := decodeInfo(t, rec)
	assert.Equal(t, int64(2), tombstone.Version)
	assert.Equal(t, model.OperationDelete, tombstone.Operation)

	rec = fx.do(http.MethodGet, vpcPath, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.do(http.MethodPost, "/api/v1/backups/"+backup.BackupID+"/restore", nil, map[string]string{
		handler.HeaderActorID: "agent-1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	restored := decodeInfo(t, rec)
	assert.Equal(t, int64(3), restored.Version)
	assert.Equal(t, model.OperationRestore, restored.Operation)
	assert.Equal(t, util.ComputeChecksum(payload), restored.Checksum)

	rec = fx.do(http.MethodGet, vpcPath, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
	assert.Equal(t, "3", rec.Header().Get(handler.HeaderStateVersion))
}

func TestServer_RestoreBackup_IntoNewState(t *testing.T) {
	fx := newTestServer(t)
	payload := []byte(`{"resources": {}}`)
	fx.write(vpcPath, payload)

	rec := fx.do(http.MethodPost, vpcPath+"/backups", []byte(`{"type": "manual"}`), map[string]string{
		handler.HeaderActorID: "agent-1",
	})
	backup := decodeRecord(t, rec)

	body := []byte(`{"target": {"tenant": "acme", "environment": "staging", "workspace": "networking", "name": "vpc"}}`)
	rec = fx.do(http.MethodPost, "/api/v1/backups/"+backup.BackupID+"/restore", body, map[string]string{
		handler.HeaderActorID: "agent-1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	restored := decodeInfo(t, rec)
	assert.Equal(t, "acme/staging/networking/vpc", restored.StateID)
	assert.Equal(t, int64(1), restored.Version)

	rec = fx.do(http.MethodGet, "/api/v1/states/acme/staging/networking/vpc", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestServer_VersionHistory(t *testing.T) {
	fx := newTestServer(t)
	first := []byte("generation-1")
	fx.write(vpcPath, first)
	fx.write(vpcPath, []byte("generation-2"))

	rec := fx.do(http.MethodGet, vpcPath+"/versions", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Versions   []model.VersionInfo `json:"versions"`
		NextCursor int64               `json:"next_cursor"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Versions, 2)
	assert.Equal(t, int64(2), listed.Versions[0].Version)
	assert.Equal(t, int64(1), listed.Versions[1].Version)
	assert.Equal(t, int64(1), listed.NextCursor)

	rec = fx.do(http.MethodGet, vpcPath+"/versions/1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first, rec.Body.Bytes())
	assert.Equal(t, "1", rec.Header().Get(handler.HeaderStateVersion))
}

func TestServer_Rollback(t *testing.T) {
	fx := newTestServer(t)
	first := []byte("generation-1")
	fx.write(vpcPath, first)
	fx.write(vpcPath, []byte("generation-2"))

	rec := fx.do(http.MethodPost, vpcPath+"/rollback", []byte(`{"target_version": 1}`), map[string]string{
		handler.HeaderActorID: "agent-1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	info := decodeInfo(t, rec)
	assert.Equal(t, int64(3), info.Version)
	assert.Equal(t, model.OperationRollback, info.Operation)

	rec = fx.do(http.MethodGet, vpcPath, nil, nil)
	assert.Equal(t, first, rec.Body.Bytes())

	t.Run("malformed body", func(t *testing.T) {
		rec := fx.do(http.MethodPost, vpcPath+"/rollback", []byte("{"), map[string]string{
			handler.HeaderActorID: "agent-1",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("target already current", func(t *testing.T) {
		rec := fx.do(http.MethodPost, vpcPath+"/rollback", []byte(`{"target_version": 3}`), map[string]string{
			handler.HeaderActorID: "agent-1",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec).Error.Message, "already current")
	})
}

func TestServer_LockStatus(t *testing.T) {
	fx := newTestServer(t)
	fx.write(vpcPath, []byte("v1"))

	rec := fx.do(http.MethodGet, vpcPath+"/lock", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "not locked")

	now := time.Now().UTC()
	acquired, _, err := fx.locks.TryAcquire(context.Background(), &model.LockRecord{
		LockID:     "6f2a1f90-8f33-4a01-9c5e-2f4f60f6a1b2",
		StateID:    "acme/prod/networking/vpc",
		Holder:     "agent-9",
		Operation:  "write",
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Minute),
	}, time.Minute)
	assert.NoError(t, err)
	assert.True(t, acquired)

	rec = fx.do(http.MethodGet, vpcPath+"/lock", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var lock model.LockRecord
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lock))
	assert.Equal(t, "agent-9", lock.Holder)
	assert.Equal(t, "acme/prod/networking/vpc", lock.StateID)
}

func TestServer_Backups_CreateListGet(t *testing.T) {
	fx := newTestServer(t)
	fx.write(vpcPath, []byte("v1"))

	rec := fx.do(http.MethodPost, vpcPath+"/backups", []byte(`{"type": "manual", "description": "first"}`), map[string]string{
		handler.HeaderActorID: "agent-1",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	older := decodeRecord(t, rec)

	fx.write(vpcPath, []byte("v2"))
	rec = fx.do(http.MethodPost, vpcPath+"/backups", []byte(`{"type": "scheduled"}`), map[string]string{
		handler.HeaderActorID: "agent-1",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	newer := decodeRecord(t, rec)

	var listed struct {
		Backups    []*model.BackupRecord `json:"backups"`
		NextCursor string                `json:"next_cursor"`
	}

	rec = fx.do(http.MethodGet, vpcPath+"/backups", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Backups, 2)
	assert.Equal(t, newer.BackupID, listed.Backups[0].BackupID)
	assert.Equal(t, older.BackupID, listed.Backups[1].BackupID)

	// Page with limit 1, then follow the cursor to the older record.
	rec = fx.do(http.MethodGet, vpcPath+"/backups?limit=1", nil, nil)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Backups, 1)
	assert.Equal(t, newer.BackupID, listed.Backups[0].BackupID)
	assert.NotEmpty(t, listed.NextCursor)

	rec = fx.do(http.MethodGet, vpcPath+"/backups?limit=1&cursor="+url.QueryEscape(listed.NextCursor), nil, nil)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Backups, 1)
	assert.Equal(t, older.BackupID, listed.Backups[0].BackupID)

	rec = fx.do(http.MethodGet, vpcPath+"/backups?cursor=garbage", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Message, "cursor")

	rec = fx.do(http.MethodGet, "/api/v1/backups/"+older.BackupID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, older.BackupID, decodeRecord(t, rec).BackupID)

	t.Run("rejects safety type", func(t *testing.T) {
		rec := fx.do(http.MethodPost, vpcPath+"/backups", []byte(`{"type": "pre-delete"}`), map[string]string{
			handler.HeaderActorID: "agent-1",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_Backups_VerifyAndExport(t *testing.T) {
	fx := newTestServer(t)
	payload := []byte(`{"resources": {"aws_s3_bucket.logs": {}}}`)
	fx.write(vpcPath, payload)

	rec := fx.do(http.MethodPost, vpcPath+"/backups", []byte(`{"type": "manual"}`), map[string]string{
		handler.HeaderActorID: "agent-1",
	})
	backup := decodeRecord(t, rec)

	rec = fx.do(http.MethodPost, "/api/v1/backups/"+backup.BackupID+"/verify", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	verified := decodeRecord(t, rec)
	assert.NotNil(t, verified.VerifiedAt)

	rec = fx.do(http.MethodGet, "/api/v1/backups/"+backup.BackupID+"/export", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, backup.BackupID, rec.Header().Get(handler.HeaderBackupID))
	assert.Equal(t, "acme/prod/networking/vpc", rec.Header().Get(handler.HeaderBackupStateID))
	assert.Equal(t, "1", rec.Header().Get(handler.HeaderBackupVersion))
	assert.Equal(t, util.ComputeChecksum(payload), rec.Header().Get(handler.HeaderBackupChecksum))
	assert.Equal(t, payload, rec.Body.Bytes())

	rec = fx.do(http.MethodGet, "/api/v1/backups/b0000000-0000-0000-0000-000000000000", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AuditLog(t *testing.T) {
	fx := newTestServer(t)
	fx.write(vpcPath, []byte("v1"))

	rec := fx.do(http.MethodPut, vpcPath, []byte("stale"), map[string]string{
		handler.HeaderActorID:         "agent-2",
		handler.HeaderExpectedVersion: "5",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = fx.do(http.MethodGet, "/api/v1/audit?state_id="+url.QueryEscape("acme/prod/networking/vpc"), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Entries    []*model.AuditEntry `json:"entries"`
		NextCursor int64               `json:"next_cursor"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Entries, 2)

	assert.Equal(t, model.AuditResultSuccess, listed.Entries[0].Result)
	assert.Equal(t, "write", listed.Entries[0].Operation)
	assert.Equal(t, int64(1), listed.Entries[0].Version)
	assert.Equal(t, "agent-1", listed.Entries[0].Actor)

	assert.Equal(t, "VERSION_CONFLICT", listed.Entries[1].Result)
	assert.Equal(t, "agent-2", listed.Entries[1].Actor)
	assert.Equal(t, listed.Entries[1].ID, listed.NextCursor)

	rec = fx.do(http.MethodGet, "/api/v1/audit?cursor=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListStates(t *testing.T) {
	fx := newTestServer(t)
	fx.write(vpcPath, []byte("vpc"))
	fx.write("/api/v1/states/acme/prod/networking/dns", []byte("dns"))
	fx.write("/api/v1/states/globex/prod/compute/fleet", []byte("fleet"))

	var listed struct {
		States     []*model.StateObject `json:"states"`
		NextCursor string               `json:"next_cursor"`
	}

	rec := fx.do(http.MethodGet, "/api/v1/states?tenant=acme", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.States, 2)
	assert.Equal(t, "acme/prod/networking/dns", listed.States[0].ID)
	assert.Equal(t, "acme/prod/networking/vpc", listed.States[1].ID)
	assert.Equal(t, "acme/prod/networking/vpc", listed.NextCursor)

	// Deleted states drop out unless explicitly requested.
	fx.do(http.MethodDelete, vpcPath, nil, map[string]string{handler.HeaderActorID: "agent-1"})

	rec = fx.do(http.MethodGet, "/api/v1/states?tenant=acme", nil, nil)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.States, 1)

	rec = fx.do(http.MethodGet, "/api/v1/states?tenant=acme&include_deleted=true", nil, nil)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.States, 2)
}

func TestServer_GetObject(t *testing.T) {
	fx := newTestServer(t)
	fx.write(vpcPath, []byte("v1"))

	rec := fx.do(http.MethodGet, vpcPath+"/object", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var obj model.StateObject
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obj))
	assert.Equal(t, "acme/prod/networking/vpc", obj.ID)
	assert.Equal(t, int64(1), obj.CurrentVersion)
	assert.False(t, obj.Deleted)
	assert.Equal(t, "agent-1", obj.UpdatedBy)
}

func TestServer_UnknownRouteAndMethod(t *testing.T) {
	fx := newTestServer(t)

	rec := fx.do(http.MethodGet, "/api/v1/bogus", nil, map[string]string{middleware.HeaderRequestID: "req-404"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "req-404", resp.RequestID)

	rec = fx.do(http.MethodPatch, vpcPath, nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", decodeError(t, rec).Error.Code)
}

func TestServer_HealthEndpoints(t *testing.T) {
	fx := newTestServer(t)

	rec := fx.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var live struct {
		Status string `json:"status"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	assert.Equal(t, "healthy", live.Status)

	rec = fx.do(http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "healthy", ready.Checks["postgres"])
	assert.Equal(t, "healthy", ready.Checks["redis"])
}
