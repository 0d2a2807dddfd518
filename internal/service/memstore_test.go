package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/esg-pipeline/internal/models"
	"github.com/noah-isme/esg-pipeline/internal/repository"
	"github.com/noah-isme/esg-pipeline/pkg/storage"
)

// memState mirrors the tables the services touch.
type memState struct {
	submissions    map[string]models.Submission
	reviews        map[string]models.QaReviewItem
	reviewHistory  []models.QaReviewHistory
	stored         map[string]models.StoredData
	outbox         []models.OutboxMessage
	requests       map[string]models.DataRequest
	requestHistory []models.DataRequestHistory
	sourcings      map[string]models.DataSourcing
	deadLetters    map[string]models.DeadLetter
}

func newMemState() *memState {
	return &memState{
		submissions: map[string]models.Submission{},
		reviews:     map[string]models.QaReviewItem{},
		stored:      map[string]models.StoredData{},
		requests:    map[string]models.DataRequest{},
		sourcings:   map[string]models.DataSourcing{},
		deadLetters: map[string]models.DeadLetter{},
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.submissions {
		out.submissions[k] = v
	}
	for k, v := range s.reviews {
		out.reviews[k] = v
	}
	for k, v := range s.stored {
		out.stored[k] = v
	}
	for k, v := range s.requests {
		out.requests[k] = v
	}
	for k, v := range s.sourcings {
		out.sourcings[k] = v
	}
	for k, v := range s.deadLetters {
		out.deadLetters[k] = v
	}
	out.reviewHistory = append(out.reviewHistory, s.reviewHistory...)
	out.outbox = append(out.outbox, s.outbox...)
	out.requestHistory = append(out.requestHistory, s.requestHistory...)
	return out
}

// memDB is an in-memory database whose transactions roll back on error.
type memDB struct {
	mu    sync.Mutex
	state *memState
	seq   int
	fail  map[string]error
	txs   int
}

func newMemDB() *memDB {
	return &memDB{state: newMemState(), fail: map[string]error{}}
}

func (db *memDB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	db.mu.Lock()
	snapshot := db.state.clone()
	db.txs++
	db.mu.Unlock()
	if err := fn(ctx); err != nil {
		db.mu.Lock()
		db.state = snapshot
		db.mu.Unlock()
		return err
	}
	return nil
}

func (db *memDB) nextID(prefix string) string {
	db.seq++
	return fmt.Sprintf("%s-%d", prefix, db.seq)
}

func (db *memDB) failure(op string) error {
	return db.fail[op]
}

type memSubmissions struct{ db *memDB }

func (m memSubmissions) Create(ctx context.Context, sub *models.Submission) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if err := m.db.failure("submissions.Create"); err != nil {
		return err
	}
	if sub.ID == "" {
		sub.ID = m.db.nextID("sub")
	}
	m.db.state.submissions[sub.ID] = *sub
	return nil
}

func (m memSubmissions) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	sub, ok := m.db.state.submissions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &sub, nil
}

func (m memSubmissions) GetForUpdate(ctx context.Context, id string) (*models.Submission, error) {
	return m.GetByID(ctx, id)
}

func (m memSubmissions) Transition(ctx context.Context, params repository.TransitionParams) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	sub, ok := m.db.state.submissions[params.ID]
	if !ok || sub.Deleted() {
		return sql.ErrNoRows
	}
	allowed := false
	for _, from := range params.From {
		if sub.State == from {
			allowed = true
		}
	}
	if !allowed {
		return sql.ErrNoRows
	}
	sub.State = params.To
	sub.QaStatus = params.QaStatus
	sub.QaComment = params.Comment
	sub.ReviewedBy = params.ReviewedBy
	m.db.state.submissions[sub.ID] = sub
	return nil
}

func (m memSubmissions) SoftDelete(ctx context.Context, id string, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	sub, ok := m.db.state.submissions[id]
	if !ok || sub.Deleted() {
		return sql.ErrNoRows
	}
	sub.DeletedAt = &at
	sub.CurrentlyActive = false
	m.db.state.submissions[id] = sub
	return nil
}

func (m memSubmissions) LockKey(ctx context.Context, key models.KeyTriple) error {
	return nil
}

func (m memSubmissions) ActiveForKey(ctx context.Context, key models.KeyTriple) (*models.Submission, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, sub := range m.db.state.submissions {
		if sub.CurrentlyActive && sub.Key() == key {
			return &sub, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memSubmissions) DeactivateKey(ctx context.Context, key models.KeyTriple, exceptID string) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var n int64
	for id, sub := range m.db.state.submissions {
		if sub.CurrentlyActive && sub.Key() == key && id != exceptID {
			sub.CurrentlyActive = false
			m.db.state.submissions[id] = sub
			n++
		}
	}
	return n, nil
}

func (m memSubmissions) MarkStored(ctx context.Context, id string, active bool, storedAt time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	sub, ok := m.db.state.submissions[id]
	if !ok {
		return sql.ErrNoRows
	}
	sub.State = models.SubmissionStateStored
	sub.CurrentlyActive = active
	sub.StoredAt = &storedAt
	m.db.state.submissions[id] = sub
	return nil
}

// activeCount reports how many submissions of key are active.
func (m memSubmissions) activeCount(key models.KeyTriple) int {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n := 0
	for _, sub := range m.db.state.submissions {
		if sub.CurrentlyActive && sub.Key() == key {
			n++
		}
	}
	return n
}

type memReviews struct{ db *memDB }

func (m memReviews) Enqueue(ctx context.Context, item *models.QaReviewItem) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, existing := range m.db.state.reviews {
		if existing.SubmissionID == item.SubmissionID && existing.Status == models.ReviewItemPending {
			return false, nil
		}
	}
	if item.ID == "" {
		item.ID = m.db.nextID("qa")
	}
	item.Status = models.ReviewItemPending
	m.db.state.reviews[item.ID] = *item
	return true, nil
}

func (m memReviews) RecordArchived(ctx context.Context, item *models.QaReviewItem) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.state.reviews[item.ID]; !ok {
		m.db.state.reviews[item.ID] = *item
	}
	return nil
}

func (m memReviews) Resolve(ctx context.Context, params repository.ResolveParams) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for id, item := range m.db.state.reviews {
		if item.SubmissionID == params.SubmissionID && item.Status == models.ReviewItemPending {
			at := params.At
			item.Status = params.Status
			item.ReviewerID = params.ReviewerID
			item.ReviewerComment = params.Comment
			item.ArchivedAt = &at
			m.db.state.reviews[id] = item
			return true, nil
		}
	}
	return false, nil
}

func (m memReviews) AppendHistory(ctx context.Context, entry *models.QaReviewHistory) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if entry.ID == "" {
		entry.ID = m.db.nextID("qah")
	}
	m.db.state.reviewHistory = append(m.db.state.reviewHistory, *entry)
	return nil
}

func (m memReviews) History(ctx context.Context, submissionID string) ([]models.QaReviewHistory, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []models.QaReviewHistory
	for _, entry := range m.db.state.reviewHistory {
		if entry.SubmissionID == submissionID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m memReviews) matching(filter models.QaQueueFilter) []models.QaReviewItem {
	var out []models.QaReviewItem
	for _, item := range m.db.state.reviews {
		if !containsString(filter.CompanyIDs, item.CompanyID) ||
			!containsString(filter.DataTypes, item.DataType) ||
			!containsString(filter.ReportingPeriods, item.ReportingPeriod) {
			continue
		}
		if len(filter.Statuses) > 0 {
			ok := false
			for _, status := range filter.Statuses {
				if item.Status == status {
					ok = true
				}
			}
			if !ok {
				continue
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return queueLess(out[i], out[j]) })
	return out
}

func queueLess(a, b models.QaReviewItem) bool {
	if !a.EnqueueTimestamp.Equal(b.EnqueueTimestamp) {
		return a.EnqueueTimestamp.Before(b.EnqueueTimestamp)
	}
	if a.CompanyID != b.CompanyID {
		return a.CompanyID < b.CompanyID
	}
	return a.SubmissionID < b.SubmissionID
}

func (m memReviews) List(ctx context.Context, filter models.QaQueueFilter, after *models.QaQueueCursor, limit int) ([]models.QaReviewItem, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []models.QaReviewItem
	for _, item := range m.matching(filter) {
		if after != nil && !queueLess(models.QaReviewItem{
			EnqueueTimestamp: after.EnqueueTimestamp,
			CompanyID:        after.CompanyID,
			SubmissionID:     after.SubmissionID,
		}, item) {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m memReviews) Count(ctx context.Context, filter models.QaQueueFilter) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return len(m.matching(filter)), nil
}

// pendingFor counts pending items of a submission.
func (m memReviews) pendingFor(submissionID string) int {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n := 0
	for _, item := range m.db.state.reviews {
		if item.SubmissionID == submissionID && item.Status == models.ReviewItemPending {
			n++
		}
	}
	return n
}

type memStored struct{ db *memDB }

func (m memStored) Insert(ctx context.Context, data *models.StoredData) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if err := m.db.failure("stored.Insert"); err != nil {
		return false, err
	}
	if _, ok := m.db.state.stored[data.SubmissionID]; ok {
		return false, nil
	}
	m.db.state.stored[data.SubmissionID] = *data
	return true, nil
}

func (m memStored) Delete(ctx context.Context, submissionID string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	delete(m.db.state.stored, submissionID)
	return nil
}

func (m memStored) count() int {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return len(m.db.state.stored)
}

type memOutbox struct{ db *memDB }

func (m memOutbox) Add(ctx context.Context, msg *models.OutboxMessage) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if err := m.db.failure("outbox.Add"); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = m.db.nextID("out")
	}
	m.db.state.outbox = append(m.db.state.outbox, *msg)
	return nil
}

func (m memOutbox) Claim(ctx context.Context, limit int, ttl time.Duration) ([]models.OutboxMessage, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	now := time.Now()
	var out []models.OutboxMessage
	for i := range m.db.state.outbox {
		row := &m.db.state.outbox[i]
		if row.PublishedAt != nil || (row.ClaimedUntil != nil && row.ClaimedUntil.After(now)) {
			continue
		}
		until := now.Add(ttl)
		row.ClaimedUntil = &until
		out = append(out, *row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m memOutbox) MarkPublished(ctx context.Context, id string, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for i := range m.db.state.outbox {
		if m.db.state.outbox[i].ID == id {
			m.db.state.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m memOutbox) MarkFailed(ctx context.Context, id string, cause string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for i := range m.db.state.outbox {
		if m.db.state.outbox[i].ID == id {
			row := &m.db.state.outbox[i]
			row.Attempts++
			row.LastError = &cause
			row.ClaimedUntil = nil
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m memOutbox) CountPending(ctx context.Context) (int, error) {
	return len(m.unpublished()), nil
}

func (m memOutbox) unpublished() []models.OutboxMessage {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []models.OutboxMessage
	for _, row := range m.db.state.outbox {
		if row.PublishedAt == nil {
			out = append(out, row)
		}
	}
	return out
}

func (m memOutbox) operations() []string {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]string, 0, len(m.db.state.outbox))
	for _, row := range m.db.state.outbox {
		out = append(out, row.Operation)
	}
	return out
}

type memRequests struct{ db *memDB }

func (m memRequests) Create(ctx context.Context, request *models.DataRequest) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if request.ID == "" {
		request.ID = m.db.nextID("req")
	}
	m.db.state.requests[request.ID] = *request
	return nil
}

func (m memRequests) GetByID(ctx context.Context, id string) (*models.DataRequest, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	request, ok := m.db.state.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &request, nil
}

func (m memRequests) Update(ctx context.Context, request *models.DataRequest) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.state.requests[request.ID]; !ok {
		return sql.ErrNoRows
	}
	m.db.state.requests[request.ID] = *request
	return nil
}

func (m memRequests) AppendHistory(ctx context.Context, entry *models.DataRequestHistory) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if entry.ID == "" {
		entry.ID = m.db.nextID("reqh")
	}
	m.db.state.requestHistory = append(m.db.state.requestHistory, *entry)
	return nil
}

func (m memRequests) History(ctx context.Context, requestID string) ([]models.DataRequestHistory, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []models.DataRequestHistory
	for _, entry := range m.db.state.requestHistory {
		if entry.RequestID == requestID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m memRequests) sorted(match func(models.DataRequest) bool) []models.DataRequest {
	var out []models.DataRequest
	for _, request := range m.db.state.requests {
		if match(request) {
			out = append(out, request)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreationTimestamp.Equal(b.CreationTimestamp) {
			return a.CreationTimestamp.Before(b.CreationTimestamp)
		}
		if a.CompanyID != b.CompanyID {
			return a.CompanyID < b.CompanyID
		}
		return a.ID < b.ID
	})
	return out
}

func (m memRequests) List(ctx context.Context, filter models.DataRequestFilter) ([]models.DataRequest, int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	all := m.sorted(func(r models.DataRequest) bool {
		if !containsString(filter.CompanyIDs, r.CompanyID) ||
			!containsString(filter.DataTypes, r.DataType) ||
			!containsString(filter.ReportingPeriods, r.ReportingPeriod) {
			return false
		}
		if filter.UserID != "" && r.UserID != filter.UserID {
			return false
		}
		if len(filter.States) > 0 && !containsString(stringsOf(filter.States), string(r.State)) {
			return false
		}
		if len(filter.Priorities) > 0 && !containsString(stringsOf(filter.Priorities), string(r.Priority)) {
			return false
		}
		return true
	})
	return all, len(all), nil
}

func (m memRequests) ListActiveByKey(ctx context.Context, key models.KeyTriple) ([]models.DataRequest, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.sorted(func(r models.DataRequest) bool { return r.State.Active() && r.Key() == key }), nil
}

func (m memRequests) ListBySourcing(ctx context.Context, sourcingID string) ([]models.DataRequest, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.sorted(func(r models.DataRequest) bool { return derefString(r.SourcingRef) == sourcingID }), nil
}

func (m memRequests) ExistsActiveForUser(ctx context.Context, userID string, key models.KeyTriple) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, r := range m.db.state.requests {
		if r.UserID == userID && r.Key() == key && r.State.Active() {
			return true, nil
		}
	}
	return false, nil
}

type memSourcings struct{ db *memDB }

func (m memSourcings) GetOrCreate(ctx context.Context, key models.KeyTriple, priority models.RequestPriority) (*models.DataSourcing, bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, s := range m.db.state.sourcings {
		if s.Key() == key && !s.State.Terminal() {
			return &s, false, nil
		}
	}
	now := time.Now().UTC()
	s := models.DataSourcing{
		ID:              m.db.nextID("src"),
		CompanyID:       key.CompanyID,
		DataType:        key.DataType,
		ReportingPeriod: key.ReportingPeriod,
		State:           models.SourcingStateInitialized,
		Priority:        priority,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.db.state.sourcings[s.ID] = s
	return &s, true, nil
}

func (m memSourcings) GetByID(ctx context.Context, id string) (*models.DataSourcing, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	s, ok := m.db.state.sourcings[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &s, nil
}

func (m memSourcings) ActiveForKey(ctx context.Context, key models.KeyTriple) (*models.DataSourcing, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, s := range m.db.state.sourcings {
		if s.Key() == key && !s.State.Terminal() {
			return &s, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memSourcings) Update(ctx context.Context, sourcing *models.DataSourcing) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.state.sourcings[sourcing.ID]; !ok {
		return sql.ErrNoRows
	}
	m.db.state.sourcings[sourcing.ID] = *sourcing
	return nil
}

func (m memSourcings) List(ctx context.Context, filter models.DataSourcingFilter) ([]models.DataSourcing, int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []models.DataSourcing
	for _, s := range m.db.state.sourcings {
		if !containsString(filter.CompanyIDs, s.CompanyID) {
			continue
		}
		if len(filter.States) > 0 && !containsString(stringsOf(filter.States), string(s.State)) {
			continue
		}
		if filter.Assignee != "" && derefString(s.DocumentCollector) != filter.Assignee && derefString(s.DataExtractor) != filter.Assignee {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

type memDeadLetters struct{ db *memDB }

func (m memDeadLetters) Insert(ctx context.Context, letter *models.DeadLetter) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.state.deadLetters[letter.ID]; ok {
		return false, nil
	}
	m.db.state.deadLetters[letter.ID] = *letter
	return true, nil
}

func (m memDeadLetters) GetByID(ctx context.Context, id string) (*models.DeadLetter, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	letter, ok := m.db.state.deadLetters[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &letter, nil
}

func (m memDeadLetters) List(ctx context.Context, filter models.DeadLetterFilter) ([]models.DeadLetter, int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []models.DeadLetter
	for _, letter := range m.db.state.deadLetters {
		if filter.Queue != "" && letter.Queue != filter.Queue {
			continue
		}
		if filter.NotReplayed && letter.ReplayCount > 0 {
			continue
		}
		out = append(out, letter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadLetteredAt.After(out[j].DeadLetteredAt) })
	return out, len(out), nil
}

func (m memDeadLetters) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	letter, ok := m.db.state.deadLetters[id]
	if !ok {
		return sql.ErrNoRows
	}
	letter.ReplayCount++
	letter.LastReplayedAt = &at
	m.db.state.deadLetters[id] = letter
	return nil
}

// memPayloads is a PayloadStore backed by a map.
type memPayloads struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemPayloads() *memPayloads {
	return &memPayloads{objects: map[string][]byte{}}
}

func (p *memPayloads) Put(ctx context.Context, key string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.putErr != nil {
		return p.putErr
	}
	p.objects[key] = append([]byte(nil), data...)
	return nil
}

func (p *memPayloads) Get(ctx context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (p *memPayloads) Delete(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.objects[key]; !ok {
		return storage.ErrObjectNotFound
	}
	delete(p.objects, key)
	return nil
}

func containsString(set []string, value string) bool {
	if len(set) == 0 {
		return true
	}
	for _, candidate := range set {
		if candidate == value {
			return true
		}
	}
	return false
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
