package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/omica1992/whatsapp-dispatch/internal/channel"
	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/queue"
	"github.com/omica1992/whatsapp-dispatch/internal/repository"
)

// memStore is an in-memory stand-in for the Postgres tables. Every item
// transition goes through model.CanTransition like the SQL guards do.
type memStore struct {
	mu          sync.Mutex
	seq         int
	schedules   map[int]*model.Schedule
	reminders   map[int]*model.Reminder
	campaigns   map[int]*model.Campaign
	shipments   map[int]*model.CampaignShipment
	messages    map[int]*model.Message
	contacts    map[int]*model.Contact
	connections map[int]*model.Connection
	tickets     map[int]*model.Ticket
	lists       map[int][]int
	tags        map[int][]int

	finalized   int
	scheduledAt []time.Time
}

func newMemStore() *memStore {
	return &memStore{
		schedules:   map[int]*model.Schedule{},
		reminders:   map[int]*model.Reminder{},
		campaigns:   map[int]*model.Campaign{},
		shipments:   map[int]*model.CampaignShipment{},
		messages:    map[int]*model.Message{},
		contacts:    map[int]*model.Contact{},
		connections: map[int]*model.Connection{},
		tickets:     map[int]*model.Ticket{},
		lists:       map[int][]int{},
		tags:        map[int][]int{},
	}
}

func (st *memStore) nextID() int {
	st.seq++
	return st.seq
}

func (st *memStore) addContact(c *model.Contact) *model.Contact {
	st.mu.Lock()
	defer st.mu.Unlock()
	if c.ID == 0 {
		c.ID = st.nextID()
	}
	st.contacts[c.ID] = c
	return c
}

func (st *memStore) addConnection(c *model.Connection) *model.Connection {
	st.mu.Lock()
	defer st.mu.Unlock()
	if c.ID == 0 {
		c.ID = st.nextID()
	}
	st.connections[c.ID] = c
	return c
}

func (st *memStore) schedule(id int) model.Schedule {
	st.mu.Lock()
	defer st.mu.Unlock()
	return *st.schedules[id]
}

func (st *memStore) reminder(id int) model.Reminder {
	st.mu.Lock()
	defer st.mu.Unlock()
	return *st.reminders[id]
}

func (st *memStore) campaign(id int) model.Campaign {
	st.mu.Lock()
	defer st.mu.Unlock()
	return *st.campaigns[id]
}

func (st *memStore) shipmentList() []model.CampaignShipment {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []model.CampaignShipment
	for _, s := range st.shipments {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *memStore) messageByExternal(ext string) *model.Message {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, m := range st.messages {
		if m.ExternalMessageID == ext {
			cp := *m
			return &cp
		}
	}
	return nil
}

// items gives the shared item operations a view over one table.
type items struct {
	st    *memStore
	table string
	get   func(id int) *model.OutboundItem
	all   func() []*model.OutboundItem
}

func (t items) MarkEnqueued(ctx context.Context, id int) (bool, error) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	it := t.get(id)
	if it == nil || it.Status != model.StatePending {
		return false, nil
	}
	it.Status = model.StateEnqueued
	return true, nil
}

func (t items) RevertEnqueued(ctx context.Context, id int) error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if it := t.get(id); it != nil && it.Status == model.StateEnqueued {
		it.Status = model.StatePending
		it.JobID = nil
	}
	return nil
}

func (t items) SetJobID(ctx context.Context, id int, jobID *string) error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if it := t.get(id); it != nil {
		it.JobID = jobID
	}
	return nil
}

func (t items) markSent(id int, externalID string, at time.Time) (*model.OutboundItem, bool, error) {
	it := t.get(id)
	if it == nil || it.Status != model.StateEnqueued {
		return nil, false, nil
	}
	for _, other := range t.all() {
		if other.ID != id && other.CompanyID == it.CompanyID && other.ExternalMessageID != nil && *other.ExternalMessageID == externalID {
			return nil, false, fmt.Errorf("%s %d: %w", t.table, id, appErrors.ErrDuplicate)
		}
	}
	ext := externalID
	it.Status = model.StateSent
	it.ExternalMessageID = &ext
	it.SentAt = &at
	it.LastError = ""
	it.JobID = nil
	return it, true, nil
}

func (t items) MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	_, ok, err := t.markSent(id, externalID, at)
	return ok, err
}

func (t items) markFailed(it *model.OutboundItem, reason string, at time.Time) bool {
	if it == nil || !model.CanTransition(it.Status, model.StateFailed) {
		return false
	}
	it.Status = model.StateFailed
	it.LastError = repository.Truncate(reason, repository.MaxErrorLength)
	it.FailedAt = &at
	it.JobID = nil
	return true
}

func (t items) MarkFailed(ctx context.Context, id int, reason string, at time.Time) (bool, error) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return t.markFailed(t.get(id), reason, at), nil
}

func (t items) RecordAttemptError(ctx context.Context, id int, reason string) error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if it := t.get(id); it != nil && it.Status == model.StateEnqueued {
		it.LastError = reason
		it.Attempts++
	}
	return nil
}

func (t items) Cancel(ctx context.Context, id int) (*string, bool, error) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	it := t.get(id)
	if it == nil || !model.CanTransition(it.Status, model.StateCancelled) {
		return nil, false, nil
	}
	it.Status = model.StateCancelled
	return it.JobID, true, nil
}

func (t items) AdvanceByExternalID(ctx context.Context, companyID int, externalID string, to model.ItemState, reason string, at time.Time) (bool, error) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	changed := false
	for _, it := range t.all() {
		if it.CompanyID != companyID || it.ExternalMessageID == nil || *it.ExternalMessageID != externalID {
			continue
		}
		if !model.CanTransition(it.Status, to) {
			continue
		}
		it.Status = to
		switch to {
		case model.StateDelivered:
			if it.DeliveredAt == nil {
				it.DeliveredAt = &at
			}
		case model.StateRead:
			if it.ReadAt == nil {
				it.ReadAt = &at
			}
			if it.DeliveredAt == nil {
				it.DeliveredAt = &at
			}
		case model.StateFailed:
			it.LastError = reason
			if it.DeliveredAt == nil && it.FailedAt == nil {
				it.FailedAt = &at
			}
		}
		changed = true
	}
	return changed, nil
}

type memSchedules struct {
	items
}

func (st *memStore) Schedules() *memSchedules {
	return &memSchedules{items{
		st:    st,
		table: "schedules",
		get: func(id int) *model.OutboundItem {
			if s, ok := st.schedules[id]; ok {
				return &s.OutboundItem
			}
			return nil
		},
		all: func() []*model.OutboundItem {
			var out []*model.OutboundItem
			for _, s := range st.schedules {
				out = append(out, &s.OutboundItem)
			}
			return out
		},
	}}
}

var _ repository.ScheduleRepositoryInterface = (*memSchedules)(nil)

func (r *memSchedules) Create(ctx context.Context, s *model.Schedule, rem *model.Reminder) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s.ID = r.st.nextID()
	if s.Status == "" {
		s.Status = model.StatePending
	}
	cp := *s
	r.st.schedules[s.ID] = &cp
	if rem != nil {
		rem.ID = r.st.nextID()
		rem.ScheduleID = s.ID
		rem.CompanyID, rem.ContactID, rem.ConnectionID = s.CompanyID, s.ContactID, s.ConnectionID
		if rem.Status == "" {
			rem.Status = model.StatePending
		}
		rc := *rem
		r.st.reminders[rem.ID] = &rc
	}
	return nil
}

func (r *memSchedules) GetByID(ctx context.Context, id int) (*model.Schedule, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.schedules[id]
	if !ok {
		return nil, appErrors.NewNotFound("schedule", id)
	}
	cp := *s
	return &cp, nil
}

func (r *memSchedules) ListDue(ctx context.Context, from, to time.Time, limit int) ([]*model.Schedule, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*model.Schedule
	for _, s := range r.st.schedules {
		if s.Status == model.StatePending && !s.ScheduledAt.Before(from) && !s.ScheduledAt.After(to) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memSchedules) CreateSuccessor(ctx context.Context, next *model.Schedule) (*model.Schedule, bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, s := range r.st.schedules {
		if s.ParentID != nil && next.ParentID != nil && *s.ParentID == *next.ParentID {
			cp := *s
			return &cp, false, nil
		}
	}
	cp := *next
	cp.ID = r.st.nextID()
	cp.Status = model.StatePending
	r.st.schedules[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (r *memSchedules) MarkFinal(ctx context.Context, id int) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if s, ok := r.st.schedules[id]; ok {
		s.FinalOccurrence = true
	}
	return nil
}

func (r *memSchedules) Retry(ctx context.Context, id int, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.schedules[id]
	if !ok || s.Status != model.StateFailed {
		return false, nil
	}
	s.Status = model.StatePending
	s.LastError, s.Attempts, s.FailedAt, s.JobID = "", 0, nil, nil
	s.ScheduledAt = at
	return true, nil
}

type memReminders struct {
	items
}

func (st *memStore) Reminders() *memReminders {
	return &memReminders{items{
		st:    st,
		table: "reminders",
		get: func(id int) *model.OutboundItem {
			if r, ok := st.reminders[id]; ok {
				return &r.OutboundItem
			}
			return nil
		},
		all: func() []*model.OutboundItem {
			var out []*model.OutboundItem
			for _, r := range st.reminders {
				out = append(out, &r.OutboundItem)
			}
			return out
		},
	}}
}

var _ repository.ReminderRepositoryInterface = (*memReminders)(nil)

func (r *memReminders) GetByID(ctx context.Context, id int) (*model.Reminder, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	rem, ok := r.st.reminders[id]
	if !ok {
		return nil, appErrors.NewNotFound("reminder", id)
	}
	cp := *rem
	return &cp, nil
}

func (r *memReminders) GetBySchedule(ctx context.Context, scheduleID int) (*model.Reminder, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, rem := range r.st.reminders {
		if rem.ScheduleID == scheduleID {
			cp := *rem
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memReminders) ListDue(ctx context.Context, from, to time.Time, limit int) ([]*model.Reminder, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*model.Reminder
	for _, rem := range r.st.reminders {
		if rem.Status == model.StatePending && !rem.ScheduledAt.Before(from) && !rem.ScheduledAt.After(to) {
			cp := *rem
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memShipments struct {
	items
}

func (st *memStore) Shipments() *memShipments {
	return &memShipments{items{
		st:    st,
		table: "campaign_shipments",
		get: func(id int) *model.OutboundItem {
			if s, ok := st.shipments[id]; ok {
				return &s.OutboundItem
			}
			return nil
		},
		all: func() []*model.OutboundItem {
			var out []*model.OutboundItem
			for _, s := range st.shipments {
				out = append(out, &s.OutboundItem)
			}
			return out
		},
	}}
}

var _ repository.ShipmentRepositoryInterface = (*memShipments)(nil)

func (r *memShipments) FindOrCreate(ctx context.Context, key model.ShipmentKey) (*model.CampaignShipment, bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, s := range r.st.shipments {
		if s.CampaignID != key.CampaignID || s.Execution != key.Execution {
			continue
		}
		if (key.ByNumber && s.Number == key.Number) || (!key.ByNumber && s.ContactID == key.ContactID) {
			cp := *s
			return &cp, false, nil
		}
	}
	s := &model.CampaignShipment{
		OutboundItem: model.OutboundItem{
			ID:        r.st.nextID(),
			CompanyID: key.CompanyID,
			ContactID: key.ContactID,
			Status:    model.StatePending,
		},
		CampaignID: key.CampaignID,
		Execution:  key.Execution,
		Number:     key.Number,
	}
	r.st.shipments[s.ID] = s
	cp := *s
	return &cp, true, nil
}

func (r *memShipments) GetByID(ctx context.Context, id int) (*model.CampaignShipment, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.shipments[id]
	if !ok {
		return nil, appErrors.NewNotFound("campaign shipment", id)
	}
	cp := *s
	return &cp, nil
}

func (r *memShipments) SetContent(ctx context.Context, id int, body string, payload model.Payload, confirmation bool) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if s, ok := r.st.shipments[id]; ok {
		s.Body, s.Payload = body, payload
	}
	return nil
}

func (r *memShipments) Stats(ctx context.Context, campaignID, execution int) (model.CampaignStats, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	stats := model.CampaignStats{ByStatus: map[string]int{}}
	for _, s := range r.st.shipments {
		if s.CampaignID != campaignID || s.Execution != execution {
			continue
		}
		stats.ByStatus[string(s.Status)]++
		if s.DeliveredAt != nil {
			stats.Delivered++
		}
		if s.FailedAt != nil {
			stats.Failed++
		}
	}
	return stats, nil
}

func (r *memShipments) CancelPending(ctx context.Context, campaignID, execution int) ([]string, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var ids []string
	for _, s := range r.st.shipments {
		if s.CampaignID != campaignID || s.Execution != execution {
			continue
		}
		if s.Status == model.StatePending || s.Status == model.StateEnqueued {
			s.Status = model.StateCancelled
			if s.JobID != nil {
				ids = append(ids, *s.JobID)
			}
		}
	}
	return ids, nil
}

func (r *memShipments) ReopenCancelled(ctx context.Context, campaignID, execution int) (int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	n := 0
	for _, s := range r.st.shipments {
		if s.CampaignID == campaignID && s.Execution == execution && s.Status == model.StateCancelled {
			s.Status = model.StatePending
			s.JobID = nil
			n++
		}
	}
	return n, nil
}

// MarkSent also stamps delivered_at, which is what counts a campaign
// recipient as processed.
func (r *memShipments) MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	it, ok, err := r.markSent(id, externalID, at)
	if ok {
		it.DeliveredAt = &at
	}
	return ok, err
}

func (r *memShipments) MarkFailed(ctx context.Context, id int, reason string, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	it := r.get(id)
	if it == nil || (it.Status != model.StatePending && it.Status != model.StateEnqueued) {
		return false, nil
	}
	return r.markFailed(it, reason, at), nil
}

type memCampaigns struct{ st *memStore }

var _ repository.CampaignRepositoryInterface = (*memCampaigns)(nil)

func (r *memCampaigns) ListCampaigns(ctx context.Context, companyID, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var all []*model.Campaign
	for _, c := range r.st.campaigns {
		if c.CompanyID == companyID && (status == "" || string(c.Status) == status) {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (r *memCampaigns) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *memCampaigns) Create(ctx context.Context, c *model.Campaign) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c.ID = r.st.nextID()
	cp := *c
	r.st.campaigns[c.ID] = &cp
	return nil
}

func (r *memCampaigns) ListDue(ctx context.Context, from, to time.Time, limit int) ([]*model.Campaign, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*model.Campaign
	for _, c := range r.st.campaigns {
		if c.Status == model.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.Before(from) && !c.ScheduledAt.After(to) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memCampaigns) SetJobID(ctx context.Context, id int, jobID *string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if c, ok := r.st.campaigns[id]; ok {
		c.JobID = jobID
	}
	return nil
}

func (r *memCampaigns) StartExecution(ctx context.Context, id, execution, audienceSize int) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.campaigns[id]
	if !ok || c.Status != model.CampaignScheduled || c.ExecutionCount != execution-1 {
		return false, nil
	}
	c.Status = model.CampaignInProgress
	c.ExecutionCount = execution
	c.AudienceSize = audienceSize
	return true, nil
}

func (r *memCampaigns) Finalize(ctx context.Context, id, execution int, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.campaigns[id]
	if !ok || c.Status != model.CampaignInProgress || c.ExecutionCount != execution {
		return false, nil
	}
	c.Status = model.CampaignFinished
	c.CompletedAt = &at
	r.st.finalized++
	return true, nil
}

func (r *memCampaigns) ScheduleNext(ctx context.Context, id, execution int, next time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.campaigns[id]
	if !ok || c.Status != model.CampaignInProgress || c.ExecutionCount != execution {
		return false, nil
	}
	c.Status = model.CampaignScheduled
	c.ScheduledAt = &next
	c.JobID = nil
	r.st.scheduledAt = append(r.st.scheduledAt, next)
	return true, nil
}

func (r *memCampaigns) Cancel(ctx context.Context, id int) (*model.Campaign, bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.campaigns[id]
	if !ok {
		return nil, false, appErrors.NewCampaignNotFound(id)
	}
	before := *c
	switch c.Status {
	case model.CampaignInactive, model.CampaignScheduled, model.CampaignInProgress:
		c.Status = model.CampaignCancelled
		c.JobID = nil
		return &before, true, nil
	}
	return &before, false, nil
}

func (r *memCampaigns) Restart(ctx context.Context, id int) (*model.Campaign, bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.campaigns[id]
	if !ok {
		return nil, false, appErrors.NewCampaignNotFound(id)
	}
	if c.Status != model.CampaignCancelled {
		cp := *c
		return &cp, false, nil
	}
	if c.ExecutionCount > 0 {
		c.Status = model.CampaignInProgress
	} else {
		c.Status = model.CampaignScheduled
	}
	cp := *c
	return &cp, true, nil
}

type memMessages struct{ st *memStore }

var _ repository.MessageRepositoryInterface = (*memMessages)(nil)

func (r *memMessages) Create(ctx context.Context, m *model.Message) (*model.Message, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, existing := range r.st.messages {
		if existing.CompanyID == m.CompanyID && existing.ExternalMessageID == m.ExternalMessageID {
			cp := *existing
			return &cp, nil
		}
	}
	cp := *m
	cp.ID = r.st.nextID()
	r.st.messages[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memMessages) FindByExternalID(ctx context.Context, companyID int, externalID string) (*model.Message, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, m := range r.st.messages {
		if m.CompanyID == companyID && m.ExternalMessageID == externalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, appErrors.NewNotFound("message", externalID)
}

func (r *memMessages) UpdateAck(ctx context.Context, id, ack int) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	m, ok := r.st.messages[id]
	if !ok || m.Ack >= ack {
		return false, nil
	}
	m.Ack = ack
	return true, nil
}

func (r *memMessages) MarkFailed(ctx context.Context, id int, code, reason string, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	m, ok := r.st.messages[id]
	if !ok || m.FailedAt != nil || m.Ack >= model.AckDelivered {
		return false, nil
	}
	m.DeliveryErrorCode, m.DeliveryError, m.FailedAt = code, reason, &at
	return true, nil
}

type memContacts struct{ st *memStore }

var _ repository.ContactRepositoryInterface = (*memContacts)(nil)

func (r *memContacts) GetByID(ctx context.Context, id int) (*model.Contact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.contacts[id]
	if !ok {
		return nil, appErrors.NewNotFound("contact", id)
	}
	cp := *c
	return &cp, nil
}

func (r *memContacts) FindOrCreate(ctx context.Context, companyID int, number, name string) (*model.Contact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, c := range r.st.contacts {
		if c.CompanyID == companyID && c.Number == number {
			cp := *c
			return &cp, nil
		}
	}
	c := &model.Contact{ID: r.st.nextID(), CompanyID: companyID, Number: number, Name: name}
	r.st.contacts[c.ID] = c
	cp := *c
	return &cp, nil
}

func (r *memContacts) list(ids []int) []*model.Contact {
	var out []*model.Contact
	for _, id := range ids {
		if c, ok := r.st.contacts[id]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

func (r *memContacts) ListByContactList(ctx context.Context, companyID, listID int) ([]*model.Contact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.list(r.st.lists[listID]), nil
}

func (r *memContacts) ListByTag(ctx context.Context, companyID, tagID int) ([]*model.Contact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.list(r.st.tags[tagID]), nil
}

func (r *memContacts) SetAlternateID(ctx context.Context, id int, alternateID string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if c, ok := r.st.contacts[id]; ok {
		c.AlternateID = alternateID
	}
	return nil
}

func (r *memContacts) MarkAlternateLookupFailed(ctx context.Context, id int) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if c, ok := r.st.contacts[id]; ok {
		c.AlternateLookupFailed = true
	}
	return nil
}

type memConnections struct{ st *memStore }

var _ repository.ConnectionRepositoryInterface = (*memConnections)(nil)

func (r *memConnections) GetByID(ctx context.Context, id int) (*model.Connection, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.connections[id]
	if !ok {
		return nil, appErrors.NewNotFound("connection", id)
	}
	cp := *c
	return &cp, nil
}

func (r *memConnections) Default(ctx context.Context, companyID int) (*model.Connection, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var best *model.Connection
	for _, c := range r.st.connections {
		if c.CompanyID != companyID {
			continue
		}
		if best == nil || (c.IsDefault && !best.IsDefault) || (c.IsDefault == best.IsDefault && c.ID < best.ID) {
			best = c
		}
	}
	if best == nil {
		return nil, appErrors.NewNotFound("connection", companyID)
	}
	cp := *best
	return &cp, nil
}

func (r *memConnections) ListByProvider(ctx context.Context, provider model.Provider) ([]*model.Connection, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*model.Connection
	for _, c := range r.st.connections {
		if c.Provider == provider {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memConnections) GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Connection, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, c := range r.st.connections {
		if c.Provider == model.ProviderOfficial && c.PhoneNumberID == phoneNumberID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, appErrors.NewNotFound("connection for phone number id", phoneNumberID)
}

func (r *memConnections) UpdateStatus(ctx context.Context, id int, status string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if c, ok := r.st.connections[id]; ok {
		c.Status = status
	}
	return nil
}

type memTickets struct{ st *memStore }

var _ repository.TicketRepositoryInterface = (*memTickets)(nil)

func (r *memTickets) FindOrCreateOpen(ctx context.Context, t *model.Ticket) (*model.Ticket, bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, existing := range r.st.tickets {
		if existing.ContactID == t.ContactID && existing.ConnectionID == t.ConnectionID &&
			(existing.Status == model.TicketOpen || existing.Status == model.TicketPending) {
			cp := *existing
			return &cp, false, nil
		}
	}
	cp := *t
	cp.ID = r.st.nextID()
	if cp.Status == "" {
		cp.Status = model.TicketPending
	}
	r.st.tickets[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

// fakeChannel records sends and answers lookups.
type fakeChannel struct {
	mu      sync.Mutex
	sent    []sentMessage
	seq     int
	sendErr func(n int) error
	lookup  func(number string) (string, bool, error)
	lookups int
}

type sentMessage struct {
	To      string
	Payload model.Payload
	ID      string
}

func (f *fakeChannel) send(to string, p model.Payload) (channel.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if f.sendErr != nil {
		if err := f.sendErr(f.seq); err != nil {
			return channel.SendResult{}, err
		}
	}
	id := fmt.Sprintf("wamid.%d", f.seq)
	f.sent = append(f.sent, sentMessage{To: to, Payload: p, ID: id})
	return channel.SendResult{ExternalID: id}, nil
}

func (f *fakeChannel) SendText(ctx context.Context, to, body string) (channel.SendResult, error) {
	return f.send(to, model.TextPayload(body))
}

func (f *fakeChannel) SendMedia(ctx context.Context, to string, media model.Media) (channel.SendResult, error) {
	return f.send(to, model.Payload{Kind: model.PayloadMedia, Media: &media})
}

func (f *fakeChannel) SendTemplate(ctx context.Context, to string, tpl model.Template) (channel.SendResult, error) {
	return f.send(to, model.Payload{Kind: model.PayloadTemplate, Template: &tpl})
}

func (f *fakeChannel) MarkRead(ctx context.Context, to, externalID string) error { return nil }

func (f *fakeChannel) LookupJID(ctx context.Context, number string) (string, bool, error) {
	f.mu.Lock()
	f.lookups++
	f.mu.Unlock()
	if f.lookup == nil {
		return number + "@s.whatsapp.net", true, nil
	}
	return f.lookup(number)
}

func (f *fakeChannel) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeResolver struct{ ch *fakeChannel }

func (r fakeResolver) ForConnection(conn *model.Connection) (channel.Adapter, error) {
	return r.ch, nil
}

type event struct {
	Topic string
	Event string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *fakeNotifier) Publish(ctx context.Context, topic, ev string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{Topic: topic, Event: ev})
	return nil
}

func (n *fakeNotifier) count(topic, ev string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Topic == topic && e.Event == ev {
			c++
		}
	}
	return c
}

// failingQueue refuses every job.
type failingQueue struct{}

func (failingQueue) Add(ctx context.Context, jobType string, payload any, o queue.AddOptions) (*queue.Job, error) {
	return nil, fmt.Errorf("redis down")
}

func (failingQueue) Remove(ctx context.Context, id string) (queue.RemoveResult, error) {
	return queue.NotFound, fmt.Errorf("redis down")
}

// testClock is a settable clock shared by the queues and services.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
