package service

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/queue"
	"github.com/omica1992/whatsapp-dispatch/internal/retry"
)

// harness wires the whole pipeline on in-memory stores and queues with a
// shared fake clock.
type harness struct {
	clock    *testClock
	store    *memStore
	ch       *fakeChannel
	notifier *fakeNotifier

	schedQ  *queue.Queue
	campQ   *queue.Queue
	lookupQ *queue.Queue

	sender     *Sender
	verifier   *Verifier
	dispatcher *ScheduleDispatcher
	campaigns  *CampaignService
	reconciler *Reconciler
	outbound   *OutboundService
	lookups    *ContactLookup

	contact *model.Contact
	conn    *model.Connection
}

var testPolicy = retry.Policy{Base: time.Second, Max: time.Minute, MaxAttempts: 3}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Wednesday
	clock := &testClock{now: time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)}
	st := newMemStore()
	h := &harness{
		clock:    clock,
		store:    st,
		ch:       &fakeChannel{},
		notifier: &fakeNotifier{},
	}
	opts := []queue.Option{queue.WithClock(clock.Now), queue.WithBackoff(testPolicy), queue.WithAttempts(testPolicy.MaxAttempts)}
	backend := queue.NewMemoryBackend()
	h.schedQ = queue.New(QueueSchedules, backend, opts...)
	h.campQ = queue.New(QueueCampaigns, backend, opts...)
	h.lookupQ = queue.New(QueueLookups, backend, opts...)

	schedules, reminders, shipments := st.Schedules(), st.Reminders(), st.Shipments()
	campaigns := &memCampaigns{st}
	contacts := &memContacts{st}
	connections := &memConnections{st}
	messages := &memMessages{st}

	h.lookups = &ContactLookup{
		Contacts:    contacts,
		Connections: connections,
		Channels:    fakeResolver{h.ch},
		Queue:       h.lookupQ,
		Policy:      testPolicy,
		Now:         clock.Now,
	}
	h.lookups.Register(h.lookupQ)

	h.sender = &Sender{
		Contacts:    contacts,
		Connections: connections,
		Tickets:     &memTickets{st},
		Messages:    messages,
		Channels:    fakeResolver{h.ch},
		Notifier:    h.notifier,
		Lookups:     h.lookups,
		Now:         clock.Now,
	}
	h.verifier = &Verifier{
		Schedules:     schedules,
		Reminders:     reminders,
		Campaigns:     campaigns,
		Queue:         h.schedQ,
		CampaignQueue: h.campQ,
		Now:           clock.Now,
	}
	h.dispatcher = &ScheduleDispatcher{
		Schedules: schedules,
		Reminders: reminders,
		Sender:    h.sender,
		Now:       clock.Now,
	}
	h.dispatcher.Register(h.schedQ)
	h.campaigns = &CampaignService{
		CampaignRepo:   campaigns,
		ShipmentRepo:   shipments,
		ContactRepo:    contacts,
		Sender:         h.sender,
		Queue:          h.campQ,
		Now:            clock.Now,
		Interval:       time.Second,
		LongerInterval: time.Second,
		LongerAfter:    20,
	}
	h.campaigns.Register(h.campQ)
	h.reconciler = &Reconciler{
		Messages: messages,
		Targets:  []StatusTarget{schedules, reminders, shipments},
		Notifier: h.notifier,
		Now:      clock.Now,
	}
	h.outbound = &OutboundService{Schedules: schedules, Reminders: reminders, Queue: h.schedQ, Now: clock.Now}

	h.conn = st.addConnection(&model.Connection{CompanyID: 1, Name: "main", Provider: model.ProviderOfficial, IsDefault: true})
	h.contact = st.addContact(&model.Contact{CompanyID: 1, Name: "Ana Souza", Number: "5511999990001"})
	return h
}

func (h *harness) tick(t *testing.T) TickResult {
	t.Helper()
	res, err := h.verifier.Tick(context.Background(), h.clock.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return res
}

func (h *harness) run(t *testing.T, q *queue.Queue) int {
	t.Helper()
	n, err := q.ProcessDue(context.Background())
	if err != nil {
		t.Fatalf("ProcessDue(%s): %v", q.Name(), err)
	}
	return n
}

// sendSchedule creates a text schedule due now and runs it through the
// verifier and the dispatcher.
func (h *harness) sendSchedule(t *testing.T, text string) (int, string) {
	t.Helper()
	id, err := h.outbound.ScheduleOutboundItem(context.Background(), model.NewSchedule{
		CompanyID:   1,
		ContactID:   h.contact.ID,
		Payload:     model.TextPayload(text),
		ScheduledAt: h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("ScheduleOutboundItem: %v", err)
	}
	h.tick(t)
	h.run(t, h.schedQ)
	s := h.store.schedule(id)
	if s.Status != model.StateSent || s.ExternalMessageID == nil {
		t.Fatalf("schedule %d: status %s, want SENT", id, s.Status)
	}
	return id, *s.ExternalMessageID
}

func (h *harness) status(t *testing.T, ext, status string) {
	t.Helper()
	err := h.reconciler.ReportDeliveryStatus(context.Background(), model.StatusEvent{
		CompanyID:         1,
		ExternalMessageID: ext,
		Status:            status,
	})
	if err != nil {
		t.Fatalf("ReportDeliveryStatus(%s): %v", status, err)
	}
}

func jobFor(t *testing.T, jobType string, payload any) *queue.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{ID: jobType + ":test", Type: jobType, Payload: data}
}
