// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omica1992/whatsapp-dispatch/internal/channel"
	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/queue"
	"github.com/omica1992/whatsapp-dispatch/internal/repository"
)

// Default pacing between campaign messages.
const (
	DefaultCampaignInterval = 20 * time.Second
	DefaultLongerInterval   = 2 * time.Minute
	DefaultLongerAfter      = 20
)

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	ShipmentRepo repository.ShipmentRepositoryInterface
	ContactRepo  repository.ContactRepositoryInterface
	Sender       *Sender
	Queue        Enqueuer
	Calendar     BusinessCalendar
	Now          func() time.Time
	// CountryCode completes local numbers when the campaign's connection
	// has no country of its own.
	CountryCode string

	// Prepare jobs are spaced by Interval, with LongerInterval added
	// after every LongerAfter messages.
	Interval       time.Duration
	LongerInterval time.Duration
	LongerAfter    int
}

// CampaignDetails is a campaign with the counters of its current execution.
type CampaignDetails struct {
	*model.Campaign
	Stats model.CampaignStats `json:"stats"`
}

// CancelReport tells what happened to the queue jobs of a cancelled item.
type CancelReport struct {
	Removed int `json:"removed"`
	Active  int `json:"active"`
	Failed  int `json:"failed"`
}

func (r *CancelReport) add(res queue.RemoveResult, err error) {
	switch {
	case err != nil:
		r.Failed++
	case res == queue.Removed:
		r.Removed++
	case res == queue.Active:
		r.Active++
	}
}

// Register wires the campaign jobs and the dead-letter hook into q.
func (s *CampaignService) Register(q *queue.Queue) {
	q.Process(JobProcessCampaign, s.Process)
	q.Process(JobPrepareShipment, s.Prepare)
	q.Process(JobDispatchShipment, s.Dispatch)
	q.OnFailed(s.OnFailed)
}

func (s *CampaignService) audience(ctx context.Context, c *model.Campaign) ([]*model.Contact, bool, error) {
	switch {
	case c.ContactListID != nil:
		contacts, err := s.ContactRepo.ListByContactList(ctx, c.CompanyID, *c.ContactListID)
		return contacts, false, err
	case c.TagID != nil:
		contacts, err := s.ContactRepo.ListByTag(ctx, c.CompanyID, *c.TagID)
		if err != nil {
			return nil, true, err
		}
		return uniqueNumbers(contacts, s.countryCode(ctx, c)), true, nil
	}
	return nil, false, nil
}

// countryCode is the default country of the connection c sends through.
func (s *CampaignService) countryCode(ctx context.Context, c *model.Campaign) string {
	conn, err := s.Sender.connection(ctx, c.CompanyID, c.ConnectionID)
	if err != nil || conn.CountryCode == "" {
		return s.CountryCode
	}
	return conn.CountryCode
}

// uniqueNumbers keeps the first contact of every number, compared in
// international form. Tag audiences key shipments on the number, so
// duplicates would never be processed.
func uniqueNumbers(contacts []*model.Contact, countryCode string) []*model.Contact {
	seen := make(map[string]bool, len(contacts))
	out := contacts[:0]
	for _, c := range contacts {
		n := channel.NormalizeNumber(c.Number, countryCode)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, c)
	}
	return out
}

// Process starts a campaign execution and fans it out into one prepare
// job per contact.
func (s *CampaignService) Process(ctx context.Context, job *queue.Job) error {
	var p CampaignJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(err)
	}
	c, err := s.CampaignRepo.GetByID(ctx, p.CampaignID)
	if appErrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	contacts, byNumber, err := s.audience(ctx, c)
	if err != nil {
		return err
	}

	if c.Status == model.CampaignScheduled {
		started, err := s.CampaignRepo.StartExecution(ctx, c.ID, p.Execution, len(contacts))
		if err != nil {
			return err
		}
		if started {
			c.Status = model.CampaignInProgress
			c.ExecutionCount = p.Execution
			c.AudienceSize = len(contacts)
			log.Info().Int("campaign_id", c.ID).Int("company_id", c.CompanyID).Int("execution", p.Execution).
				Int("audience", len(contacts)).Msg("campaign execution started")
			publish(ctx, s.Sender.Notifier, CompanyTopic(c.CompanyID, "campaign"), "update", c)
		} else if c, err = s.CampaignRepo.GetByID(ctx, p.CampaignID); err != nil {
			return err
		}
	}
	// A replayed job continues the execution it started.
	if c.Status != model.CampaignInProgress || c.ExecutionCount != p.Execution {
		log.Info().Int("campaign_id", c.ID).Str("status", string(c.Status)).Int("execution", p.Execution).Msg("campaign not runnable, skipping")
		return nil
	}

	if len(contacts) == 0 {
		return s.finalize(ctx, c.ID, p.Execution)
	}
	return s.enqueuePrepares(ctx, c, p.Execution, contacts, byNumber)
}

func (s *CampaignService) pacing() (time.Duration, time.Duration, int) {
	interval, longer, after := s.Interval, s.LongerInterval, s.LongerAfter
	if interval <= 0 {
		interval = DefaultCampaignInterval
	}
	if longer <= 0 {
		longer = DefaultLongerInterval
	}
	if after <= 0 {
		after = DefaultLongerAfter
	}
	return interval, longer, after
}

func (s *CampaignService) enqueuePrepares(ctx context.Context, c *model.Campaign, execution int, contacts []*model.Contact, byNumber bool) error {
	interval, longer, after := s.pacing()
	var delay time.Duration
	for i, contact := range contacts {
		if i > 0 {
			delay += interval
			if i%after == 0 {
				delay += longer
			}
		}
		_, err := s.Queue.Add(ctx, JobPrepareShipment, PrepareJob{
			CampaignID: c.ID,
			Execution:  execution,
			CompanyID:  c.CompanyID,
			ContactID:  contact.ID,
			Number:     contact.Number,
			Index:      i,
			ByNumber:   byNumber,
		}, queue.AddOptions{
			Delay: delay,
			JobID: fmt.Sprintf("campaign:%d:%d:prepare:%d", c.ID, execution, contact.ID),
		})
		if err != nil {
			return fmt.Errorf("enqueue prepare for contact %d: %w", contact.ID, err)
		}
	}
	return nil
}

// body picks the message variant for the i-th recipient.
func (s *CampaignService) body(c *model.Campaign, index int) (string, bool) {
	variants := c.Messages
	confirmation := false
	if c.Confirmation && len(c.ConfirmationMessages) > 0 {
		variants = c.ConfirmationMessages
		confirmation = true
	}
	var nonEmpty []string
	for _, v := range variants {
		if strings.TrimSpace(v) != "" {
			nonEmpty = append(nonEmpty, v)
		}
	}
	if len(nonEmpty) == 0 {
		return "", confirmation
	}
	return nonEmpty[index%len(nonEmpty)], confirmation
}

func (s *CampaignService) payload(c *model.Campaign, contact *model.Contact, body string) model.Payload {
	switch {
	case c.Template != nil:
		tpl := channel.ApplyVariables(*c.Template, channel.ContactVariables(contact))
		return model.Payload{Kind: model.PayloadTemplate, Template: &tpl}
	case c.MediaPath != "":
		return model.Payload{Kind: model.PayloadMedia, Media: &model.Media{
			Path:     c.MediaPath,
			FileName: c.MediaName,
			Caption:  body,
			Kind:     mediaKindFor(c.MediaName, c.MediaPath),
		}}
	}
	return model.TextPayload(body)
}

// Prepare finds or creates the shipment of one recipient and queues its
// dispatch. Shipments that were already processed are left alone.
func (s *CampaignService) Prepare(ctx context.Context, job *queue.Job) error {
	var p PrepareJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(err)
	}
	c, err := s.CampaignRepo.GetByID(ctx, p.CampaignID)
	if appErrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status != model.CampaignInProgress || c.ExecutionCount != p.Execution {
		return nil
	}

	sh, created, err := s.ShipmentRepo.FindOrCreate(ctx, model.ShipmentKey{
		CampaignID: p.CampaignID,
		Execution:  p.Execution,
		CompanyID:  p.CompanyID,
		ContactID:  p.ContactID,
		Number:     p.Number,
		ByNumber:   p.ByNumber,
	})
	if err != nil {
		return err
	}
	logger := log.With().Int("campaign_id", c.ID).Int("shipment_id", sh.ID).Int("contact_id", p.ContactID).Logger()
	if sh.Processed() {
		logger.Debug().Msg("shipment already processed")
		return nil
	}

	switch sh.Status {
	case model.StatePending:
		contact, err := s.ContactRepo.GetByID(ctx, p.ContactID)
		if err != nil && !appErrors.IsNotFound(err) {
			return err
		}
		body, confirmation := s.body(c, p.Index)
		body = RenderTemplate(body, campaignVariables(contact, p.Number))
		payload := s.payload(c, contact, body)
		if err := payload.Validate(); err != nil {
			logger.Error().Err(err).Msg("campaign has nothing to send")
			if _, ferr := s.ShipmentRepo.MarkFailed(ctx, sh.ID, err.Error(), clock(s.Now)); ferr != nil {
				return ferr
			}
			return s.finalize(ctx, c.ID, p.Execution)
		}
		if err := s.ShipmentRepo.SetContent(ctx, sh.ID, body, payload, confirmation); err != nil {
			return err
		}
		won, err := s.ShipmentRepo.MarkEnqueued(ctx, sh.ID)
		if err != nil || !won {
			return err
		}
	case model.StateEnqueued:
		if sh.JobID != nil {
			return nil
		}
		// Enqueued by a run that died before adding the dispatch job.
	default:
		return nil
	}

	dj, err := s.Queue.Add(ctx, JobDispatchShipment, DispatchJob{ShipmentID: sh.ID, CampaignID: c.ID, Execution: p.Execution},
		queue.AddOptions{JobID: itemJobID(JobDispatchShipment, sh.ID)})
	if err != nil {
		if rerr := s.ShipmentRepo.RevertEnqueued(ctx, sh.ID); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to revert shipment")
		}
		return err
	}
	if err := s.ShipmentRepo.SetJobID(ctx, sh.ID, &dj.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to store dispatch job id")
	}
	if created {
		logger.Debug().Msg("shipment created")
	}
	return nil
}

// Dispatch sends one shipment and checks whether the execution is done.
func (s *CampaignService) Dispatch(ctx context.Context, job *queue.Job) error {
	var p DispatchJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(err)
	}
	sh, err := s.ShipmentRepo.GetByID(ctx, p.ShipmentID)
	if appErrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if sh.Status.WasSent() {
		// Sent on an earlier attempt; the execution may still need closing.
		return s.finalize(ctx, sh.CampaignID, sh.Execution)
	}
	if sh.Status != model.StateEnqueued {
		return nil
	}
	delivery, err := s.Sender.resume(ctx, job)
	if err != nil {
		return err
	}
	if delivery != nil {
		return s.recordSent(ctx, job, sh, delivery)
	}
	c, err := s.CampaignRepo.GetByID(ctx, sh.CampaignID)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignInProgress || c.ExecutionCount != sh.Execution {
		log.Info().Int("campaign_id", c.ID).Int("shipment_id", sh.ID).Str("status", string(c.Status)).Msg("campaign not running, shipment skipped")
		return nil
	}

	connectionID := sh.ConnectionID
	if connectionID == nil {
		connectionID = c.ConnectionID
	}
	out := Outbound{
		CompanyID:    sh.CompanyID,
		ContactID:    sh.ContactID,
		ConnectionID: connectionID,
		Payload:      sh.Payload,
	}
	if c.OpenTicket {
		out.Ticket = &model.Ticket{Status: model.TicketPending}
	}

	delivery, err = s.Sender.Send(ctx, out)
	if err != nil {
		failed, err := handleSendError(ctx, s.ShipmentRepo, "campaign shipment", sh.ID, sh.CompanyID, job.Attempts+1, clock(s.Now), err)
		if failed {
			if ferr := s.finalize(ctx, c.ID, sh.Execution); ferr != nil {
				log.Error().Err(ferr).Int("campaign_id", c.ID).Msg("finalize check failed")
			}
		}
		return err
	}

	return s.recordSent(ctx, job, sh, delivery)
}

func (s *CampaignService) recordSent(ctx context.Context, job *queue.Job, sh *model.CampaignShipment, delivery *Delivery) error {
	if _, err := s.ShipmentRepo.MarkSent(ctx, sh.ID, delivery.ExternalID, delivery.SentAt); err != nil {
		if !errors.Is(err, appErrors.ErrDuplicate) {
			log.Error().Err(err).Int("shipment_id", sh.ID).Str("external_id", delivery.ExternalID).Msg("failed to mark shipment sent")
			return s.Sender.hold(job, delivery, err)
		}
	} else {
		s.Sender.Record(ctx, sh.CompanyID, delivery)
	}
	return s.finalize(ctx, sh.CampaignID, sh.Execution)
}

// OnFailed marks shipments whose dispatch ran out of attempts.
func (s *CampaignService) OnFailed(ctx context.Context, job *queue.Job, cause error) {
	if job.Type != JobDispatchShipment {
		return
	}
	var p DispatchJob
	if err := job.Decode(&p); err != nil {
		return
	}
	sh, err := s.ShipmentRepo.GetByID(ctx, p.ShipmentID)
	if err != nil {
		log.Error().Err(err).Int("shipment_id", p.ShipmentID).Msg("failed to load shipment")
		return
	}
	// A shipment whose message left is never marked FAILED from here.
	if !s.Sender.settleHeld(ctx, job, s.ShipmentRepo, sh.ID, sh.CompanyID) && !sh.Status.WasSent() {
		if _, err := s.ShipmentRepo.MarkFailed(ctx, p.ShipmentID, cause.Error(), clock(s.Now)); err != nil {
			log.Error().Err(err).Int("shipment_id", p.ShipmentID).Msg("failed to mark shipment failed")
			return
		}
	}
	if err := s.finalize(ctx, p.CampaignID, p.Execution); err != nil {
		log.Error().Err(err).Int("campaign_id", p.CampaignID).Msg("finalize check failed")
	}
}

// finalize closes the execution once every recipient is processed, or
// schedules the next execution of a recurring campaign. Every path may
// call it; the guarded updates let exactly one caller win.
func (s *CampaignService) finalize(ctx context.Context, campaignID, execution int) error {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignInProgress || c.ExecutionCount != execution {
		return nil
	}
	stats, err := s.ShipmentRepo.Stats(ctx, campaignID, execution)
	if err != nil {
		return err
	}
	if stats.Processed() < c.AudienceSize {
		return nil
	}

	now := clock(s.Now)
	if c.HasNextExecution() {
		base := now
		if c.ScheduledAt != nil {
			base = *c.ScheduledAt
		}
		next, err := NextOccurrence(base, c.IntervalUnit, c.IntervalValue, c.BusinessDayPolicy, s.Calendar)
		if err != nil {
			log.Error().Err(err).Int("campaign_id", c.ID).Msg("cannot compute next execution")
		} else {
			ok, err := s.CampaignRepo.ScheduleNext(ctx, c.ID, execution, next)
			if err != nil {
				return err
			}
			if ok {
				log.Info().Int("campaign_id", c.ID).Int("execution", execution).Time("next_at", next).Msg("campaign execution finished, next scheduled")
				publish(ctx, s.Sender.Notifier, CompanyTopic(c.CompanyID, "campaign"), "update", c.ID)
			}
			return nil
		}
	}

	ok, err := s.CampaignRepo.Finalize(ctx, c.ID, execution, now)
	if err != nil {
		return err
	}
	if ok {
		log.Info().Int("campaign_id", c.ID).Int("execution", execution).Int("delivered", stats.Delivered).
			Int("failed", stats.Failed).Msg("campaign finalized")
		publish(ctx, s.Sender.Notifier, CompanyTopic(c.CompanyID, "campaign"), "update", c.ID)
	}
	return nil
}

// Cancel stops a campaign and removes the queued jobs of its unsent
// shipments.
func (s *CampaignService) Cancel(ctx context.Context, campaignID int) (CancelReport, error) {
	var report CancelReport
	c, ok, err := s.CampaignRepo.Cancel(ctx, campaignID)
	if err != nil {
		return report, err
	}
	if !ok {
		return report, appErrors.NewValidation("status", fmt.Sprintf("campaign in status %s cannot be cancelled", c.Status))
	}

	jobIDs := []string{}
	if c.JobID != nil {
		jobIDs = append(jobIDs, *c.JobID)
	}
	if c.ExecutionCount > 0 {
		ids, err := s.ShipmentRepo.CancelPending(ctx, c.ID, c.ExecutionCount)
		if err != nil {
			return report, err
		}
		jobIDs = append(jobIDs, ids...)
	}
	for _, id := range jobIDs {
		res, err := s.Queue.Remove(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("job_id", id).Int("campaign_id", c.ID).Msg("failed to remove campaign job")
		}
		report.add(res, err)
	}
	log.Info().Int("campaign_id", c.ID).Int("removed", report.Removed).Int("active", report.Active).Int("failed", report.Failed).Msg("campaign cancelled")
	return report, nil
}

// Restart resumes a cancelled campaign. Shipments already processed in
// the cancelled execution are not sent again.
func (s *CampaignService) Restart(ctx context.Context, campaignID int) (*model.Campaign, error) {
	c, ok, err := s.CampaignRepo.Restart(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewValidation("status", "only cancelled campaigns can be restarted")
	}
	if c.Status != model.CampaignInProgress {
		return c, nil
	}
	if _, err := s.ShipmentRepo.ReopenCancelled(ctx, c.ID, c.ExecutionCount); err != nil {
		return nil, err
	}
	contacts, byNumber, err := s.audience(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return c, s.finalize(ctx, c.ID, c.ExecutionCount)
	}
	return c, s.enqueuePrepares(ctx, c, c.ExecutionCount, contacts, byNumber)
}

func (s *CampaignService) CreateCampaign(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, appErrors.NewValidation("name", "required")
	}
	if c.ContactListID == nil && c.TagID == nil {
		return nil, appErrors.NewValidation("audience", "contact_list_id or tag_id is required")
	}
	if c.Template == nil && len(c.Messages) == 0 && c.MediaPath == "" {
		return nil, appErrors.NewValidation("messages", "at least one message, media or template is required")
	}
	if c.IsRecurring && !validInterval(c.IntervalUnit) {
		return nil, appErrors.NewValidation("interval_unit", "unknown unit")
	}
	if !validPolicy(c.BusinessDayPolicy) {
		return nil, appErrors.NewValidation("business_day_policy", "unknown policy")
	}
	if c.BusinessDayPolicy == "" {
		c.BusinessDayPolicy = model.BusinessDayAsIs
	}
	if c.IntervalUnit == "" {
		c.IntervalUnit = model.IntervalDays
	}
	c.Status = model.CampaignInactive
	if c.ScheduledAt != nil {
		c.Status = model.CampaignScheduled
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, companyID, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, companyID, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats := model.CampaignStats{ByStatus: map[string]int{}}
	if c.ExecutionCount > 0 {
		if stats, err = s.ShipmentRepo.Stats(ctx, c.ID, c.ExecutionCount); err != nil {
			return nil, err
		}
	}
	stats.AudienceSize = c.AudienceSize
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

// RenderPreview renders a campaign message for one contact without
// sending it. override replaces the campaign's first message.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, contactID int, override *string) (string, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return "", err
	}
	contact, err := s.ContactRepo.GetByID(ctx, contactID)
	if err != nil {
		return "", err
	}
	if contact.CompanyID != c.CompanyID {
		return "", appErrors.NewNotFound("contact", contactID)
	}

	tpl := ""
	switch {
	case override != nil:
		tpl = *override
	case len(c.Messages) > 0:
		tpl = c.Messages[0]
	default:
		return "", appErrors.NewValidation("messages", "campaign has no text message to preview")
	}
	return RenderTemplate(tpl, campaignVariables(contact, contact.Number)), nil
}

func mediaKindFor(name, path string) model.MediaKind {
	ref := strings.ToLower(name)
	if ref == "" {
		ref = strings.ToLower(path)
	}
	switch {
	case hasAnySuffix(ref, ".jpg", ".jpeg", ".png", ".webp", ".gif"):
		return model.MediaImage
	case hasAnySuffix(ref, ".mp4", ".3gp", ".mov"):
		return model.MediaVideo
	case hasAnySuffix(ref, ".mp3", ".ogg", ".opus", ".m4a", ".aac", ".wav"):
		return model.MediaAudio
	}
	return model.MediaDocument
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
