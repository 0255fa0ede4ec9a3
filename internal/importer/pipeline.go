// Package importer 导入投递事件：去重、解析职位、关联平台信息，并在需要时补建 submitted 计划。
package importer

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"applytrail/internal/apperr"
	"applytrail/internal/events"
	"applytrail/internal/fingerprint"
	"applytrail/internal/logging"
	"applytrail/internal/metrics"
	"applytrail/internal/model"
	"applytrail/internal/resolver"
	"applytrail/internal/storage"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// FallbackApplicationMethod 是职位存储拒绝推断出的投递方式时使用的安全值。
const FallbackApplicationMethod = "other"

// Store 定义导入流程依赖的持久化接口。
type Store interface {
	FindImportEvent(ctx context.Context, userID, eventFingerprint string) (*model.ImportEvent, error)
	RecordImportEvent(ctx context.Context, ev *model.ImportEvent) (bool, error)
	CreateJob(ctx context.Context, userID string, in storage.JobInput) (*model.Job, error)
	GetJob(ctx context.Context, userID, id string) (*model.Job, error)
	UpdateJobStatus(ctx context.Context, userID, jobID, status, note string) error
	AppendJobHistory(ctx context.Context, userID, jobID, action, note string) error
	UpsertPlatformLink(ctx context.Context, userID, jobID string, entry model.PlatformEntry, comm *model.PlatformCommunication) (bool, error)
}

// Resolver 解析规范职位。
type Resolver interface {
	Resolve(ctx context.Context, q resolver.Query) (resolver.Result, error)
	Remember(ctx context.Context, userID, fingerprint, jobID string) (string, error)
}

// Submissions 记录真实投递。
type Submissions interface {
	RecordSubmission(ctx context.Context, userID, jobID string, submittedAt time.Time, meta datatypes.JSONMap) (*model.Schedule, bool, error)
}

// Result 是一次导入的结果。
type Result struct {
	Deduped          bool         `json:"deduped"`
	ImportEventID    uint         `json:"import_event_id"`
	JobID            string       `json:"job_id"`
	ScheduleID       string       `json:"schedule_id,omitempty"`
	JobCreated       bool         `json:"job_created"`
	ScheduleCreated  bool         `json:"schedule_created"`
	ResolvedVia      resolver.Via `json:"resolved_via,omitempty"`
	JobFingerprint   string       `json:"job_fingerprint"`
	EventFingerprint string       `json:"event_fingerprint"`
}

// BulkItem 是批量导入中单条记录的结果。
type BulkItem struct {
	Index  int     `json:"index"`
	OK     bool    `json:"ok"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
	Kind   string  `json:"kind,omitempty"`
}

const lockStripes = 64

// Pipeline 执行导入。
// 同一进程内相同事件的并发导入按条带锁串行，跨进程的重复由存储层唯一约束兜底。
type Pipeline struct {
	locks     [lockStripes]sync.Mutex
	store     Store
	resolver  Resolver
	schedules Submissions
	events    events.Publisher
	metrics   *metrics.Metrics
	log       *zap.SugaredLogger
	now       func() time.Time
}

// Option 配置 Pipeline。
type Option func(*Pipeline)

// WithPublisher 设置事件发布。
func WithPublisher(p events.Publisher) Option { return func(pl *Pipeline) { pl.events = p } }

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) Option { return func(pl *Pipeline) { pl.metrics = m } }

// WithLogger 设置日志。
func WithLogger(l *zap.SugaredLogger) Option { return func(pl *Pipeline) { pl.log = logging.OrNop(l) } }

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option { return func(pl *Pipeline) { pl.now = now } }

// New 创建 Pipeline。
func New(store Store, res Resolver, schedules Submissions, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		resolver:  res,
		schedules: schedules,
		events:    events.Nop{},
		log:       logging.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Import 导入一条事件。同一 (user, eventFingerprint) 的重复投递直接返回 deduped，不做任何写入。
// ImportEvent 在最后写入，唯一约束由存储层保证；中途失败的导入重放时会重新执行并收敛到同一职位。
func (p *Pipeline) Import(ctx context.Context, userID string, raw map[string]any) (Result, error) {
	res, err := p.importOne(ctx, userID, raw)
	switch {
	case err != nil:
		p.metrics.ImportOutcome("failed")
	case res.Deduped:
		p.metrics.ImportOutcome("deduped")
	default:
		p.metrics.ImportOutcome("created")
	}
	return res, err
}

func (p *Pipeline) importOne(ctx context.Context, userID string, raw map[string]any) (Result, error) {
	if userID == "" {
		return Result{}, apperr.Validation("user id required")
	}
	payload, err := Normalize(raw, p.now().UTC())
	if err != nil {
		return Result{}, err
	}

	jobFP := fingerprint.JobFingerprint(payload.Title, payload.Company, payload.Location)
	evInput := fingerprint.EventInput{
		UserID:         userID,
		Platform:       payload.Platform,
		SourceType:     payload.SourceType,
		ExternalID:     payload.ExternalID,
		MessageID:      payload.MessageID,
		JobFingerprint: jobFP,
		AppliedAt:      payload.AppliedAt,
	}
	eventFP := fingerprint.EventFingerprint(evInput)
	res := Result{JobFingerprint: jobFP, EventFingerprint: eventFP}

	mu := p.lockFor(userID + "|" + eventFP)
	mu.Lock()
	defer mu.Unlock()

	existing, err := p.store.FindImportEvent(ctx, userID, eventFP)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return dedupedResult(res, existing), nil
	}

	resolved, err := p.resolver.Resolve(ctx, resolver.Query{
		UserID:      userID,
		Fingerprint: jobFP,
		Title:       payload.Title,
		Company:     payload.Company,
		Location:    payload.Location,
	})
	if err != nil {
		return Result{}, err
	}
	res.ResolvedVia = resolved.Via
	res.JobID = resolved.JobID

	if res.JobID == "" {
		job, err := p.createJob(ctx, userID, payload)
		if err != nil {
			return Result{}, err
		}
		winner, err := p.resolver.Remember(ctx, userID, jobFP, job.ID)
		if err != nil {
			return Result{}, err
		}
		if winner != job.ID {
			p.log.Warnw("concurrent import created a duplicate job, using indexed job", "user_id", userID, "job_id", winner, "duplicate_job_id", job.ID)
		}
		res.JobID = winner
		res.JobCreated = winner == job.ID
	} else {
		p.markApplied(ctx, userID, res.JobID, payload)
	}

	entry := model.PlatformEntry{
		Platform:    payload.Platform,
		SourceType:  payload.SourceType,
		JobURL:      payload.JobURL,
		ExternalID:  payload.ExternalID,
		FirstSeenAt: payload.AppliedAt,
	}
	if _, err := p.store.UpsertPlatformLink(ctx, userID, res.JobID, entry, communication(payload)); err != nil {
		return Result{}, err
	}

	sched, created, err := p.schedules.RecordSubmission(ctx, userID, res.JobID, payload.AppliedAt, datatypes.JSONMap{
		"event_fingerprint": eventFP,
		"platform":          payload.Platform,
	})
	if err != nil {
		return Result{}, err
	}
	res.ScheduleID = sched.ID
	res.ScheduleCreated = created

	ev := &model.ImportEvent{
		UserID:             userID,
		EventFingerprint:   eventFP,
		Platform:           payload.Platform,
		SourceType:         payload.SourceType,
		AppliedAt:          payload.AppliedAt,
		JobFingerprint:     jobFP,
		ResolvedJobID:      res.JobID,
		ResolvedScheduleID: res.ScheduleID,
		RawMetadata:        rawMetadata(payload, fingerprint.DisambiguatorSource(evInput)),
	}
	inserted, err := p.store.RecordImportEvent(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		winner, err := p.store.FindImportEvent(ctx, userID, eventFP)
		if err != nil {
			return Result{}, err
		}
		if winner == nil {
			return Result{}, errors.Newf("import event %s vanished after conflict", eventFP)
		}
		return dedupedResult(res, winner), nil
	}
	res.ImportEventID = ev.ID

	p.log.Infow("application imported",
		"user_id", userID,
		"job_id", res.JobID,
		"schedule_id", res.ScheduleID,
		"event_fingerprint", eventFP,
		"via", res.ResolvedVia,
	)
	apperr.BestEffort(ctx, p.log, p.metrics, "events.publish", func(ctx context.Context) error {
		return p.events.Publish(ctx, events.Event{
			Type:       events.TypeApplicationImported,
			UserID:     userID,
			JobID:      res.JobID,
			ScheduleID: res.ScheduleID,
			At:         p.now().UTC(),
		})
	}, "event_fingerprint", eventFP)
	return res, nil
}

// ImportBulk 逐条导入，单条失败不影响其余记录。
func (p *Pipeline) ImportBulk(ctx context.Context, userID string, raws []map[string]any) []BulkItem {
	items := make([]BulkItem, 0, len(raws))
	for i, raw := range raws {
		item := BulkItem{Index: i}
		res, err := p.Import(ctx, userID, raw)
		if err != nil {
			item.Error = err.Error()
			item.Kind = apperr.Kind(err)
		} else {
			item.OK = true
			item.Result = &res
		}
		items = append(items, item)
	}
	return items
}

// createJob 新建 applied 职位；投递方式被拒绝时用安全值重试一次。
func (p *Pipeline) createJob(ctx context.Context, userID string, payload Payload) (*model.Job, error) {
	applied := payload.AppliedAt
	in := storage.JobInput{
		Title:             payload.Title,
		Company:           payload.Company,
		Location:          payload.Location,
		URL:               payload.JobURL,
		Status:            model.JobStatusApplied,
		ApplicationMethod: payload.ApplicationMethod,
		ApplicationSource: payload.Platform,
		AppliedAt:         &applied,
		HistoryAction:     "imported",
		HistoryNote:       payload.Platform + "/" + payload.SourceType,
	}
	job, err := p.store.CreateJob(ctx, userID, in)
	if err == nil || !errors.Is(err, apperr.ErrUpstreamEnum) || in.ApplicationMethod == FallbackApplicationMethod {
		return job, err
	}
	p.log.Warnw("job store rejected application method, retrying with fallback",
		"user_id", userID, "method", in.ApplicationMethod, "err", err)
	in.ApplicationMethod = FallbackApplicationMethod
	return p.store.CreateJob(ctx, userID, in)
}

// markApplied 把已解析到的职位标记为 applied，失败不影响导入。
func (p *Pipeline) markApplied(ctx context.Context, userID, jobID string, payload Payload) {
	apperr.BestEffort(ctx, p.log, p.metrics, "jobs.mark_applied", func(ctx context.Context) error {
		job, err := p.store.GetJob(ctx, userID, jobID)
		if err != nil {
			return err
		}
		note := "imported from " + payload.Platform
		if job.Status != model.JobStatusApplied {
			return p.store.UpdateJobStatus(ctx, userID, jobID, model.JobStatusApplied, note)
		}
		return p.store.AppendJobHistory(ctx, userID, jobID, "imported", note)
	}, "user_id", userID, "job_id", jobID)
}

func (p *Pipeline) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &p.locks[h.Sum32()%lockStripes]
}

func communication(payload Payload) *model.PlatformCommunication {
	if payload.Email == nil {
		return nil
	}
	e := payload.Email
	snippet := e.Snippet
	if snippet == "" {
		snippet = e.Body
		if snippet == "" && e.HTML != "" {
			snippet = htmlToText(e.HTML)
		}
	}
	if r := []rune(snippet); len(r) > 280 {
		snippet = string(r[:280])
	}
	received := e.ReceivedAt
	if received.IsZero() {
		received = payload.AppliedAt
	}
	return &model.PlatformCommunication{
		Subject:    e.Subject,
		From:       e.From,
		Snippet:    snippet,
		ReceivedAt: received,
	}
}

func rawMetadata(payload Payload, disambiguator string) datatypes.JSONMap {
	meta := datatypes.JSONMap{"disambiguator": disambiguator}
	for k, v := range payload.Raw {
		switch k {
		case "body", "html", "text", "bodyHtml", "body_html", "email":
			continue
		}
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339)
		}
		meta[k] = v
	}
	return meta
}

func dedupedResult(res Result, ev *model.ImportEvent) Result {
	res.Deduped = true
	res.ImportEventID = ev.ID
	res.JobID = ev.ResolvedJobID
	res.ScheduleID = ev.ResolvedScheduleID
	res.JobCreated = false
	res.ScheduleCreated = false
	res.ResolvedVia = ""
	return res
}
