package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flink-studio/flinkctl/internal/cluster"
	"github.com/flink-studio/flinkctl/internal/db"
	"github.com/flink-studio/flinkctl/internal/orchestrator"
	"github.com/flink-studio/flinkctl/internal/repositories"
)

// Control is the slice of the orchestrator the monitor reads from.
type Control interface {
	Sync(ctx context.Context) (*orchestrator.SyncReport, error)
	ListSnapshots(ctx context.Context, opts repositories.ListOptions) ([]db.Snapshot, int64, error)
	ListActiveSnapshots(ctx context.Context) ([]orchestrator.ActiveSnapshotView, error)
	ListResumable(ctx context.Context) ([]orchestrator.ResumableSnapshot, error)
}

// ClusterProbe is the cluster surface used for job listing and health.
type ClusterProbe interface {
	ListJobs(ctx context.Context) ([]*cluster.Job, error)
}

// GatewayProbe answers the gateway health check.
type GatewayProbe interface {
	Info(ctx context.Context) (string, string, error)
}

// Config carries the listen address and the reconciliation cadence.
type Config struct {
	Addr         string
	SyncInterval time.Duration
}

const defaultSyncInterval = time.Minute

// Server runs the monitor: one HTTP listener plus the background sync loop.
type Server struct {
	cfg      Config
	ctl      Control
	cl       ClusterProbe
	gw       GatewayProbe
	database *gorm.DB
	log      *zap.Logger

	cron gocron.Scheduler
	m    *metrics
	http *http.Server
}

// New builds a Server. Call Start to begin serving and Stop to shut down.
func New(cfg Config, ctl Control, cl ClusterProbe, gw GatewayProbe, database *gorm.DB, log *zap.Logger) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		ctl:      ctl,
		cl:       cl,
		gw:       gw,
		database: database,
		log:      log.Named("monitor"),
		cron:     cron,
		m:        newMetrics(),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Router assembles the HTTP surface. Exposed separately so tests can drive
// it without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.m.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleJobs)
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/snapshots/active", s.handleActiveSnapshots)
		r.Get("/snapshots/resumable", s.handleResumable)
		r.Post("/sync", s.handleSync)
	})
	return r
}

// Start launches the sync loop and the HTTP listener. It blocks until the
// listener stops.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.SyncInterval),
		gocron.NewTask(s.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return err
	}
	s.cron.Start()

	s.log.Info("monitor listening",
		zap.String("addr", s.cfg.Addr),
		zap.Duration("syncInterval", s.cfg.SyncInterval))
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener and the sync loop down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.cron.Shutdown(); err != nil {
		s.log.Warn("sync loop shutdown", zap.Error(err))
	}
	return s.http.Shutdown(ctx)
}

// tick runs one reconciliation pass and refreshes the gauges from its
// outcome. Metric refresh failures only log; the next tick retries.
func (s *Server) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.ctl.Sync(ctx); err != nil {
		s.m.syncRuns.WithLabelValues("error").Inc()
		s.log.Error("sync failed", zap.Error(err))
		return
	}
	s.m.syncRuns.WithLabelValues("ok").Inc()
	s.m.lastSyncUnix.Set(float64(time.Now().Unix()))
	s.refreshGauges(ctx)
}

func (s *Server) refreshGauges(ctx context.Context) {
	jobs, err := s.cl.ListJobs(ctx)
	if err != nil {
		s.log.Warn("job gauge refresh failed", zap.Error(err))
	} else {
		byState := map[string]int{}
		for _, j := range jobs {
			byState[string(j.State)]++
		}
		s.m.clusterJobs.Reset()
		for state, n := range byState {
			s.m.clusterJobs.WithLabelValues(state).Set(float64(n))
		}
	}

	if _, total, err := s.ctl.ListSnapshots(ctx, repositories.ListOptions{Limit: 1}); err == nil {
		s.m.snapshotRows.Set(float64(total))
	}
	if active, err := s.ctl.ListActiveSnapshots(ctx); err == nil {
		s.m.activeSnapshots.Set(float64(len(active)))
	}
}

// componentHealth is one entry in the health report.
type componentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]componentHealth{}
	healthy := true

	if err := db.Ping(ctx, s.database); err != nil {
		components["store"] = componentHealth{Status: "down", Detail: err.Error()}
		healthy = false
	} else {
		components["store"] = componentHealth{Status: "up"}
	}

	if _, err := s.cl.ListJobs(ctx); err != nil {
		components["cluster"] = componentHealth{Status: "down", Detail: err.Error()}
		healthy = false
	} else {
		components["cluster"] = componentHealth{Status: "up"}
	}

	if product, version, err := s.gw.Info(ctx); err != nil {
		components["gateway"] = componentHealth{Status: "down", Detail: err.Error()}
		healthy = false
	} else {
		detail := product
		if version != "" {
			detail += " " + version
		}
		components["gateway"] = componentHealth{Status: "up", Detail: detail}
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	JSON(w, status, envelope{"status": overall, "components": components})
}

// jobView is the wire shape of a cluster job.
type jobView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	State        string `json:"state"`
	StartTime    int64  `json:"startTime,omitempty"`
	Duration     int64  `json:"duration,omitempty"`
	SnapshotPath string `json:"snapshotPath,omitempty"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.cl.ListJobs(r.Context())
	if err != nil {
		WriteFault(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:           j.ID,
			Name:         j.Name,
			State:        string(j.State),
			StartTime:    j.StartTime,
			Duration:     j.Duration,
			SnapshotPath: j.SnapshotPath(),
		})
	}
	Ok(w, views)
}

// snapshotView is the wire shape of one snapshot history row. SQL content is
// reported by presence only; the full text stays in the store.
type snapshotView struct {
	ID        int64             `json:"id"`
	JobID     string            `json:"jobId"`
	JobName   string            `json:"jobName,omitempty"`
	Path      string            `json:"path"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	RequestID string            `json:"requestId,omitempty"`
	IsLatest  bool              `json:"isLatest"`
	HasSQL    bool              `json:"hasSql"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func toSnapshotView(row db.Snapshot) snapshotView {
	return snapshotView{
		ID:        row.ID,
		JobID:     row.JobID,
		JobName:   row.JobName,
		Path:      row.SnapshotPath,
		Type:      row.SnapshotType,
		Status:    row.SnapshotStatus,
		RequestID: row.RequestID,
		IsLatest:  row.IsLatest,
		HasSQL:    row.SQLContent != "",
		CreatedAt: row.CreatedAt,
		Metadata:  row.Metadata,
	}
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	opts := repositories.ListOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			ErrBadRequest(w, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			ErrBadRequest(w, "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}

	rows, total, err := s.ctl.ListSnapshots(r.Context(), opts)
	if err != nil {
		WriteFault(w, err)
		return
	}
	views := make([]snapshotView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toSnapshotView(row))
	}
	Ok(w, envelope{"snapshots": views, "total": total})
}

// activeSnapshotView adds the live request state to an in-progress row.
type activeSnapshotView struct {
	snapshotView
	AgeSeconds   float64 `json:"ageSeconds"`
	IsStale      bool    `json:"isStale"`
	RequestState string  `json:"requestState,omitempty"`
	Location     string  `json:"location,omitempty"`
}

func (s *Server) handleActiveSnapshots(w http.ResponseWriter, r *http.Request) {
	active, err := s.ctl.ListActiveSnapshots(r.Context())
	if err != nil {
		WriteFault(w, err)
		return
	}
	views := make([]activeSnapshotView, 0, len(active))
	for _, a := range active {
		views = append(views, activeSnapshotView{
			snapshotView: toSnapshotView(a.Snapshot),
			AgeSeconds:   a.Age.Seconds(),
			IsStale:      a.IsStale,
			RequestState: string(a.RequestState),
			Location:     a.Location,
		})
	}
	Ok(w, views)
}

// resumableView pairs a usable snapshot with its job's cluster state.
type resumableView struct {
	snapshotView
	JobState string `json:"jobState"`
}

func (s *Server) handleResumable(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ctl.ListResumable(r.Context())
	if err != nil {
		WriteFault(w, err)
		return
	}
	views := make([]resumableView, 0, len(rows))
	for _, row := range rows {
		views = append(views, resumableView{
			snapshotView: toSnapshotView(row.Snapshot),
			JobState:     string(row.JobState),
		})
	}
	Ok(w, views)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctl.Sync(r.Context())
	if err != nil {
		WriteFault(w, err)
		return
	}
	Ok(w, envelope{
		"clusterJobs":  report.ClusterJobs,
		"discovered":   report.Discovered,
		"statusMarked": report.StatusMarked,
	})
}
