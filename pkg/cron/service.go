// Package cron schedules announcements: one-shot, fixed-interval, or
// cron-expression jobs whose message is delivered to a QQ user or group
// through the gateway.
package cron

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nasbot/nasbot/pkg/logger"
	"github.com/nasbot/nasbot/pkg/onebot"
)

type Schedule struct {
	Kind    string `json:"kind"`
	AtMS    *int64 `json:"atMs,omitempty"`
	EveryMS *int64 `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
}

// Announcement is what a job delivers on fire.
type Announcement struct {
	Message    string `json:"message"`
	TargetType string `json:"target_type"`
	TargetID   int64  `json:"target_id"`
}

type JobState struct {
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMS *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type Job struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	Schedule       Schedule     `json:"schedule"`
	Announcement   Announcement `json:"announcement"`
	State          JobState     `json:"state"`
	CreatedAtMS    int64        `json:"createdAtMs"`
	UpdatedAtMS    int64        `json:"updatedAtMs"`
	DeleteAfterRun bool         `json:"deleteAfterRun"`
}

type jobStore struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Service is the scheduler. Jobs persist to a JSON document so pending
// announcements survive restarts.
type Service struct {
	storePath string
	store     *jobStore
	messenger onebot.Messenger
	mu        sync.RWMutex
	running   bool
	stopChan  chan struct{}
	gronx     *gronx.Gronx
}

func NewService(storePath string, messenger onebot.Messenger) *Service {
	s := &Service{
		storePath: storePath,
		messenger: messenger,
		stopChan:  make(chan struct{}),
		gronx:     gronx.New(),
	}
	s.loadStore()
	return s
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := s.loadStore(); err != nil {
		return fmt.Errorf("load job store: %w", err)
	}

	s.recomputeNextRuns()
	if err := s.saveStoreUnsafe(); err != nil {
		return fmt.Errorf("save job store: %w", err)
	}

	s.running = true
	go s.runLoop()

	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	close(s.stopChan)
}

func (s *Service) runLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.checkJobs()
		}
	}
}

func (s *Service) checkJobs() {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()
		return
	}

	now := time.Now().UnixMilli()
	var dueJobs []*Job

	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if job.Enabled && job.State.NextRunAtMS != nil && *job.State.NextRunAtMS <= now {
			jobCopy := *job
			dueJobs = append(dueJobs, &jobCopy)
		}
	}

	// Clear NextRunAtMS before executing so a slow delivery cannot
	// double-fire the job.
	dueMap := make(map[string]bool, len(dueJobs))
	for _, job := range dueJobs {
		dueMap[job.ID] = true
	}
	for i := range s.store.Jobs {
		if dueMap[s.store.Jobs[i].ID] {
			s.store.Jobs[i].State.NextRunAtMS = nil
		}
	}

	if err := s.saveStoreUnsafe(); err != nil {
		logger.ErrorCF("cron", "Failed to save job store", map[string]interface{}{
			"error": err.Error(),
		})
	}

	s.mu.Unlock()

	for _, job := range dueJobs {
		s.executeJob(job)
	}
}

func (s *Service) deliver(job *Job) error {
	if s.messenger == nil {
		return fmt.Errorf("no messenger configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch job.Announcement.TargetType {
	case "group":
		return s.messenger.SendGroupMsg(ctx, job.Announcement.TargetID, job.Announcement.Message)
	case "private":
		return s.messenger.SendPrivateMsg(ctx, job.Announcement.TargetID, job.Announcement.Message)
	default:
		return fmt.Errorf("unknown target type %q", job.Announcement.TargetType)
	}
}

func (s *Service) executeJob(job *Job) {
	startTime := time.Now().UnixMilli()

	err := s.deliver(job)
	if err != nil {
		logger.WarnCF("cron", "Announcement delivery failed", map[string]interface{}{
			"job":   job.Name,
			"error": err.Error(),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID != job.ID {
			continue
		}

		s.store.Jobs[i].State.LastRunAtMS = &startTime
		s.store.Jobs[i].UpdatedAtMS = time.Now().UnixMilli()

		if err != nil {
			s.store.Jobs[i].State.LastStatus = "error"
			s.store.Jobs[i].State.LastError = err.Error()
		} else {
			s.store.Jobs[i].State.LastStatus = "ok"
			s.store.Jobs[i].State.LastError = ""
		}

		if s.store.Jobs[i].Schedule.Kind == "at" {
			if s.store.Jobs[i].DeleteAfterRun {
				s.removeJobUnsafe(job.ID)
			} else {
				s.store.Jobs[i].Enabled = false
				s.store.Jobs[i].State.NextRunAtMS = nil
			}
		} else {
			s.store.Jobs[i].State.NextRunAtMS = s.computeNextRun(&s.store.Jobs[i].Schedule, time.Now().UnixMilli())
		}
		break
	}

	if err := s.saveStoreUnsafe(); err != nil {
		logger.ErrorCF("cron", "Failed to save job store", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Service) computeNextRun(schedule *Schedule, nowMS int64) *int64 {
	switch schedule.Kind {
	case "at":
		if schedule.AtMS != nil && *schedule.AtMS > nowMS {
			return schedule.AtMS
		}
		return nil
	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return nil
		}
		next := nowMS + *schedule.EveryMS
		return &next
	case "cron":
		if schedule.Expr == "" {
			return nil
		}
		nextTime, err := gronx.NextTickAfter(schedule.Expr, time.UnixMilli(nowMS), false)
		if err != nil {
			logger.WarnCF("cron", "Invalid cron expression", map[string]interface{}{
				"expr":  schedule.Expr,
				"error": err.Error(),
			})
			return nil
		}
		nextMS := nextTime.UnixMilli()
		return &nextMS
	}
	return nil
}

func (s *Service) recomputeNextRuns() {
	now := time.Now().UnixMilli()
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if job.Enabled {
			job.State.NextRunAtMS = s.computeNextRun(&job.Schedule, now)
		}
	}
}

func (s *Service) loadStore() error {
	s.store = &jobStore{
		Version: 1,
		Jobs:    []Job{},
	}

	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return json.Unmarshal(data, s.store)
}

func (s *Service) saveStoreUnsafe() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.storePath, data, 0644)
}

// AddJob registers an announcement. One-shot jobs are removed after they
// fire.
func (s *Service) AddJob(name string, schedule Schedule, ann Announcement) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	job := Job{
		ID:           generateID(),
		Name:         name,
		Enabled:      true,
		Schedule:     schedule,
		Announcement: ann,
		State: JobState{
			NextRunAtMS: s.computeNextRun(&schedule, now),
		},
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
		DeleteAfterRun: schedule.Kind == "at",
	}

	s.store.Jobs = append(s.store.Jobs, job)
	if err := s.saveStoreUnsafe(); err != nil {
		return nil, err
	}

	return &job, nil
}

func (s *Service) RemoveJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeJobUnsafe(jobID)
}

func (s *Service) removeJobUnsafe(jobID string) bool {
	before := len(s.store.Jobs)
	var jobs []Job
	for _, job := range s.store.Jobs {
		if job.ID != jobID {
			jobs = append(jobs, job)
		}
	}
	s.store.Jobs = jobs
	removed := len(s.store.Jobs) < before

	if removed {
		if err := s.saveStoreUnsafe(); err != nil {
			logger.ErrorCF("cron", "Failed to save job store after remove", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	return removed
}

func (s *Service) EnableJob(jobID string, enabled bool) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if job.ID == jobID {
			job.Enabled = enabled
			job.UpdatedAtMS = time.Now().UnixMilli()

			if enabled {
				job.State.NextRunAtMS = s.computeNextRun(&job.Schedule, time.Now().UnixMilli())
			} else {
				job.State.NextRunAtMS = nil
			}

			if err := s.saveStoreUnsafe(); err != nil {
				logger.ErrorCF("cron", "Failed to save job store after enable", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return job
		}
	}

	return nil
}

func (s *Service) ListJobs(includeDisabled bool) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if includeDisabled {
		return s.store.Jobs
	}

	var enabled []Job
	for _, job := range s.store.Jobs {
		if job.Enabled {
			enabled = append(enabled, job)
		}
	}

	return enabled
}

func generateID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
