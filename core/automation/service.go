// Package automation runs the background sweeps: SLA escalation, stale
// escalation detection and round-robin officer assignment.
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"

	"casetrack/config"
	"casetrack/core/store"
	"casetrack/core/utils"
	"casetrack/core/workflow"
)

// staleEscalationAge is the second-order "stuck" threshold for cases sitting
// in escalated, distinct from their primary SLA deadline.
const staleEscalationAge = 48 * time.Hour

type Service struct {
	cfg      config.AutomationConfig
	users    store.UsersStore
	cases    store.CasesStore
	workflow *workflow.Manager
	logger   *utils.Logger

	cron *cron.Cron

	mu         sync.Mutex
	running    bool
	systemUser *store.User
}

func NewService(cfg config.AutomationConfig, users store.UsersStore, cases store.CasesStore, wf *workflow.Manager, logger *utils.Logger) *Service {
	return &Service{
		cfg:      cfg,
		users:    users,
		cases:    cases,
		workflow: wf,
		logger:   logger,
	}
}

// Start schedules the three sweeps. Each job recovers its own panics and is
// skipped while a previous run of the same sweep is still in flight, so one
// slow or failing sweep never stalls the others.
func (s *Service) Start() {
	if s == nil || !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	cronLog := cron.PrintfLogger(s.logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	_, _ = c.AddFunc(every(s.cfg.SLAInterval, 30*time.Minute), func() {
		if err := s.RunSLASweep(context.Background()); err != nil {
			s.logger.Errorf("automation: sla sweep: %v", err)
		}
	})
	_, _ = c.AddFunc(every(s.cfg.StaleInterval, 2*time.Hour), func() {
		if err := s.RunStaleEscalationSweep(context.Background()); err != nil {
			s.logger.Errorf("automation: stale escalation sweep: %v", err)
		}
	})
	_, _ = c.AddFunc(every(s.cfg.AssignmentInterval, time.Hour), func() {
		if err := s.RunAssignmentSweep(context.Background()); err != nil {
			s.logger.Errorf("automation: assignment sweep: %v", err)
		}
	})
	c.Start()
	s.cron = c
	s.running = true
	s.logger.Infof("automation: sweeps started")
}

// Stop halts scheduling and waits for in-flight sweeps to finish, bounded by
// ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Infof("automation: sweeps stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunSLASweep escalates every overdue case. A failure on one case is logged
// and the batch continues; each escalation commits on its own.
func (s *Service) RunSLASweep(ctx context.Context) error {
	systemUser, err := s.ensureSystemUser(ctx)
	if err != nil {
		return err
	}
	overdue, err := s.workflow.OverdueCases(ctx)
	if err != nil {
		return err
	}
	if len(overdue) == 0 {
		return nil
	}
	s.logger.Infof("automation: found %d overdue cases", len(overdue))
	for i := range overdue {
		c := &overdue[i]
		wasState := c.State
		if s.workflow.EscalateOverdue(ctx, c, systemUser) {
			s.logger.Infof("automation: auto-escalated case %s (was %s)", c.ID, wasState)
		} else {
			s.logger.Warnf("automation: could not escalate case %s", c.ID)
		}
	}
	return nil
}

// RunStaleEscalationSweep flags escalated cases untouched for too long.
// Observational only for now; a notification hook can attach here later.
func (s *Service) RunStaleEscalationSweep(ctx context.Context) error {
	before := time.Now().UTC().Add(-staleEscalationAge)
	stale, err := s.cases.ListStaleEscalated(ctx, before)
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		s.logger.Warnf("automation: found %d stale escalated cases", len(stale))
		for _, c := range stale {
			s.logger.Warnf("automation: case %s escalated and untouched since %s", c.ID, c.UpdatedAt.Format(time.RFC3339))
		}
	}
	return nil
}

// RunAssignmentSweep distributes unassigned in-review cases across officers
// in a fixed cycle. This is a fallback for cases whose review transition
// predates the reviewing officer, not a load balancer.
func (s *Service) RunAssignmentSweep(ctx context.Context) error {
	unassigned, err := s.cases.ListUnassignedInReview(ctx)
	if err != nil {
		return err
	}
	if len(unassigned) == 0 {
		return nil
	}
	officers, err := s.users.ListUsersByRole(ctx, store.RoleOfficer)
	if err != nil {
		return err
	}
	if len(officers) == 0 {
		return nil
	}
	for i, c := range unassigned {
		officer := officers[i%len(officers)]
		if err := s.cases.AssignOfficer(ctx, c.ID, officer.ID); err != nil {
			// ErrConflict means someone claimed the case since we listed it.
			s.logger.Warnf("automation: could not assign case %s: %v", c.ID, err)
			continue
		}
		s.logger.Infof("automation: auto-assigned case %s to officer %s", c.ID, officer.Email)
	}
	return nil
}

// ensureSystemUser fetches or creates the admin identity the sweeps act as,
// once per process.
func (s *Service) ensureSystemUser(ctx context.Context) (*store.User, error) {
	s.mu.Lock()
	cached := s.systemUser
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	u, err := s.users.GetUserByEmail(ctx, s.cfg.SystemEmail)
	if err != nil {
		return nil, err
	}
	if u == nil {
		// The account is never logged into; the password is a throwaway.
		hash, err := bcrypt.GenerateFromPassword([]byte(uuid.Must(uuid.NewV4()).String()), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		u = &store.User{
			Email:        s.cfg.SystemEmail,
			PasswordHash: string(hash),
			Role:         store.RoleAdmin,
		}
		if err := s.users.CreateUser(ctx, u); err != nil {
			if err != store.ErrConflict {
				return nil, err
			}
			// Another instance created it first.
			u, err = s.users.GetUserByEmail(ctx, s.cfg.SystemEmail)
			if err != nil || u == nil {
				return nil, fmt.Errorf("automation: system user unavailable: %w", err)
			}
		} else {
			s.logger.Infof("automation: created system user %s", u.Email)
		}
	}
	s.mu.Lock()
	s.systemUser = u
	s.mu.Unlock()
	return u, nil
}

func every(d, fallback time.Duration) string {
	if d <= 0 {
		d = fallback
	}
	return fmt.Sprintf("@every %s", d)
}
