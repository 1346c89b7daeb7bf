// Package producer turns submission requests into QUEUED jobs.
package producer

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/audit"
	"github.com/MaxIV-KitsControls/netspot/internal/inventory"
	"github.com/MaxIV-KitsControls/netspot/internal/models"
	"github.com/MaxIV-KitsControls/netspot/internal/store"
	"github.com/MaxIV-KitsControls/netspot/internal/telemetry"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid job request")
	// ErrInventory wraps snapshot resolution failures.
	ErrInventory = errors.New("inventory lookup failed")
	// ErrRetryUnavailable is returned when no audit log is configured.
	ErrRetryUnavailable = errors.New("retry requires an audit log")
)

var validate = validator.New()

// Credentials are device login details handed to the playbook as the
// "username" and "password" parameters.
type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password"`
}

// Request is a job submission.
type Request struct {
	Username        string            `json:"-"`
	ActionReference string            `json:"playbook" validate:"required"`
	TargetSelector  string            `json:"filter"`
	Parameters      models.Parameters `json:"arguments"`
	Secret          string            `json:"secret"`
	Credentials     *Credentials      `json:"credentials"`
	Verbosity       int               `json:"verbosity" validate:"gte=0,lte=4"`
}

// Producer validates requests, resolves their inventory and queues them.
type Producer struct {
	store     store.Store
	inventory inventory.Provider
	audit     audit.Log
	log       *logrus.Entry
}

// New builds a producer. inv and log may be nil; without an inventory
// provider jobs carry an empty snapshot. auditLog is only needed by Retry.
func New(st store.Store, inv inventory.Provider, auditLog audit.Log, log *logrus.Entry) *Producer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Producer{store: st, inventory: inv, audit: auditLog, log: log.WithField("component", "producer")}
}

// Submit queues req and returns the new job id.
func (p *Producer) Submit(ctx context.Context, req Request) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	params := req.Parameters
	if req.Credentials != nil {
		params = params.Set("username", req.Credentials.Username).Set("password", req.Credentials.Password)
	}

	var snap models.InventorySnapshot
	if p.inventory != nil && req.TargetSelector != "" {
		s, err := p.inventory.Snapshot(ctx, req.TargetSelector)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInventory, err)
		}
		snap = s
	}

	id, err := p.store.AddJob(ctx, models.NewJob{
		Username:          req.Username,
		ActionReference:   req.ActionReference,
		TargetSelector:    req.TargetSelector,
		Parameters:        params,
		Secret:            req.Secret,
		InventorySnapshot: snap,
		Verbosity:         req.Verbosity,
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidParameters) || errors.Is(err, models.ErrInvalidSnapshot) {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return "", err
	}
	telemetry.EnqueueCounter.Inc()

	p.log.WithFields(logrus.Fields{
		"job_id":   id,
		"username": req.Username,
		"action":   req.ActionReference,
		"filter":   req.TargetSelector,
		"hosts":    len(snap.Hosts()),
	}).Info("job queued")
	return id, nil
}

// Retry queues a new job with the playbook, filter and arguments of a past
// run. The original job and entry are not touched. Redacted arguments are
// not restored.
func (p *Producer) Retry(ctx context.Context, auditID, username string) (string, error) {
	if p.audit == nil {
		return "", ErrRetryUnavailable
	}
	entry, err := p.audit.Get(ctx, auditID)
	if err != nil {
		return "", err
	}
	if username == "" {
		username = entry.Username
	}
	return p.Submit(ctx, Request{
		Username:        username,
		ActionReference: entry.Playbook,
		TargetSelector:  entry.Filter,
		Parameters:      entry.Arguments,
	})
}
