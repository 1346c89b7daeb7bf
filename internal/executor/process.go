package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
)

// Process runs an external automation runner once per job. The runner gets
// the playbook path as its last argument and the job description as JSON on
// stdin, and must print an Outcome JSON document on stdout:
//
//	{"stats": {"<host>": {"ok": 1, "failures": 0, ...}}, "transcript": "..."}
//
// A non-zero exit with a valid document is a normal run with host failures.
type Process struct {
	Command      string
	Args         []string
	PlaybookPath string
	// Env is appended to the current environment.
	Env []string
	Log *logrus.Entry
}

type processInput struct {
	Playbook   string                   `json:"playbook"`
	Hosts      string                   `json:"hosts"`
	ExtraVars  models.Parameters        `json:"extra_vars"`
	Inventory  models.InventorySnapshot `json:"inventory"`
	Username   string                   `json:"username"`
	Verbosity  int                      `json:"verbosity"`
	BecomePass string                   `json:"become_pass,omitempty"`
}

// ErrOutsidePlaybookPath is returned for references that would resolve
// outside PlaybookPath.
var ErrOutsidePlaybookPath = errors.New("playbook outside playbook path")

// playbook resolves ref under PlaybookPath. Without a PlaybookPath the
// reference is handed to the runner unchanged.
func (p *Process) playbook(ref string) (string, error) {
	if p.PlaybookPath == "" {
		return ref, nil
	}
	if !filepath.IsLocal(ref) {
		return "", &Error{Reference: ref, Err: ErrOutsidePlaybookPath}
	}
	return filepath.Join(p.PlaybookPath, ref), nil
}

func (p *Process) Execute(ctx context.Context, req Request) (models.Outcome, error) {
	playbook, err := p.playbook(req.ActionReference)
	if err != nil {
		return models.Outcome{}, err
	}
	input, err := json.Marshal(processInput{
		Playbook:   playbook,
		Hosts:      req.TargetSelector,
		ExtraVars:  req.Parameters,
		Inventory:  req.Inventory,
		Username:   req.Username,
		Verbosity:  req.Verbosity,
		BecomePass: req.Secret,
	})
	if err != nil {
		return models.Outcome{}, &Error{Reference: req.ActionReference, Err: fmt.Errorf("encode request: %w", err)}
	}

	args := append(append([]string{}, p.Args...), playbook)
	cmd := exec.CommandContext(ctx, p.Command, args...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if p.Log != nil {
		p.Log.WithFields(logrus.Fields{"job_id": req.JobID, "playbook": playbook}).Debug("starting executor")
	}
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.Outcome{Runtime: elapsed}, &Error{Reference: req.ActionReference, Err: ctxErr}
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return models.Outcome{Runtime: elapsed}, &Error{Reference: req.ActionReference, Err: runErr}
	}

	var outcome models.Outcome
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &outcome); err != nil {
		cause := fmt.Errorf("unparseable runner output: %w", err)
		if runErr != nil {
			cause = fmt.Errorf("%v: %w", runErr, cause)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			cause = fmt.Errorf("%w (stderr: %s)", cause, msg)
		}
		return models.Outcome{Runtime: elapsed, Transcript: stderr.String()}, &Error{Reference: req.ActionReference, Err: cause}
	}
	if runErr != nil && len(outcome.Hosts) == 0 {
		return models.Outcome{Runtime: elapsed, Transcript: outcome.Transcript}, &Error{Reference: req.ActionReference, Err: runErr}
	}
	if outcome.Transcript == "" {
		outcome.Transcript = stderr.String()
	}
	outcome.Runtime = elapsed
	return outcome, nil
}
